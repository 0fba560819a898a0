package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/wyfcoding/invoicefinance/internal/financing/application"
	"github.com/wyfcoding/invoicefinance/internal/financing/infrastructure/messaging"
	"github.com/wyfcoding/invoicefinance/internal/financing/infrastructure/persistence/mysql"
	"github.com/wyfcoding/invoicefinance/internal/financing/interfaces/consumer"
	grpcserver "github.com/wyfcoding/invoicefinance/internal/financing/interfaces/grpc"
	httpserver "github.com/wyfcoding/invoicefinance/internal/financing/interfaces/http"
	"github.com/wyfcoding/invoicefinance/pkg/config"
	"github.com/wyfcoding/invoicefinance/pkg/grpcclient"
	"github.com/wyfcoding/invoicefinance/pkg/logger"
	"github.com/wyfcoding/invoicefinance/pkg/metrics"
	"github.com/wyfcoding/invoicefinance/pkg/middleware"
	"github.com/wyfcoding/invoicefinance/pkg/mq"
	"golang.org/x/sync/errgroup"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var Version = "dev"

// repaymentRetries 回款入账遇到暂时性错误时的重试次数
const repaymentRetries = 3

func main() {
	var configPath string
	rootCmd := &cobra.Command{
		Use:     "financing",
		Short:   "Invoice financing ledger service",
		Version: Version,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/financing/config.toml", "config file path")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(scanDefaultsCmd(&configPath))
	rootCmd.AddCommand(healthcheckCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP and gRPC servers with background jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve(ctx)
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update ledger tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.Database.Driver == "memory" {
				return errors.New("migrate requires a sql database driver")
			}
			d, err := openDatabase(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer d.Close()
			if err := mysql.AutoMigrate(d.DB); err != nil {
				return err
			}
			logger.Info(cmd.Context(), "migration completed", "driver", cfg.Database.Driver)
			return nil
		},
	}
}

func scanDefaultsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "scan-defaults",
		Short: "Write off funded invoices past the grace period once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			job := application.NewDefaultScanJob(a.svc, cfg.Protocol.DefaultScanner, 0)
			n, err := job.RunOnce(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "defaulted %d invoice(s)\n", n)
			return err
		},
	}
}

func healthcheckCmd(configPath *string) *cobra.Command {
	var service string
	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Query the gRPC health service of a running instance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadWithDefaults(*configPath)
			if err != nil {
				return err
			}
			host := cfg.GRPC.Host
			if host == "" || host == "0.0.0.0" {
				host = "127.0.0.1"
			}
			conn, err := grpcclient.NewClient(grpcclient.ClientConfig{
				Target:         fmt.Sprintf("%s:%d", host, cfg.GRPC.Port),
				RequestTimeout: 3 * time.Second,
				MaxRetries:     2,
				RetryDelay:     200 * time.Millisecond,
			})
			if err != nil {
				return err
			}
			defer conn.Close()

			st, err := grpcclient.CheckHealth(cmd.Context(), conn, service)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), st.String())
			if st != healthpb.HealthCheckResponse_SERVING {
				return fmt.Errorf("service %q is %s", service, st)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&service, "service", grpcserver.ServiceName, "health service name (verifier, database, or empty for overall)")
	return cmd
}

// serve 启动全部服务与后台任务，ctx 结束后优雅退出
func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	g, ctx := errgroup.WithContext(ctx)

	if cfg.Environment == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(
		middleware.GinLoggingMiddleware(a.metrics),
		middleware.GinRecoveryMiddleware(),
		middleware.GinCORSMiddleware(cfg.HTTP.PrincipalHeader),
		middleware.GinPrincipalMiddleware(cfg.HTTP.PrincipalHeader),
		middleware.RateLimitMiddleware(a.limiter, cfg.RateLimit),
	)
	httpserver.NewFinancingHandler(a.svc).RegisterRoutes(r)
	httpSrv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeout) * time.Second,
	}

	grpcSrv := grpcserver.NewServer(grpcserver.ServerConfig{
		MaxConcurrentStreams: uint32(cfg.GRPC.MaxConcurrentStreams),
		RateLimit:            cfg.GRPC.RateLimit,
		RateBurst:            cfg.GRPC.RateBurst,
	}, a.metrics)
	if a.verifier != nil {
		grpcSrv.AddProbe("verifier", a.verifier.Health)
	}
	if a.database != nil {
		grpcSrv.AddProbe("database", func(ctx context.Context) error {
			sqlDB, err := a.database.DB.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		})
	}

	g.Go(func() error {
		logger.Info(ctx, "HTTP server starting", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.GRPC.Host, cfg.GRPC.Port))
		if err != nil {
			return err
		}
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error { return grpcSrv.WatchProbes(ctx, 30*time.Second) })

	if cfg.Metrics.Enabled {
		g.Go(func() error { return metrics.StartHTTPServer(ctx, cfg.Metrics.Port, cfg.Metrics.Path) })
	}

	scanInterval := time.Duration(cfg.Jobs.DefaultScanInterval) * time.Second
	g.Go(func() error {
		return application.NewDefaultScanJob(a.svc, cfg.Protocol.DefaultScanner, scanInterval).Start(ctx)
	})

	if cfg.Kafka.Enabled {
		a.startKafka(ctx, g)
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info(context.Background(), "shutting down servers...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		grpcSrv.GracefulStop()
		return httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// startKafka 启动 outbox 中继与通道回款消费者
func (a *app) startKafka(ctx context.Context, g *errgroup.Group) {
	cfg := a.cfg
	kcfg := mq.KafkaConfig{
		Brokers:        cfg.Kafka.Brokers,
		GroupID:        cfg.Kafka.GroupID,
		SessionTimeout: cfg.Kafka.SessionTimeout,
	}
	producer := mq.NewProducer(kcfg)
	a.closers = append(a.closers, producer)

	if a.database != nil {
		relay := messaging.NewOutboxRelay(
			mysql.NewOutboxRepository(a.database.DB),
			producer,
			a.metrics,
			time.Duration(cfg.Jobs.OutboxRelayInterval)*time.Second,
			cfg.Jobs.OutboxRelayBatchSize,
		)
		g.Go(func() error { return relay.Start(ctx) })
	} else {
		logger.Warn(ctx, "outbox relay disabled: in-memory store keeps no outbox")
	}

	reader := mq.NewConsumer(kcfg, cfg.Kafka.RepaymentTopic)
	a.closers = append(a.closers, reader)
	dlq := mq.NewDeadLetterQueue(producer, cfg.Kafka.RepaymentTopic+".dlq")
	repayments := consumer.NewRepaymentConsumer(reader, a.svc, dlq, repaymentRetries)
	g.Go(func() error { return repayments.Start(ctx) })
}

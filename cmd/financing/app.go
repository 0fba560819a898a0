package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/wyfcoding/invoicefinance/internal/financing/application"
	"github.com/wyfcoding/invoicefinance/internal/financing/domain"
	"github.com/wyfcoding/invoicefinance/internal/financing/infrastructure/client"
	"github.com/wyfcoding/invoicefinance/internal/financing/infrastructure/persistence/memory"
	"github.com/wyfcoding/invoicefinance/internal/financing/infrastructure/persistence/mysql"
	redisproj "github.com/wyfcoding/invoicefinance/internal/financing/infrastructure/persistence/redis"
	"github.com/wyfcoding/invoicefinance/pkg/cache"
	"github.com/wyfcoding/invoicefinance/pkg/config"
	"github.com/wyfcoding/invoicefinance/pkg/db"
	"github.com/wyfcoding/invoicefinance/pkg/idgen"
	"github.com/wyfcoding/invoicefinance/pkg/logger"
	"github.com/wyfcoding/invoicefinance/pkg/metrics"
	"github.com/wyfcoding/invoicefinance/pkg/ratelimit"
)

// app 进程内共享的组件
type app struct {
	cfg      *config.Config
	metrics  *metrics.Metrics
	database *db.DB
	redis    *cache.RedisCache
	limiter  ratelimit.RateLimiter
	verifier *client.AIVerifier
	svc      *application.FinancingService

	closers []io.Closer
}

// loadConfig 加载配置并初始化日志与 ID 生成器
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(logger.Config{
		Level:      cfg.Logger.Level,
		Format:     cfg.Logger.Format,
		Output:     cfg.Logger.Output,
		FilePath:   cfg.Logger.FilePath,
		MaxSize:    cfg.Logger.MaxSize,
		MaxBackups: cfg.Logger.MaxBackups,
		MaxAge:     cfg.Logger.MaxAge,
		Compress:   cfg.Logger.Compress,
		WithCaller: cfg.Logger.WithCaller,
	}); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	if err := idgen.Init(cfg.Protocol.NodeID); err != nil {
		return nil, fmt.Errorf("init id generator: %w", err)
	}
	return cfg, nil
}

func openDatabase(ctx context.Context, cfg *config.Config) (*db.DB, error) {
	d, err := db.Init(ctx, db.Config{
		Driver:             cfg.Database.Driver,
		DSN:                cfg.Database.DSN,
		MaxOpenConns:       cfg.Database.MaxOpenConns,
		MaxIdleConns:       cfg.Database.MaxIdleConns,
		ConnMaxLifetime:    cfg.Database.ConnMaxLifetime,
		LogEnabled:         cfg.Database.LogEnabled,
		SlowQueryThreshold: cfg.Database.SlowQueryThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return d, nil
}

// newApp 按配置装配存储、缓存、核验客户端与应用服务，并执行启动引导
func newApp(ctx context.Context, cfg *config.Config) (a *app, err error) {
	a = &app{cfg: cfg, metrics: metrics.New(cfg.ServiceName)}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()
	if err := a.metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Warn(ctx, "metrics already registered", "error", err)
	}

	var store domain.StateStore
	if cfg.Database.Driver == "memory" {
		logger.Warn(ctx, "using in-memory ledger store; state is lost on restart")
		store = memory.NewStateStore()
	} else {
		if a.database, err = openDatabase(ctx, cfg); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.database)
		if cfg.Database.AutoMigrate {
			if err = mysql.AutoMigrate(a.database.DB); err != nil {
				return nil, fmt.Errorf("auto migrate: %w", err)
			}
		}
		store = mysql.NewStateStore(a.database.DB, cfg.Kafka.EventsTopic)
	}

	opts := []application.Option{application.WithMetrics(a.metrics)}

	if cfg.Redis.Enabled {
		if a.redis, err = cache.New(ctx, cache.Config{
			Addr:         cfg.Redis.Addr(),
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			MaxPoolSize:  cfg.Redis.MaxPoolSize,
			ConnTimeout:  cfg.Redis.ConnTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		}); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.redis)
		a.limiter = ratelimit.NewRedisRateLimiter(a.redis.GetClient())
		ttl := time.Duration(cfg.Redis.ProjectionTTL) * time.Second
		opts = append(opts, application.WithProjector(redisproj.NewProjector(a.redis, ttl)))
	} else {
		a.limiter = ratelimit.NewLocalRateLimiter()
	}

	if cfg.Verifier.Enabled {
		a.verifier = client.NewAIVerifier(client.AIVerifierConfig{
			BaseURL:            cfg.Verifier.BaseURL,
			Timeout:            time.Duration(cfg.Verifier.Timeout) * time.Second,
			MaxRetries:         cfg.Verifier.MaxRetries,
			BreakerFailures:    cfg.Verifier.BreakerFailures,
			BreakerTimeout:     time.Duration(cfg.Verifier.BreakerTimeout) * time.Second,
			SettlementDecimals: cfg.Protocol.SettlementDecimals,
		}, a.metrics)
		opts = append(opts, application.WithVerifier(a.verifier))
	}

	params, err := application.BuildParams(cfg)
	if err != nil {
		return nil, err
	}
	if a.svc, err = application.NewFinancingService(ctx, store, params, opts...); err != nil {
		return nil, err
	}
	if err = a.svc.Bootstrap(ctx, cfg.Protocol.BootstrapAdmins, bootstrapGrants(cfg)); err != nil {
		return nil, fmt.Errorf("bootstrap roles: %w", err)
	}
	return a, nil
}

// bootstrapGrants 配置的角色，外加违约扫描账号的 VALIDATOR
func bootstrapGrants(cfg *config.Config) []application.RoleGrantCommand {
	grants := make([]application.RoleGrantCommand, 0, len(cfg.Protocol.BootstrapGrants)+1)
	for _, g := range cfg.Protocol.BootstrapGrants {
		grants = append(grants, application.RoleGrantCommand{Principal: g.Principal, Role: g.Role})
	}
	if cfg.Protocol.DefaultScanner != "" {
		grants = append(grants, application.RoleGrantCommand{Principal: cfg.Protocol.DefaultScanner, Role: string(domain.RoleValidator)})
	}
	return grants
}

// Close 逆序关闭资源
func (a *app) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	if err := errors.Join(errs...); err != nil {
		logger.Error(context.Background(), "close resources", "error", err)
	}
}

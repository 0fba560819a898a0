// 包 application 发票融资的用例层：命令、查询与后台任务
package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wyfcoding/invoicefinance/internal/financing/domain"
	"github.com/wyfcoding/invoicefinance/pkg/idgen"
	"github.com/wyfcoding/invoicefinance/pkg/logger"
	"github.com/wyfcoding/invoicefinance/pkg/metrics"
)

// BootstrapPrincipal 启动引导授予角色时记录的授予方
const BootstrapPrincipal = "system:bootstrap"

// FinancingService 账本的唯一写入者。所有写操作在写锁内串行执行，
// 先在事务视图上校验并持久化，成功后才合并到内存状态；查询持读锁
type FinancingService struct {
	mu    sync.RWMutex
	state *domain.State
	store domain.StateStore

	// projMu 串行化读模型与指标更新，projected 记录每个键已投影的版本
	projMu    sync.Mutex
	projected map[string]int64

	projector domain.Projector
	verifier  domain.Verifier
	metrics   *metrics.Metrics
	now       func() time.Time
	newID     func() string
}

// Option 可选依赖
type Option func(*FinancingService)

// WithVerifier 设置单据核验服务
func WithVerifier(v domain.Verifier) Option {
	return func(s *FinancingService) { s.verifier = v }
}

// WithProjector 设置读模型投影
func WithProjector(p domain.Projector) Option {
	return func(s *FinancingService) { s.projector = p }
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *FinancingService) { s.metrics = m }
}

// WithClock 设置时钟
func WithClock(now func() time.Time) Option {
	return func(s *FinancingService) { s.now = now }
}

// WithIDGenerator 设置发票 ID 生成器
func WithIDGenerator(fn func() string) Option {
	return func(s *FinancingService) { s.newID = fn }
}

// NewFinancingService 从 store 加载快照并恢复状态
func NewFinancingService(ctx context.Context, store domain.StateStore, params domain.Params, opts ...Option) (*FinancingService, error) {
	snap, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ledger state: %w", err)
	}
	state, err := domain.Restore(params, snap)
	if err != nil {
		return nil, err
	}

	s := &FinancingService{
		state:     state,
		store:     store,
		projected: make(map[string]int64),
		now:       time.Now,
		newID:     func() string { return idgen.GenIDString("INV") },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Bootstrap 建立资金池并写入外部配置的角色，可重复执行
func (s *FinancingService) Bootstrap(ctx context.Context, admins []string, grants []RoleGrantCommand) error {
	return s.execute(ctx, "bootstrap", func(tx *domain.Tx) error {
		tx.EnsureVaults()
		for _, a := range admins {
			if err := tx.ProvisionRole(BootstrapPrincipal, a, domain.RoleAdmin); err != nil {
				return err
			}
		}
		for _, g := range grants {
			role, err := domain.ParseRole(g.Role)
			if err != nil {
				return err
			}
			if err := tx.ProvisionRole(BootstrapPrincipal, g.Principal, role); err != nil {
				return err
			}
		}
		return nil
	})
}

// execute 在写锁内执行 fn；失败或持久化失败时内存状态保持不变
func (s *FinancingService) execute(ctx context.Context, op string, fn func(tx *domain.Tx) error) error {
	changes, err := s.apply(ctx, op, fn)
	s.metrics.RecordOperation(op, domain.Code(err))
	if err != nil {
		return err
	}
	s.afterCommit(ctx, changes)
	return nil
}

func (s *FinancingService) apply(ctx context.Context, op string, fn func(tx *domain.Tx) error) (domain.ChangeSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := s.state.Begin(s.now())
	if err := fn(tx); err != nil {
		return domain.ChangeSet{}, err
	}
	if err := tx.Validate(); err != nil {
		logger.Error(ctx, "ledger invariant violated", "operation", op, "error", err)
		return domain.ChangeSet{}, fmt.Errorf("%s: %w", op, err)
	}
	changes := tx.Changes()
	if !changes.Empty() {
		done := logger.LogDuration(ctx, "ledger changes persisted", "operation", op)
		err := s.store.Commit(ctx, changes)
		done()
		if err != nil {
			logger.Error(ctx, "failed to persist ledger changes", "operation", op, "error", err)
			return domain.ChangeSet{}, fmt.Errorf("%s: persist: %w", op, err)
		}
	}
	s.state.Commit(tx)
	return changes, nil
}

// afterCommit 锁外更新读模型与指标。提交可能乱序到达这里，
// 版本不高于已投影版本的快照直接丢弃
func (s *FinancingService) afterCommit(ctx context.Context, changes domain.ChangeSet) {
	s.projMu.Lock()
	defer s.projMu.Unlock()

	vaults := make([]*domain.Vault, 0, len(changes.Vaults))
	for _, v := range changes.Vaults {
		if s.advance("vault:"+string(v.Tier), v.Version) {
			vaults = append(vaults, v)
			s.metrics.SetVault(string(v.Tier), v.TotalAssets, v.OutstandingFunded, v.TotalShares)
		}
	}
	if s.projector == nil {
		return
	}
	invoices := make([]*domain.Invoice, 0, len(changes.Invoices))
	for _, inv := range changes.Invoices {
		if s.advance("invoice:"+inv.ID, inv.Version) {
			invoices = append(invoices, inv)
		}
	}
	if len(invoices) > 0 {
		if err := s.projector.ProjectInvoices(ctx, invoices); err != nil {
			logger.Warn(ctx, "failed to project invoices", "error", err)
		}
	}
	if len(vaults) > 0 {
		if err := s.projector.ProjectVaults(ctx, vaults); err != nil {
			logger.Warn(ctx, "failed to project vaults", "error", err)
		}
	}
}

// advance 版本更新时记录并返回 true
func (s *FinancingService) advance(key string, version int64) bool {
	if version <= s.projected[key] {
		return false
	}
	s.projected[key] = version
	return true
}

// logFailure 记录非预期错误；业务拒绝只计指标
func (s *FinancingService) logFailure(ctx context.Context, op string, err error, args ...any) {
	if err == nil {
		return
	}
	args = append(args, "operation", op, "code", domain.Code(err), "error", err)
	if domain.Code(err) == domain.CodeInternal || errors.Is(err, domain.ErrVerificationUnavailable) {
		logger.Error(ctx, "financing operation failed", args...)
		return
	}
	logger.Debug(ctx, "financing operation rejected", args...)
}

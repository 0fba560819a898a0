// Package mysql 基于 gorm 的账本存储，支持 mysql、postgres 与 sqlite
package mysql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wyfcoding/invoicefinance/internal/financing/domain"
	"github.com/wyfcoding/invoicefinance/pkg/db"
	"github.com/wyfcoding/invoicefinance/pkg/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const ledgerMetaID = 1

// AutoMigrate 建表
func AutoMigrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&InvoicePO{},
		&VaultPO{},
		&PositionPO{},
		&RolePO{},
		&AccountPO{},
		&PostingPO{},
		&LedgerMetaPO{},
		&OutboxMessagePO{},
	)
}

// EventEnvelope outbox 中的事件消息体
type EventEnvelope struct {
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type"`
	AggregateID string          `json:"aggregate_id"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Data        json.RawMessage `json:"data"`
}

// StateStore 账本存储。每次 Commit 在一个数据库事务内写入全部变更与 outbox 事件
type StateStore struct {
	db    *gorm.DB
	topic string
}

// NewStateStore 创建存储，events 写入 topic 对应的 outbox
func NewStateStore(gdb *gorm.DB, topic string) *StateStore {
	return &StateStore{db: gdb, topic: topic}
}

// Load 读取完整快照
func (s *StateStore) Load(ctx context.Context) (*domain.Snapshot, error) {
	gdb := s.db.WithContext(ctx)
	snap := &domain.Snapshot{}

	var roles []RolePO
	if err := gdb.Order("principal, role").Find(&roles).Error; err != nil {
		return nil, fmt.Errorf("load roles: %w", err)
	}
	for _, r := range roles {
		snap.Roles = append(snap.Roles, &domain.RoleAssignment{
			Principal: r.Principal,
			Role:      domain.Role(r.Role),
			GrantedBy: r.GrantedBy,
			GrantedAt: r.GrantedAt.UTC(),
		})
	}

	var invoices []InvoicePO
	if err := gdb.Order("created_at, invoice_id").Find(&invoices).Error; err != nil {
		return nil, fmt.Errorf("load invoices: %w", err)
	}
	for i := range invoices {
		inv, err := invoices[i].ToDomain()
		if err != nil {
			return nil, fmt.Errorf("decode invoice %s: %w", invoices[i].InvoiceID, err)
		}
		snap.Invoices = append(snap.Invoices, inv)
	}

	var vaults []VaultPO
	if err := gdb.Find(&vaults).Error; err != nil {
		return nil, fmt.Errorf("load vaults: %w", err)
	}
	for i := range vaults {
		v, err := vaults[i].ToDomain()
		if err != nil {
			return nil, fmt.Errorf("decode vault %s: %w", vaults[i].Tier, err)
		}
		snap.Vaults = append(snap.Vaults, v)
	}

	var positions []PositionPO
	if err := gdb.Find(&positions).Error; err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	for _, p := range positions {
		snap.Positions = append(snap.Positions, &domain.Position{
			Tier:      domain.Tier(p.Tier),
			Depositor: p.Depositor,
			Shares:    p.Shares,
			UpdatedAt: p.UpdatedAt.UTC(),
		})
	}

	var accounts []AccountPO
	if err := gdb.Find(&accounts).Error; err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	for _, a := range accounts {
		snap.Accounts = append(snap.Accounts, &domain.Account{ID: a.AccountID, Balance: a.Balance, UpdatedAt: a.UpdatedAt.UTC()})
	}

	var meta LedgerMetaPO
	err := gdb.Where("id = ?", ledgerMetaID).Take(&meta).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		return nil, fmt.Errorf("load ledger meta: %w", err)
	default:
		snap.Supply = meta.Supply
		snap.LastPostingSeq = meta.LastPostingSeq
	}
	return snap, nil
}

// Commit 原子写入一次变更
func (s *StateStore) Commit(ctx context.Context, c domain.ChangeSet) error {
	outbox, err := s.outboxMessages(c.Events)
	if err != nil {
		return err
	}

	return db.WithTx(ctx, s.db, func(tx *gorm.DB) error {
		if len(c.Roles) > 0 {
			rows := make([]RolePO, 0, len(c.Roles))
			for _, r := range c.Roles {
				rows = append(rows, RolePO{Principal: r.Principal, Role: string(r.Role), GrantedBy: r.GrantedBy, GrantedAt: r.GrantedAt})
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "principal"}, {Name: "role"}},
				UpdateAll: true,
			}).Create(&rows).Error; err != nil {
				return fmt.Errorf("save roles: %w", err)
			}
		}
		for _, k := range c.RevokedRoles {
			if err := tx.Where("principal = ? AND role = ?", k.Principal, string(k.Role)).Delete(&RolePO{}).Error; err != nil {
				return fmt.Errorf("revoke role: %w", err)
			}
		}

		if len(c.Invoices) > 0 {
			rows := make([]*InvoicePO, 0, len(c.Invoices))
			for _, inv := range c.Invoices {
				rows = append(rows, invoiceFromDomain(inv))
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "invoice_id"}},
				UpdateAll: true,
			}).Create(&rows).Error; err != nil {
				return fmt.Errorf("save invoices: %w", err)
			}
		}

		if len(c.Vaults) > 0 {
			rows := make([]*VaultPO, 0, len(c.Vaults))
			for _, v := range c.Vaults {
				rows = append(rows, vaultFromDomain(v))
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "tier"}},
				UpdateAll: true,
			}).Create(&rows).Error; err != nil {
				return fmt.Errorf("save vaults: %w", err)
			}
		}

		if len(c.Positions) > 0 {
			rows := make([]PositionPO, 0, len(c.Positions))
			for _, p := range c.Positions {
				rows = append(rows, PositionPO{Tier: string(p.Tier), Depositor: p.Depositor, Shares: p.Shares, UpdatedAt: p.UpdatedAt})
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "tier"}, {Name: "depositor"}},
				UpdateAll: true,
			}).Create(&rows).Error; err != nil {
				return fmt.Errorf("save positions: %w", err)
			}
		}
		for _, k := range c.ClosedPositions {
			if err := tx.Where("tier = ? AND depositor = ?", string(k.Tier), k.Depositor).Delete(&PositionPO{}).Error; err != nil {
				return fmt.Errorf("close position: %w", err)
			}
		}

		if len(c.Accounts) > 0 {
			rows := make([]AccountPO, 0, len(c.Accounts))
			for _, a := range c.Accounts {
				rows = append(rows, AccountPO{AccountID: a.ID, Balance: a.Balance, UpdatedAt: a.UpdatedAt})
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "account_id"}},
				UpdateAll: true,
			}).Create(&rows).Error; err != nil {
				return fmt.Errorf("save accounts: %w", err)
			}
		}

		if len(c.Postings) > 0 {
			rows := make([]PostingPO, 0, len(c.Postings))
			for _, p := range c.Postings {
				rows = append(rows, PostingPO{
					Seq:         p.Seq,
					Kind:        string(p.Kind),
					FromAccount: p.From,
					ToAccount:   p.To,
					Amount:      p.Amount,
					Reference:   p.Reference,
					CreatedAt:   p.CreatedAt,
				})
			}
			if err := tx.Create(&rows).Error; err != nil {
				return fmt.Errorf("append postings: %w", err)
			}
		}

		meta := LedgerMetaPO{ID: ledgerMetaID, Supply: c.Supply, LastPostingSeq: c.LastPostingSeq, UpdatedAt: time.Now().UTC()}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).Create(&meta).Error; err != nil {
			return fmt.Errorf("save ledger meta: %w", err)
		}

		if len(outbox) > 0 {
			if err := tx.Create(&outbox).Error; err != nil {
				return fmt.Errorf("append outbox: %w", err)
			}
		}
		return nil
	})
}

func (s *StateStore) outboxMessages(events []domain.Event) ([]OutboxMessagePO, error) {
	rows := make([]OutboxMessagePO, 0, len(events))
	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", e.EventType(), err)
		}
		env := EventEnvelope{
			EventID:     uuid.NewString(),
			EventType:   e.EventType(),
			AggregateID: e.AggregateID(),
			OccurredAt:  e.OccurredAt(),
			Data:        data,
		}
		payload, err := json.Marshal(env)
		if err != nil {
			return nil, err
		}
		rows = append(rows, OutboxMessagePO{
			MessageID:  env.EventID,
			Topic:      s.topic,
			MessageKey: env.AggregateID,
			EventType:  env.EventType,
			Payload:    string(payload),
			Status:     OutboxStatusPending,
			CreatedAt:  e.OccurredAt(),
		})
	}
	return rows, nil
}

// OutboxMessage 待投递消息
type OutboxMessage struct {
	ID      int64
	Topic   string
	Key     string
	Payload []byte
}

// OutboxRepository outbox 读写
type OutboxRepository struct {
	db *gorm.DB
}

// NewOutboxRepository 创建 outbox 仓储
func NewOutboxRepository(gdb *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: gdb}
}

// FetchPending 按写入顺序取出最多 limit 条待投递消息
func (r *OutboxRepository) FetchPending(ctx context.Context, limit int) ([]OutboxMessage, error) {
	var rows []OutboxMessagePO
	if err := r.db.WithContext(ctx).
		Where("status = ?", OutboxStatusPending).
		Order("id").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("fetch outbox: %w", err)
	}
	out := make([]OutboxMessage, 0, len(rows))
	for _, row := range rows {
		out = append(out, OutboxMessage{ID: row.ID, Topic: row.Topic, Key: row.MessageKey, Payload: []byte(row.Payload)})
	}
	return out, nil
}

// MarkSent 标记已投递
func (r *OutboxRepository) MarkSent(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().UTC()
	err := r.db.WithContext(ctx).Model(&OutboxMessagePO{}).
		Where("id IN ?", ids).
		Updates(map[string]any{"status": OutboxStatusSent, "sent_at": now}).Error
	if err != nil {
		logger.Error(ctx, "outbox mark sent failed", "count", len(ids), "error", err)
		return fmt.Errorf("mark outbox sent: %w", err)
	}
	return nil
}

// PendingCount 待投递数量
func (r *OutboxRepository) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&OutboxMessagePO{}).Where("status = ?", OutboxStatusPending).Count(&n).Error
	return n, err
}

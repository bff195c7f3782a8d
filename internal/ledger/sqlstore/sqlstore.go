// Package sqlstore 基于 gorm 的账户存储。
//
// 一个工作单元对应一个数据库事务：开始时按 PAN 升序 SELECT ... FOR UPDATE 锁定声明的账户行，
// 语句直接在事务内执行，回调返回错误时整个事务回滚。
package sqlstore

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"cardledger/internal/ledger"
	"cardledger/internal/model"
	"cardledger/internal/repository"

	"gorm.io/gorm"
)

// Store gorm 存储，生产环境使用 MySQL
type Store struct {
	db         *gorm.DB
	accounts   *repository.AccountRepository
	activities *repository.ActivityRepository
	outbox     *repository.OutboxRepository
	closed     atomic.Bool

	now func() time.Time
}

var _ ledger.Store = (*Store)(nil)

// New 表结构需已迁移
func New(db *gorm.DB) *Store {
	return &Store{
		db:         db,
		accounts:   repository.NewAccountRepository(db),
		activities: repository.NewActivityRepository(db),
		outbox:     repository.NewOutboxRepository(db),
		now:        func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

func (s *Store) Run(ctx context.Context, keys []string, fn func(tx ledger.Tx) error) error {
	if s.closed.Load() {
		return ledger.ErrClosed
	}
	keys = ledger.UniqueKeys(keys)

	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		if len(keys) > 0 {
			if _, err := s.accounts.LockForUpdate(ctx, db, keys); err != nil {
				return fmt.Errorf("锁定账户失败: %w", err)
			}
		}
		return fn(s.newTx(db, keys))
	})
}

// Close 不关闭底层连接，连接由创建方管理
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

type tx struct {
	store    *Store
	db       *gorm.DB
	declared map[string]struct{}
	queue    []ledger.Statement
	ts       time.Time
}

func (s *Store) newTx(db *gorm.DB, keys []string) *tx {
	declared := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		declared[k] = struct{}{}
	}
	return &tx{store: s, db: db, declared: declared, ts: s.now()}
}

func (t *tx) Queue(stmts ...ledger.Statement) {
	t.queue = append(t.queue, stmts...)
}

func (t *tx) Timestamp() time.Time {
	return t.ts
}

func (t *tx) Execute(ctx context.Context, _ bool) ([]ledger.Result, error) {
	queued := t.queue
	t.queue = nil

	results := make([]ledger.Result, 0, len(queued))
	for _, stmt := range queued {
		if key := stmt.Key(); key != "" {
			if _, ok := t.declared[key]; !ok {
				return nil, fmt.Errorf("%w: %q", ledger.ErrKeyNotDeclared, key)
			}
		}
		res, err := t.exec(ctx, stmt)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (t *tx) exec(ctx context.Context, stmt ledger.Statement) (ledger.Result, error) {
	s := t.store
	switch st := stmt.(type) {
	case ledger.SelectAccount:
		acct, err := s.accounts.Find(ctx, t.db, st.PAN)
		if err != nil || acct == nil {
			return ledger.Result{}, err
		}
		return ledger.Result{Accounts: []model.CardAccount{*acct}}, nil

	case ledger.SelectActivity:
		rows, err := s.activities.ListByPAN(ctx, t.db, st.PAN)
		if err != nil {
			return ledger.Result{}, err
		}
		return ledger.Result{Activities: rows}, nil

	case ledger.InsertAccount:
		existing, err := s.accounts.Find(ctx, t.db, st.Account.PAN)
		if err != nil {
			return ledger.Result{}, err
		}
		if existing != nil {
			return ledger.Result{}, fmt.Errorf("%w: %s", ledger.ErrDuplicateAccount, st.Account.PAN)
		}
		acct := st.Account
		if err := s.accounts.Create(ctx, t.db, &acct); err != nil {
			return ledger.Result{}, err
		}
		return ledger.Result{RowsAffected: 1}, nil

	case ledger.UpdateAccount:
		n, err := s.accounts.ApplyDelta(ctx, t.db, st.PAN, st.BalanceDelta, st.AvailableDelta, st.LastActivity)
		if err != nil {
			return ledger.Result{}, err
		}
		return ledger.Result{RowsAffected: n}, nil

	case ledger.InsertActivity:
		activity := st.Activity
		if err := s.activities.Create(ctx, t.db, &activity); err != nil {
			return ledger.Result{}, err
		}
		return ledger.Result{RowsAffected: 1}, nil

	case ledger.InsertOutbox:
		msg := st.Message
		if err := s.outbox.Create(ctx, t.db, &msg); err != nil {
			return ledger.Result{}, err
		}
		return ledger.Result{RowsAffected: 1}, nil
	}
	return ledger.Result{}, fmt.Errorf("ledger: unsupported statement %T", stmt)
}

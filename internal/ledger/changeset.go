package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"cardledger/internal/model"
)

// Loader 读取已提交的数据，由具体存储实现
type Loader interface {
	LoadAccount(ctx context.Context, pan string) (model.CardAccount, bool, error)
	LoadActivity(ctx context.Context, pan string) ([]model.CardActivity, error)
}

type stagedAccount struct {
	account model.CardAccount
	exists  bool
	dirty   bool
}

// Changeset 工作单元内的暂存区
//
// 语句按顺序作用在暂存区上，读语句能看到同一单元内先前语句的写入。
// 提交前暂存区对其它工作单元不可见；丢弃暂存区即回滚。
type Changeset struct {
	loader     Loader
	declared   map[string]struct{}
	accounts   map[string]*stagedAccount
	activities []model.CardActivity
	outbox     []model.OutboxMessage
}

func NewChangeset(loader Loader, keys []string) *Changeset {
	declared := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		declared[k] = struct{}{}
	}
	return &Changeset{
		loader:   loader,
		declared: declared,
		accounts: make(map[string]*stagedAccount, len(keys)),
	}
}

func (c *Changeset) account(ctx context.Context, pan string) (*stagedAccount, error) {
	if st, ok := c.accounts[pan]; ok {
		return st, nil
	}
	acct, ok, err := c.loader.LoadAccount(ctx, pan)
	if err != nil {
		return nil, err
	}
	st := &stagedAccount{account: acct, exists: ok}
	c.accounts[pan] = st
	return st, nil
}

// Apply 执行一条语句
func (c *Changeset) Apply(ctx context.Context, stmt Statement) (Result, error) {
	if key := stmt.Key(); key != "" {
		if _, ok := c.declared[key]; !ok {
			return Result{}, fmt.Errorf("%w: %q", ErrKeyNotDeclared, key)
		}
	}

	switch s := stmt.(type) {
	case SelectAccount:
		st, err := c.account(ctx, s.PAN)
		if err != nil {
			return Result{}, err
		}
		if !st.exists {
			return Result{}, nil
		}
		return Result{Accounts: []model.CardAccount{st.account}}, nil

	case SelectActivity:
		committed, err := c.loader.LoadActivity(ctx, s.PAN)
		if err != nil {
			return Result{}, err
		}
		rows := append([]model.CardActivity(nil), committed...)
		for _, a := range c.activities {
			if a.PAN == s.PAN {
				rows = append(rows, a)
			}
		}
		return Result{Activities: rows}, nil

	case InsertAccount:
		st, err := c.account(ctx, s.Account.PAN)
		if err != nil {
			return Result{}, err
		}
		if st.exists {
			return Result{}, fmt.Errorf("%w: %s", ErrDuplicateAccount, s.Account.PAN)
		}
		st.account = s.Account
		st.exists = true
		st.dirty = true
		return Result{RowsAffected: 1}, nil

	case UpdateAccount:
		st, err := c.account(ctx, s.PAN)
		if err != nil {
			return Result{}, err
		}
		if !st.exists {
			return Result{}, nil
		}
		st.account.Balance = st.account.Balance.Add(s.BalanceDelta)
		st.account.AvailableBalance = st.account.AvailableBalance.Add(s.AvailableDelta)
		st.account.LastActivity = s.LastActivity
		st.dirty = true
		return Result{RowsAffected: 1}, nil

	case InsertActivity:
		c.activities = append(c.activities, s.Activity)
		return Result{RowsAffected: 1}, nil

	case InsertOutbox:
		c.outbox = append(c.outbox, s.Message)
		return Result{RowsAffected: 1}, nil
	}

	return Result{}, fmt.Errorf("ledger: unsupported statement %T", stmt)
}

// DirtyAccounts 被修改或新建的账户，按 PAN 排序
func (c *Changeset) DirtyAccounts() []model.CardAccount {
	out := make([]model.CardAccount, 0, len(c.accounts))
	for _, st := range c.accounts {
		if st.dirty {
			out = append(out, st.account)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PAN < out[j].PAN })
	return out
}

func (c *Changeset) Activities() []model.CardActivity {
	return c.activities
}

func (c *Changeset) Outbox() []model.OutboxMessage {
	return c.outbox
}

// StagedTx 基于 Changeset 的 Tx 实现，内存存储与 Redis 存储共用
type StagedTx struct {
	changes *Changeset
	queue   []Statement
	ts      time.Time
}

func NewStagedTx(changes *Changeset, ts time.Time) *StagedTx {
	return &StagedTx{changes: changes, ts: ts}
}

func (t *StagedTx) Queue(stmts ...Statement) {
	t.queue = append(t.queue, stmts...)
}

func (t *StagedTx) Execute(ctx context.Context, _ bool) ([]Result, error) {
	queued := t.queue
	t.queue = nil

	results := make([]Result, 0, len(queued))
	for _, stmt := range queued {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := t.changes.Apply(ctx, stmt)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (t *StagedTx) Timestamp() time.Time {
	return t.ts
}

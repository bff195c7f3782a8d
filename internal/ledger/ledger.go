// Package ledger 定义账户存储的批处理契约。
//
// 一个 Store 按 PAN 分区保存卡账户与流水。调用方在 Run 中声明本次要访问的 key，
// 通过 Tx 排队语句、执行批次；Run 的回调返回错误时，批次内所有写入被整体丢弃，
// 返回 nil 时整体提交。存储层负责分区串行化和跨分区原子提交，调用方不持有任何跨调用的锁。
package ledger

import (
	"context"
	"errors"
	"time"

	"cardledger/internal/model"

	"github.com/shopspring/decimal"
)

var (
	// ErrKeyNotDeclared 语句访问了 Run 未声明的 key，属于调用方编程错误
	ErrKeyNotDeclared = errors.New("ledger: statement touches undeclared key")
	// ErrDuplicateAccount 重复插入同一 PAN
	ErrDuplicateAccount = errors.New("ledger: account already exists")
	// ErrConflict 乐观并发重试耗尽
	ErrConflict = errors.New("ledger: concurrent modification, retries exhausted")
	// ErrClosed 存储已关闭
	ErrClosed = errors.New("ledger: store closed")
)

// Statement 可排队的语句
type Statement interface {
	// Key 返回语句访问的分区 key（PAN），outbox 语句返回空串
	Key() string
}

// SelectAccount 按 PAN 点查，返回 0 或 1 行
type SelectAccount struct {
	PAN string
}

// SelectActivity 查询某个 PAN 的全部流水，按写入顺序
type SelectActivity struct {
	PAN string
}

// InsertAccount 开卡
type InsertAccount struct {
	Account model.CardAccount
}

// UpdateAccount 调整余额：balance += BalanceDelta, available_balance += AvailableDelta
type UpdateAccount struct {
	PAN            string
	BalanceDelta   decimal.Decimal
	AvailableDelta decimal.Decimal
	LastActivity   time.Time
}

// InsertActivity 追加一条流水
type InsertActivity struct {
	Activity model.CardActivity
}

// InsertOutbox 写入一条事务消息
type InsertOutbox struct {
	Message model.OutboxMessage
}

func (s SelectAccount) Key() string  { return s.PAN }
func (s SelectActivity) Key() string { return s.PAN }
func (s InsertAccount) Key() string  { return s.Account.PAN }
func (s UpdateAccount) Key() string  { return s.PAN }
func (s InsertActivity) Key() string { return s.Activity.PAN }
func (s InsertOutbox) Key() string   { return "" }

// Result 单条语句的执行结果，与排队顺序一一对应
type Result struct {
	Accounts     []model.CardAccount
	Activities   []model.CardActivity
	RowsAffected int64
}

// Account 点查结果，没有行时返回 false
func (r Result) Account() (model.CardAccount, bool) {
	if len(r.Accounts) == 0 {
		return model.CardAccount{}, false
	}
	return r.Accounts[0], true
}

// Tx 一个工作单元内的语句队列
type Tx interface {
	// Queue 排队语句，不会立即执行
	Queue(stmts ...Statement)
	// Execute 按顺序执行已排队的语句并清空队列。
	// final 表示这是本工作单元的最后一个批次。
	Execute(ctx context.Context, final bool) ([]Result, error)
	// Timestamp 本工作单元的逻辑交易时间，同一单元内所有语句共用
	Timestamp() time.Time
}

// Store 分区账户存储
type Store interface {
	// Run 在覆盖 keys 所在分区的工作单元中执行 fn。
	// fn 返回错误则丢弃全部写入并原样返回该错误；否则原子提交。
	Run(ctx context.Context, keys []string, fn func(tx Tx) error) error
	Close() error
}

// Package redisstore Redis 账户存储。
//
// 账户保存为 hash card_account:{pan}，流水保存为 list card_activity:{pan}，
// outbox 消息追加到 list card_outbox。工作单元 WATCH 声明的 key，
// 写入暂存在 Changeset 中，回调成功后用 MULTI/EXEC 一次提交；
// 提交时发现 key 被并发修改则整单重做，重试次数用完返回 ledger.ErrConflict。
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"cardledger/internal/ledger"
	"cardledger/internal/model"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	accountPrefix  = "card_account:"
	activityPrefix = "card_activity:"
	OutboxKey      = "card_outbox"

	DefaultMaxRetries = 16
)

// hash 字段
const (
	fieldAvailable        = "available"
	fieldStatus           = "status"
	fieldBalance          = "balance"
	fieldAvailableBalance = "available_balance"
	fieldCurrency         = "currency"
	fieldLastActivity     = "last_activity"
)

func AccountKey(pan string) string  { return accountPrefix + pan }
func ActivityKey(pan string) string { return activityPrefix + pan }

type Store struct {
	client     *redis.Client
	maxRetries int
	logger     *zap.Logger
	closed     atomic.Bool

	now func() time.Time
}

var _ ledger.Store = (*Store)(nil)

type Option func(*Store)

func WithMaxRetries(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{
		client:     client,
		maxRetries: DefaultMaxRetries,
		logger:     zap.NewNop(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// callbackError 区分回调自身的错误和 Redis 的错误
type callbackError struct {
	err error
}

func (e *callbackError) Error() string { return e.err.Error() }

func (s *Store) Run(ctx context.Context, keys []string, fn func(tx ledger.Tx) error) error {
	if s.closed.Load() {
		return ledger.ErrClosed
	}
	keys = ledger.UniqueKeys(keys)

	watched := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		watched = append(watched, AccountKey(k), ActivityKey(k))
	}

	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
			changes := ledger.NewChangeset(loader{rtx}, keys)
			if err := fn(ledger.NewStagedTx(changes, s.now())); err != nil {
				return &callbackError{err: err}
			}
			_, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				return s.commit(ctx, pipe, changes)
			})
			return err
		}, watched...)

		if err == nil {
			return nil
		}
		var ce *callbackError
		if errors.As(err, &ce) {
			return ce.err
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		s.logger.Debug("提交冲突，重试工作单元", zap.Strings("keys", keys), zap.Int("attempt", attempt))
	}
	return fmt.Errorf("%w: keys %v", ledger.ErrConflict, keys)
}

func (s *Store) commit(ctx context.Context, pipe redis.Pipeliner, changes *ledger.Changeset) error {
	for _, acct := range changes.DirtyAccounts() {
		pipe.HSet(ctx, AccountKey(acct.PAN), encodeAccount(acct))
	}
	for _, a := range changes.Activities() {
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("序列化流水失败: %w", err)
		}
		pipe.RPush(ctx, ActivityKey(a.PAN), data)
	}
	for _, m := range changes.Outbox() {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("序列化消息失败: %w", err)
		}
		pipe.RPush(ctx, OutboxKey, data)
	}
	return nil
}

// Outbox 已提交的事务消息
func (s *Store) Outbox(ctx context.Context) ([]model.OutboxMessage, error) {
	raw, err := s.client.LRange(ctx, OutboxKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	msgs := make([]model.OutboxMessage, 0, len(raw))
	for _, r := range raw {
		var m model.OutboxMessage
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			return nil, fmt.Errorf("解析消息失败: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// Close 不关闭客户端，客户端由创建方管理
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

func encodeAccount(a model.CardAccount) map[string]interface{} {
	return map[string]interface{}{
		fieldAvailable:        a.Available,
		fieldStatus:           a.Status,
		fieldBalance:          a.Balance.String(),
		fieldAvailableBalance: a.AvailableBalance.String(),
		fieldCurrency:         a.Currency,
		fieldLastActivity:     a.LastActivity.UTC().Format(time.RFC3339Nano),
	}
}

func decodeAccount(pan string, h map[string]string) (model.CardAccount, error) {
	acct := model.CardAccount{
		PAN:      pan,
		Status:   h[fieldStatus],
		Currency: h[fieldCurrency],
	}
	var err error
	if acct.Available, err = strconv.Atoi(h[fieldAvailable]); err != nil {
		return acct, fmt.Errorf("账户 %s 字段 available 损坏: %w", pan, err)
	}
	if acct.Balance, err = decimal.NewFromString(h[fieldBalance]); err != nil {
		return acct, fmt.Errorf("账户 %s 字段 balance 损坏: %w", pan, err)
	}
	if acct.AvailableBalance, err = decimal.NewFromString(h[fieldAvailableBalance]); err != nil {
		return acct, fmt.Errorf("账户 %s 字段 available_balance 损坏: %w", pan, err)
	}
	if acct.LastActivity, err = time.Parse(time.RFC3339Nano, h[fieldLastActivity]); err != nil {
		return acct, fmt.Errorf("账户 %s 字段 last_activity 损坏: %w", pan, err)
	}
	return acct, nil
}

// loader 在 WATCH 之后读取，读到的值若在提交前被改动，EXEC 会失败
type loader struct {
	rtx *redis.Tx
}

func (l loader) LoadAccount(ctx context.Context, pan string) (model.CardAccount, bool, error) {
	h, err := l.rtx.HGetAll(ctx, AccountKey(pan)).Result()
	if err != nil {
		return model.CardAccount{}, false, err
	}
	if len(h) == 0 {
		return model.CardAccount{}, false, nil
	}
	acct, err := decodeAccount(pan, h)
	if err != nil {
		return model.CardAccount{}, false, err
	}
	return acct, true, nil
}

func (l loader) LoadActivity(ctx context.Context, pan string) ([]model.CardActivity, error) {
	raw, err := l.rtx.LRange(ctx, ActivityKey(pan), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	rows := make([]model.CardActivity, 0, len(raw))
	for _, r := range raw {
		var a model.CardActivity
		if err := json.Unmarshal([]byte(r), &a); err != nil {
			return nil, fmt.Errorf("解析流水失败: %w", err)
		}
		rows = append(rows, a)
	}
	return rows, nil
}

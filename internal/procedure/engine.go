// Package procedure 卡账户交易引擎。
//
// 每个过程在一个 ledger 工作单元内完成：读、写语句一起排队、一次执行，
// 校验失败返回 *AbortError，由存储层整体丢弃本单元已执行的写入。
package procedure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cardledger/internal/ledger"
	"cardledger/internal/model"
	"cardledger/pkg/idgen"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var ErrAccountNotFound = errors.New("procedure: account not found")

// Engine 交易引擎，本身无状态，不持有跨调用的锁
type Engine struct {
	store      ledger.Store
	logger     *zap.Logger
	eventTopic string
}

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithTransferEvents 转账成功时在同一批次写入 outbox 消息，topic 为空则不写
func WithTransferEvents(topic string) Option {
	return func(e *Engine) { e.eventTopic = topic }
}

func NewEngine(store ledger.Store, opts ...Option) *Engine {
	e := &Engine{store: store, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Transfer 从 fromPAN 向 toPAN 转账
//
// 两次点查和四条写语句放在同一个批次里：先假设校验能通过，
// 省掉读、写之间到两个分区的一次往返。执行完再校验，不通过则返回
// AbortError，存储层回滚整批，不会出现只扣款或只入账的中间状态。
func (e *Engine) Transfer(ctx context.Context, fromPAN, toPAN string, amount decimal.Decimal, currency string) error {
	if !amount.IsPositive() {
		return abort(CodeInvalidAmount, fromPAN, ReasonInvalidAmount)
	}

	err := e.store.Run(ctx, []string{fromPAN, toPAN}, func(tx ledger.Tx) error {
		ts := tx.Timestamp()

		tx.Queue(
			ledger.SelectAccount{PAN: fromPAN},
			ledger.SelectAccount{PAN: toPAN},
			ledger.UpdateAccount{PAN: fromPAN, BalanceDelta: amount.Neg(), AvailableDelta: amount.Neg(), LastActivity: ts},
			ledger.UpdateAccount{PAN: toPAN, BalanceDelta: amount, AvailableDelta: amount, LastActivity: ts},
			ledger.InsertActivity{Activity: model.CardActivity{
				PAN: fromPAN, At: ts, TxType: model.ActivityTypeTransfer, DebitCredit: model.Debit, Amount: amount.Neg(),
			}},
			ledger.InsertActivity{Activity: model.CardActivity{
				PAN: toPAN, At: ts, TxType: model.ActivityTypeTransfer, DebitCredit: model.Credit, Amount: amount,
			}},
		)
		if e.eventTopic != "" {
			msg, err := e.transferEvent(fromPAN, toPAN, amount, currency, tx)
			if err != nil {
				return err
			}
			tx.Queue(ledger.InsertOutbox{Message: msg})
		}

		results, err := tx.Execute(ctx, true)
		if err != nil {
			return err
		}

		from, ok := results[0].Account()
		if !ok {
			return abort(CodeSourceNotFound, fromPAN, ReasonSourceNotFound)
		}
		to, ok := results[1].Account()
		if !ok {
			return abort(CodeDestinationNotFound, toPAN, ReasonDestinationNotFound)
		}
		if !from.IsAvailable() {
			return abort(CodeSourceUnavailable, fromPAN, ReasonSourceUnavailable)
		}
		if !to.IsAvailable() {
			return abort(CodeDestinationUnavailable, toPAN, ReasonDestinationUnavailable)
		}
		if from.Balance.LessThan(amount) {
			return abort(CodeInsufficientFunds, fromPAN, ReasonInsufficientFunds)
		}
		return nil
	})
	if err != nil {
		e.logRejected("Transfer", err, zap.String("from", fromPAN), zap.String("to", toPAN), zap.Stringer("amount", amount))
		return err
	}
	return nil
}

func (e *Engine) transferEvent(fromPAN, toPAN string, amount decimal.Decimal, currency string, tx ledger.Tx) (model.OutboxMessage, error) {
	event := model.TransferEvent{
		TransferNo: idgen.GenerateTransferNo(),
		FromPAN:    fromPAN,
		ToPAN:      toPAN,
		Amount:     amount.String(),
		Currency:   currency,
		At:         tx.Timestamp(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return model.OutboxMessage{}, fmt.Errorf("序列化转账事件失败: %w", err)
	}
	return model.OutboxMessage{
		MessageKey: event.TransferNo,
		Topic:      e.eventTopic,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	}, nil
}

// Authorize 授权：冻结可用余额
func (e *Engine) Authorize(ctx context.Context, pan string, amount decimal.Decimal, currency string) error {
	if !amount.IsPositive() {
		return abort(CodeInvalidAmount, pan, ReasonInvalidAmount)
	}

	err := e.store.Run(ctx, []string{pan}, func(tx ledger.Tx) error {
		ts := tx.Timestamp()
		tx.Queue(
			ledger.SelectAccount{PAN: pan},
			ledger.UpdateAccount{PAN: pan, BalanceDelta: decimal.Zero, AvailableDelta: amount.Neg(), LastActivity: ts},
			ledger.InsertActivity{Activity: model.CardActivity{
				PAN: pan, At: ts, TxType: model.ActivityTypeAuthorize, DebitCredit: model.Debit, Amount: amount.Neg(),
			}},
		)
		results, err := tx.Execute(ctx, true)
		if err != nil {
			return err
		}

		acct, ok := results[0].Account()
		if !ok {
			return abort(CodeAccountNotFound, pan, ReasonAccountNotFound)
		}
		if !acct.IsAvailable() {
			return abort(CodeAccountUnavailable, pan, ReasonAccountUnavailable)
		}
		if acct.AvailableBalance.LessThan(amount) {
			return abort(CodeInsufficientFunds, pan, ReasonInsufficientFunds)
		}
		return nil
	})
	if err != nil {
		e.logRejected("Authorize", err, zap.String("pan", pan), zap.Stringer("amount", amount))
	}
	return err
}

// Redeem 扣款
//
// settle 为 true 表示结算一笔已授权的金额，授权时已经冻结过可用余额，
// 这里只扣账面余额；否则两者一起扣。
func (e *Engine) Redeem(ctx context.Context, pan string, amount decimal.Decimal, currency string, settle bool) error {
	if !amount.IsPositive() {
		return abort(CodeInvalidAmount, pan, ReasonInvalidAmount)
	}

	availableDelta := amount.Neg()
	if settle {
		availableDelta = decimal.Zero
	}

	err := e.store.Run(ctx, []string{pan}, func(tx ledger.Tx) error {
		ts := tx.Timestamp()
		tx.Queue(
			ledger.SelectAccount{PAN: pan},
			ledger.UpdateAccount{PAN: pan, BalanceDelta: amount.Neg(), AvailableDelta: availableDelta, LastActivity: ts},
			ledger.InsertActivity{Activity: model.CardActivity{
				PAN: pan, At: ts, TxType: model.ActivityTypeRedeem, DebitCredit: model.Debit, Amount: amount.Neg(),
			}},
		)
		results, err := tx.Execute(ctx, true)
		if err != nil {
			return err
		}

		acct, ok := results[0].Account()
		if !ok {
			return abort(CodeAccountNotFound, pan, ReasonAccountNotFound)
		}
		if !acct.IsAvailable() {
			return abort(CodeAccountUnavailable, pan, ReasonAccountUnavailable)
		}
		if acct.Balance.LessThan(amount) {
			return abort(CodeInsufficientFunds, pan, ReasonInsufficientFunds)
		}
		return nil
	})
	if err != nil {
		e.logRejected("Redeem", err, zap.String("pan", pan), zap.Stringer("amount", amount))
	}
	return err
}

// InsertAccount 开卡
func (e *Engine) InsertAccount(ctx context.Context, acct model.CardAccount) error {
	return e.store.Run(ctx, []string{acct.PAN}, func(tx ledger.Tx) error {
		if acct.LastActivity.IsZero() {
			acct.LastActivity = tx.Timestamp()
		}
		tx.Queue(ledger.InsertAccount{Account: acct})
		_, err := tx.Execute(ctx, true)
		return err
	})
}

// Account 查询账户
func (e *Engine) Account(ctx context.Context, pan string) (model.CardAccount, error) {
	var acct model.CardAccount
	err := e.store.Run(ctx, []string{pan}, func(tx ledger.Tx) error {
		tx.Queue(ledger.SelectAccount{PAN: pan})
		results, err := tx.Execute(ctx, true)
		if err != nil {
			return err
		}
		var ok bool
		if acct, ok = results[0].Account(); !ok {
			return fmt.Errorf("%w: %s", ErrAccountNotFound, pan)
		}
		return nil
	})
	return acct, err
}

// Activity 查询账户流水
func (e *Engine) Activity(ctx context.Context, pan string) ([]model.CardActivity, error) {
	var rows []model.CardActivity
	err := e.store.Run(ctx, []string{pan}, func(tx ledger.Tx) error {
		tx.Queue(ledger.SelectActivity{PAN: pan})
		results, err := tx.Execute(ctx, true)
		if err != nil {
			return err
		}
		rows = results[0].Activities
		return nil
	})
	return rows, err
}

func (e *Engine) logRejected(proc string, err error, fields ...zap.Field) {
	fields = append(fields, zap.String("procedure", proc), zap.Error(err))
	if IsAbort(err) {
		e.logger.Debug("交易被拒绝", fields...)
		return
	}
	e.logger.Warn("交易执行失败", fields...)
}

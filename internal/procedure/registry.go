package procedure

import (
	"context"
	"fmt"
	"sort"

	"cardledger/internal/model"
)

// 过程名
const (
	ProcInsertAccount = "CARD_ACCOUNT.insert"
	ProcAuthorize     = "Authorize"
	ProcRedeem        = "Redeem"
	ProcTransfer      = "Transfer"
)

// Handler 过程入口，成功返回结果载荷
type Handler func(ctx context.Context, p params) (any, error)

// Registry 按名字分发过程调用
type Registry struct {
	engine *Engine
	procs  map[string]Handler
}

func NewRegistry(engine *Engine) *Registry {
	r := &Registry{engine: engine}
	r.procs = map[string]Handler{
		ProcInsertAccount: r.insertAccount,
		ProcAuthorize:     r.authorize,
		ProcRedeem:        r.redeem,
		ProcTransfer:      r.transfer,
	}
	return r
}

// Engine 返回底层交易引擎
func (r *Registry) Engine() *Engine {
	return r.engine
}

// Names 已注册的过程名
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.procs))
	for name := range r.procs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke 同步执行过程
func (r *Registry) Invoke(ctx context.Context, name string, args ...any) (any, error) {
	h, ok := r.procs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProcedure, name)
	}
	return h(ctx, params(args))
}

// CARD_ACCOUNT.insert(pan, available, status, balance, available_balance, currency, last_activity)
func (r *Registry) insertAccount(ctx context.Context, p params) (any, error) {
	if err := p.want(7); err != nil {
		return nil, err
	}
	pan, err := p.str(0)
	if err != nil {
		return nil, err
	}
	available, err := p.integer(1)
	if err != nil {
		return nil, err
	}
	status, err := p.str(2)
	if err != nil {
		return nil, err
	}
	balance, err := p.money(3)
	if err != nil {
		return nil, err
	}
	availableBalance, err := p.money(4)
	if err != nil {
		return nil, err
	}
	currency, err := p.str(5)
	if err != nil {
		return nil, err
	}
	lastActivity, err := p.timestamp(6)
	if err != nil {
		return nil, err
	}

	err = r.engine.InsertAccount(ctx, model.CardAccount{
		PAN:              pan,
		Available:        int(available),
		Status:           status,
		Balance:          balance,
		AvailableBalance: availableBalance,
		Currency:         currency,
		LastActivity:     lastActivity,
	})
	if err != nil {
		return nil, err
	}
	return int64(1), nil
}

// Authorize(pan, amount, currency)
func (r *Registry) authorize(ctx context.Context, p params) (any, error) {
	if err := p.want(3); err != nil {
		return nil, err
	}
	pan, err := p.str(0)
	if err != nil {
		return nil, err
	}
	amount, err := p.money(1)
	if err != nil {
		return nil, err
	}
	currency, err := p.str(2)
	if err != nil {
		return nil, err
	}
	if err := r.engine.Authorize(ctx, pan, amount, currency); err != nil {
		return nil, err
	}
	return int64(1), nil
}

// Redeem(pan, amount, currency, settle)
func (r *Registry) redeem(ctx context.Context, p params) (any, error) {
	if err := p.want(4); err != nil {
		return nil, err
	}
	pan, err := p.str(0)
	if err != nil {
		return nil, err
	}
	amount, err := p.money(1)
	if err != nil {
		return nil, err
	}
	currency, err := p.str(2)
	if err != nil {
		return nil, err
	}
	settle, err := p.integer(3)
	if err != nil {
		return nil, err
	}
	if err := r.engine.Redeem(ctx, pan, amount, currency, settle != 0); err != nil {
		return nil, err
	}
	return int64(1), nil
}

// Transfer(from_pan, to_pan, amount, currency)
func (r *Registry) transfer(ctx context.Context, p params) (any, error) {
	if err := p.want(4); err != nil {
		return nil, err
	}
	from, err := p.str(0)
	if err != nil {
		return nil, err
	}
	to, err := p.str(1)
	if err != nil {
		return nil, err
	}
	amount, err := p.money(2)
	if err != nil {
		return nil, err
	}
	currency, err := p.str(3)
	if err != nil {
		return nil, err
	}
	if err := r.engine.Transfer(ctx, from, to, amount, currency); err != nil {
		return nil, err
	}
	return int64(1), nil
}

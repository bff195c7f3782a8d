package client

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"cardledger/internal/procedure"
	"cardledger/internal/stats"
	"cardledger/pkg/idgen"
)

var ErrCallTimeout = errors.New("client: call timed out")

// Response 一次异步调用的结果，交给调用方回调
type Response struct {
	CallID    int64
	Procedure string
	// Tag 发起调用时附带的业务编号，HasTag 为 false 时无意义
	Tag     int64
	HasTag  bool
	Result  any
	Err     error
	Outcome stats.Outcome
	Latency time.Duration
}

// Callback 调用完成回调，在调用方 goroutine 之外执行
type Callback func(Response)

// Call 一次在途调用
type Call struct {
	id        int64
	procedure string
	tag       int64
	hasTag    bool
	issued    time.Time
	done      atomic.Bool
	stats     *stats.Aggregator
	callback  Callback
}

type CallOption func(*Call)

// WithTag 附带一个数值标签，完成时原样带回
func WithTag(tag int64) CallOption {
	return func(c *Call) {
		c.tag = tag
		c.hasTag = true
	}
}

// NewCall 登记一次调用，从此刻开始计时
func NewCall(agg *stats.Aggregator, procedureName string, cb Callback, opts ...CallOption) *Call {
	c := &Call{
		id:        idgen.NextID(),
		procedure: procedureName,
		issued:    time.Now(),
		stats:     agg,
		callback:  cb,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Call) ID() int64         { return c.id }
func (c *Call) Procedure() string { return c.procedure }
func (c *Call) Done() bool        { return c.done.Load() }

// Complete 结束调用：记录统计并执行回调。
// 每个 Call 只能完成一次，重复完成说明调用方逻辑有错，直接 panic。
func (c *Call) Complete(result any, err error) Response {
	if !c.done.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("client: call %d (%s) completed twice", c.id, c.procedure))
	}

	resp := Response{
		CallID:    c.id,
		Procedure: c.procedure,
		Tag:       c.tag,
		HasTag:    c.hasTag,
		Result:    result,
		Err:       err,
		Outcome:   Classify(err),
		Latency:   time.Since(c.issued),
	}
	if c.stats != nil {
		c.stats.Record(c.procedure, resp.Outcome, resp.Latency)
	}
	if c.callback != nil {
		c.callback(resp)
	}
	return resp
}

// Classify 区分业务拒绝和基础设施失败
func Classify(err error) stats.Outcome {
	switch {
	case err == nil:
		return stats.OutcomeSuccess
	case procedure.IsAbort(err):
		return stats.OutcomeAbort
	default:
		return stats.OutcomeFailure
	}
}

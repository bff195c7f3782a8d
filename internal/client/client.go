// Package client 异步过程调用客户端。
//
// CallAsync 立即返回，调用在独立 goroutine 中执行，完成后通过回调交付结果。
// 在途调用数受信号量限制，达到上限时 CallAsync 阻塞直到有调用完成；
// 每个调用都有超时，超时按失败处理并释放名额，不会永久占用。
package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"cardledger/internal/stats"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Invoker 同步执行一个过程
type Invoker interface {
	Invoke(ctx context.Context, procedure string, params ...any) (any, error)
}

// InvokerFunc 函数适配器
type InvokerFunc func(ctx context.Context, procedure string, params ...any) (any, error)

func (f InvokerFunc) Invoke(ctx context.Context, procedure string, params ...any) (any, error) {
	return f(ctx, procedure, params...)
}

type Config struct {
	// MaxOutstanding 在途调用上限
	MaxOutstanding int
	// CallTimeout 单次调用超时
	CallTimeout time.Duration
}

const (
	DefaultMaxOutstanding = 100
	DefaultCallTimeout    = 10 * time.Second
)

// Client 异步调用分发器
type Client struct {
	invoker Invoker
	stats   *stats.Aggregator
	logger  *zap.Logger

	sem         *semaphore.Weighted
	timeout     time.Duration
	wg          sync.WaitGroup
	outstanding atomic.Int64
	peak        atomic.Int64
}

func New(invoker Invoker, agg *stats.Aggregator, cfg Config, logger *zap.Logger) *Client {
	if cfg.MaxOutstanding <= 0 {
		cfg.MaxOutstanding = DefaultMaxOutstanding
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if agg == nil {
		agg = stats.NewAggregator()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		invoker: invoker,
		stats:   agg,
		logger:  logger,
		sem:     semaphore.NewWeighted(int64(cfg.MaxOutstanding)),
		timeout: cfg.CallTimeout,
	}
}

// Stats 统计器
func (c *Client) Stats() *stats.Aggregator {
	return c.stats
}

// Outstanding 当前在途调用数
func (c *Client) Outstanding() int64 {
	return c.outstanding.Load()
}

// Peak 运行以来的最大在途调用数
func (c *Client) Peak() int64 {
	return c.peak.Load()
}

// CallAsync 发起异步调用
//
// 名额用完时阻塞，ctx 取消则放弃发起并返回 ctx 的错误，此时不会产生回调。
// 返回 nil 表示调用已经发出，回调一定会被执行且只执行一次。
func (c *Client) CallAsync(ctx context.Context, cb Callback, procedure string, params ...any) error {
	return c.call(ctx, cb, nil, procedure, params)
}

// CallAsyncTagged 发起带标签的异步调用
func (c *Client) CallAsyncTagged(ctx context.Context, cb Callback, tag int64, procedure string, params ...any) error {
	return c.call(ctx, cb, []CallOption{WithTag(tag)}, procedure, params)
}

func (c *Client) call(ctx context.Context, cb Callback, opts []CallOption, procedure string, params []any) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	call := NewCall(c.stats, procedure, cb, opts...)
	n := c.outstanding.Add(1)
	for {
		peak := c.peak.Load()
		if n <= peak || c.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	c.wg.Add(1)
	go c.run(context.WithoutCancel(ctx), call, params)
	return nil
}

type invokeResult struct {
	result any
	err    error
}

func (c *Client) run(parent context.Context, call *Call, params []any) {
	defer c.wg.Done()
	defer c.sem.Release(1)
	defer c.outstanding.Add(-1)

	ctx, cancel := context.WithTimeout(parent, c.timeout)
	defer cancel()

	done := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invokeResult{err: fmt.Errorf("client: procedure %s panicked: %v", call.Procedure(), r)}
			}
		}()
		res, err := c.invoker.Invoke(ctx, call.Procedure(), params...)
		done <- invokeResult{result: res, err: err}
	}()

	var out invokeResult
	select {
	case out = <-done:
	case <-ctx.Done():
		// 执行方没有响应超时，直接判失败；它迟到的结果写进带缓冲的 done 后被丢弃
		out = invokeResult{err: fmt.Errorf("%w: %s after %s", ErrCallTimeout, call.Procedure(), c.timeout)}
		c.logger.Debug("调用超时", zap.String("procedure", call.Procedure()), zap.Int64("call_id", call.ID()))
	}

	c.complete(call, out)
}

// complete 回调 panic 只记日志，名额照常释放
func (c *Client) complete(call *Call, out invokeResult) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("回调 panic",
				zap.String("procedure", call.Procedure()),
				zap.Int64("call_id", call.ID()),
				zap.Any("panic", r))
		}
	}()
	call.Complete(out.result, out.err)
}

// Drain 等待所有在途调用完成。调用方需先停止发起新调用。
func (c *Client) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("client: drain interrupted with %d calls outstanding: %w", c.Outstanding(), ctx.Err())
	}
}

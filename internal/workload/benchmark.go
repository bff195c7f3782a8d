// Package workload 卡账户压测驱动。
//
// 先开卡，再循环发起 Authorize、Redeem，并按配置的概率在两张随机卡之间转账。
// 调用全部异步发出，在途调用数由 client 的信号量封顶，满了就阻塞等待。
package workload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"cardledger/internal/client"
	"cardledger/internal/config"
	"cardledger/internal/infrastructure/lock"
	"cardledger/internal/model"
	"cardledger/internal/procedure"
	"cardledger/internal/stats"

	"go.uber.org/zap"
)

// 每张卡的初始额度和每轮调用金额
const (
	InitialBalance   = 500
	AuthorizeAmount  = 25
	RedeemAmount     = 25
	TransferAmount   = 5
	Currency         = "USD"
	progressInterval = 50000
)

// Locker 开卡期间持有的分布式锁
//
// 持有期间每隔 Expiration()/3 续期一次，Refresh 返回 lock.ErrLockExpired
// 说明锁已被别人拿走，开卡立即中止。
type Locker interface {
	Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error
	Refresh(ctx context.Context) error
	Unlock(ctx context.Context) error
	Expiration() time.Duration
}

// TransferTally 按标签回调统计的转账结果
type TransferTally struct {
	Issued    int64
	Committed int64
	Aborted   int64
	Failed    int64
	// LastTag 最近一次完成的转账标签
	LastTag int64
}

type Benchmark struct {
	cfg    config.BenchmarkConfig
	client *client.Client
	lock   Locker
	logger *zap.Logger
	rnd    *rand.Rand

	seq       atomic.Int64
	committed atomic.Int64
	aborted   atomic.Int64
	failed    atomic.Int64
	lastTag   atomic.Int64

	provisionFailures atomic.Int64
}

type Option func(*Benchmark)

// WithProvisionLock 开卡时持有分布式锁
func WithProvisionLock(l Locker) Option {
	return func(b *Benchmark) { b.lock = l }
}

func WithLogger(l *zap.Logger) Option {
	return func(b *Benchmark) {
		if l != nil {
			b.logger = l
		}
	}
}

// New Initialize、Iterate、Run 需在同一个 goroutine 中调用
func New(c *client.Client, cfg config.BenchmarkConfig, opts ...Option) (*Benchmark, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	b := &Benchmark{
		cfg:    cfg,
		client: c,
		logger: zap.NewNop(),
		rnd:    rand.New(rand.NewSource(seed)),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// PAN 第 i 张卡的卡号，16 位补零
func PAN(i int) string {
	return fmt.Sprintf("%016d", i)
}

// Initialize 开卡
//
// 已存在的卡插入失败只计数不报错，重复运行时可以直接复用已有的卡。
func (b *Benchmark) Initialize(ctx context.Context) error {
	if b.lock == nil {
		return b.provision(ctx)
	}

	if err := b.lock.Lock(ctx, time.Second, 600); err != nil {
		return fmt.Errorf("获取开卡锁失败: %w", err)
	}
	defer func() {
		if err := b.lock.Unlock(context.WithoutCancel(ctx)); err != nil {
			b.logger.Warn("释放开卡锁失败", zap.Error(err))
		}
	}()

	provCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	lost := make(chan error, 1)
	stop := b.keepLock(provCtx, cancel, lost)

	err := b.provision(provCtx)
	stop()
	select {
	case lockErr := <-lost:
		return fmt.Errorf("开卡锁已失效: %w", lockErr)
	default:
	}
	return err
}

// keepLock 后台续期开卡锁，返回停止函数
func (b *Benchmark) keepLock(ctx context.Context, cancel context.CancelFunc, lost chan<- error) func() {
	interval := b.lock.Expiration() / 3
	if interval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := b.lock.Refresh(ctx)
				if err == nil || ctx.Err() != nil {
					continue
				}
				if errors.Is(err, lock.ErrLockExpired) {
					b.logger.Error("开卡锁已被他人持有，停止开卡", zap.Error(err))
					lost <- err
					cancel()
					return
				}
				b.logger.Warn("开卡锁续期失败", zap.Error(err))
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}

func (b *Benchmark) provision(ctx context.Context) error {
	b.logger.Info("开始开卡", zap.Int("card_count", b.cfg.CardCount))
	onInsert := func(r client.Response) {
		if r.Err != nil {
			b.provisionFailures.Add(1)
		}
	}
	for i := 0; i < b.cfg.CardCount; i++ {
		err := b.client.CallAsync(ctx, onInsert, procedure.ProcInsertAccount,
			PAN(i), model.AccountActive, model.AccountStatusActivated,
			InitialBalance, InitialBalance, Currency, time.Now())
		if err != nil {
			return fmt.Errorf("开卡中断: %w", err)
		}
		if i%progressInterval == 0 {
			b.logger.Info("开卡进度", zap.Int("issued", i))
		}
	}
	if err := b.client.Drain(ctx); err != nil {
		return err
	}

	if n := b.provisionFailures.Load(); n > 0 {
		b.logger.Warn("部分卡未能开立", zap.Int64("failed", n))
	}
	b.logger.Info("开卡完成", zap.Int("card_count", b.cfg.CardCount))
	return nil
}

// ProvisionFailures 开卡失败的数量
func (b *Benchmark) ProvisionFailures() int64 {
	return b.provisionFailures.Load()
}

// Iterate 发起一轮调用
func (b *Benchmark) Iterate(ctx context.Context) error {
	pan := PAN(b.rnd.Intn(b.cfg.CardCount))

	if err := b.client.CallAsync(ctx, nil, procedure.ProcAuthorize, pan, AuthorizeAmount, Currency); err != nil {
		return err
	}
	if err := b.client.CallAsync(ctx, nil, procedure.ProcRedeem, pan, RedeemAmount, Currency, 1); err != nil {
		return err
	}

	if b.rnd.Intn(100) < b.cfg.TransferPct {
		from, to := b.distinctPair()
		tag := b.seq.Add(1)
		if err := b.client.CallAsyncTagged(ctx, b.onTransfer, tag, procedure.ProcTransfer,
			PAN(from), PAN(to), TransferAmount, Currency); err != nil {
			b.seq.Add(-1)
			return err
		}
	}
	return nil
}

func (b *Benchmark) distinctPair() (int, int) {
	n := b.cfg.CardCount
	from := b.rnd.Intn(n)
	to := b.rnd.Intn(n - 1)
	if to >= from {
		to++
	}
	return from, to
}

func (b *Benchmark) onTransfer(r client.Response) {
	switch r.Outcome {
	case stats.OutcomeSuccess:
		b.committed.Add(1)
	case stats.OutcomeAbort:
		b.aborted.Add(1)
	default:
		b.failed.Add(1)
	}
	if r.HasTag {
		b.lastTag.Store(r.Tag)
	}
}

// Transfers 转账统计
func (b *Benchmark) Transfers() TransferTally {
	return TransferTally{
		Issued:    b.seq.Load(),
		Committed: b.committed.Load(),
		Aborted:   b.aborted.Load(),
		Failed:    b.failed.Load(),
		LastTag:   b.lastTag.Load(),
	}
}

// Run 压测主循环
//
// Calls 大于 0 时发满 Calls 轮为止，否则运行 Duration。
// 停止发起后等待所有在途调用完成再出报告，ctx 取消时放弃等待。
func (b *Benchmark) Run(ctx context.Context) (stats.Report, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if b.cfg.Calls <= 0 && b.cfg.Duration > 0 {
		runCtx, cancel = context.WithTimeout(ctx, b.cfg.Duration)
		defer cancel()
	}

	start := time.Now()
	stopDisplay := b.display(start)
	defer stopDisplay()

	b.logger.Info("压测开始",
		zap.Int("calls", b.cfg.Calls),
		zap.Duration("duration", b.cfg.Duration),
		zap.Int("transfer_pct", b.cfg.TransferPct))

	iterations := 0
	for b.cfg.Calls <= 0 || iterations < b.cfg.Calls {
		if runCtx.Err() != nil {
			break
		}
		if err := b.Iterate(runCtx); err != nil {
			if runCtx.Err() != nil {
				break
			}
			return stats.Report{}, err
		}
		iterations++
	}

	if err := b.client.Drain(ctx); err != nil {
		return stats.Report{}, err
	}

	report := b.client.Stats().Snapshot()
	b.logger.Info("压测结束",
		zap.Int("iterations", iterations),
		zap.Int64("calls", report.Total()),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int64("peak_outstanding", b.client.Peak()))
	return report, nil
}

// display 按间隔输出吞吐，返回停止函数
func (b *Benchmark) display(start time.Time) func() {
	if b.cfg.DisplayInterval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(b.cfg.DisplayInterval)
		defer ticker.Stop()

		var last int64
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				total := b.client.Stats().Snapshot().Total()
				elapsed := time.Since(start)
				b.logger.Info("压测进度",
					zap.Duration("elapsed", elapsed.Round(time.Second)),
					zap.Int64("completed", total),
					zap.Float64("tps", float64(total-last)/b.cfg.DisplayInterval.Seconds()),
					zap.Int64("outstanding", b.client.Outstanding()))
				last = total
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

// PrintResults 输出各过程的统计表和转账结果
func (b *Benchmark) PrintResults(w io.Writer, report stats.Report) error {
	if _, err := fmt.Fprintln(w, "Transaction Results"); err != nil {
		return err
	}
	if _, err := report.WriteTo(w); err != nil {
		return err
	}
	t := b.Transfers()
	_, err := fmt.Fprintf(w, "\ntransfers issued=%d committed=%d aborted=%d failed=%d\n",
		t.Issued, t.Committed, t.Aborted, t.Failed)
	return err
}

// Package stats 按过程名汇总调用次数、失败次数和延迟。
package stats

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"text/tabwriter"
	"time"
)

// Outcome 调用结果分类
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	// OutcomeAbort 业务规则拒绝
	OutcomeAbort
	// OutcomeFailure 超时、连接失败、存储异常等，没有业务含义
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeAbort:
		return "abort"
	case OutcomeFailure:
		return "failure"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// ProcedureStats 单个过程的汇总
type ProcedureStats struct {
	Procedure    string        `json:"procedure"`
	Count        int64         `json:"count"`
	Successes    int64         `json:"successes"`
	Aborts       int64         `json:"aborts"`
	Failures     int64         `json:"failures"`
	MinLatency   time.Duration `json:"min_latency"`
	MaxLatency   time.Duration `json:"max_latency"`
	TotalLatency time.Duration `json:"total_latency"`
}

// AvgLatency 平均延迟
func (s ProcedureStats) AvgLatency() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.TotalLatency / time.Duration(s.Count)
}

func (s *ProcedureStats) add(outcome Outcome, latency time.Duration) {
	if s.Count == 0 || latency < s.MinLatency {
		s.MinLatency = latency
	}
	if latency > s.MaxLatency {
		s.MaxLatency = latency
	}
	s.Count++
	s.TotalLatency += latency

	switch outcome {
	case OutcomeSuccess:
		s.Successes++
	case OutcomeAbort:
		s.Aborts++
	default:
		s.Failures++
	}
}

type entry struct {
	mu    sync.Mutex
	stats ProcedureStats
}

// Aggregator 并发安全的统计器
//
// 每个过程一把锁，Record 的临界区只有几次加法，Snapshot 逐个加锁复制，
// 等待时间有上界，拿到的是时点副本而不是实时视图。
type Aggregator struct {
	entries sync.Map // string -> *entry
}

func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Record 记录一次完成的调用，首次出现的过程名会自动建档
func (a *Aggregator) Record(procedure string, outcome Outcome, latency time.Duration) {
	if latency < 0 {
		latency = 0
	}
	v, ok := a.entries.Load(procedure)
	if !ok {
		v, _ = a.entries.LoadOrStore(procedure, &entry{stats: ProcedureStats{Procedure: procedure}})
	}
	e := v.(*entry)

	e.mu.Lock()
	e.stats.add(outcome, latency)
	e.mu.Unlock()
}

// Snapshot 返回按过程名排序的汇总副本
func (a *Aggregator) Snapshot() Report {
	var rows []ProcedureStats
	a.entries.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		rows = append(rows, e.stats)
		e.mu.Unlock()
		return true
	})
	sort.Slice(rows, func(i, j int) bool { return rows[i].Procedure < rows[j].Procedure })
	return Report{Procedures: rows, TakenAt: time.Now()}
}

// Report 统计报告
type Report struct {
	Procedures []ProcedureStats `json:"procedures"`
	TakenAt    time.Time        `json:"taken_at"`
}

// Lookup 按过程名查找
func (r Report) Lookup(procedure string) (ProcedureStats, bool) {
	for _, s := range r.Procedures {
		if s.Procedure == procedure {
			return s, true
		}
	}
	return ProcedureStats{}, false
}

// Total 所有过程的调用总数
func (r Report) Total() int64 {
	var n int64
	for _, s := range r.Procedures {
		n += s.Count
	}
	return n
}

// WriteTo 输出对齐的文本表格
func (r Report) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	tw := tabwriter.NewWriter(cw, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "procedure\tcount\tsuccess\tabort\tfailure\tmin\tavg\tmax\t")
	for _, s := range r.Procedures {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\t%s\t%s\t\n",
			s.Procedure, s.Count, s.Successes, s.Aborts, s.Failures,
			s.MinLatency.Round(time.Microsecond),
			s.AvgLatency().Round(time.Microsecond),
			s.MaxLatency.Round(time.Microsecond),
		)
	}
	err := tw.Flush()
	return cw.n, err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

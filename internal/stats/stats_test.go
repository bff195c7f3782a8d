package stats

import (
	"bytes"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAggregatesPerProcedure(t *testing.T) {
	a := NewAggregator()
	a.Record("Transfer", OutcomeSuccess, 10*time.Millisecond)
	a.Record("Transfer", OutcomeAbort, 30*time.Millisecond)
	a.Record("Transfer", OutcomeFailure, 20*time.Millisecond)
	a.Record("Authorize", OutcomeSuccess, time.Millisecond)

	r := a.Snapshot()
	require.Len(t, r.Procedures, 2)
	assert.Equal(t, "Authorize", r.Procedures[0].Procedure)

	tr, ok := r.Lookup("Transfer")
	require.True(t, ok)
	assert.EqualValues(t, 3, tr.Count)
	assert.EqualValues(t, 1, tr.Successes)
	assert.EqualValues(t, 1, tr.Aborts)
	assert.EqualValues(t, 1, tr.Failures)
	assert.Equal(t, 10*time.Millisecond, tr.MinLatency)
	assert.Equal(t, 30*time.Millisecond, tr.MaxLatency)
	assert.Equal(t, 20*time.Millisecond, tr.AvgLatency())
	assert.EqualValues(t, 4, r.Total())

	_, ok = r.Lookup("Redeem")
	assert.False(t, ok)
}

func TestSnapshotIsACopy(t *testing.T) {
	a := NewAggregator()
	a.Record("Redeem", OutcomeSuccess, time.Millisecond)
	before := a.Snapshot()
	a.Record("Redeem", OutcomeSuccess, time.Millisecond)

	s, _ := before.Lookup("Redeem")
	assert.EqualValues(t, 1, s.Count)
	s, _ = a.Snapshot().Lookup("Redeem")
	assert.EqualValues(t, 2, s.Count)
}

func TestConcurrentRecordLosesNothing(t *testing.T) {
	for round := 0; round < 5; round++ {
		a := NewAggregator()
		rnd := rand.New(rand.NewSource(int64(round)))
		goroutines := 2 + rnd.Intn(64)
		perGoroutine := 1 + rnd.Intn(500)
		procs := []string{"Authorize", "Redeem", "Transfer"}

		var wg sync.WaitGroup
		start := make(chan struct{})
		for g := 0; g < goroutines; g++ {
			wg.Add(1)
			go func(g int) {
				defer wg.Done()
				<-start
				for i := 0; i < perGoroutine; i++ {
					a.Record(procs[(g+i)%len(procs)], OutcomeSuccess, time.Duration(i)*time.Microsecond)
				}
			}(g)
		}
		// 并发读快照不能阻塞或读到撕裂的数据
		done := make(chan struct{})
		go func() {
			defer close(done)
			for i := 0; i < 50; i++ {
				for _, s := range a.Snapshot().Procedures {
					assert.Equal(t, s.Count, s.Successes+s.Aborts+s.Failures)
				}
			}
		}()
		close(start)
		wg.Wait()
		<-done

		r := a.Snapshot()
		assert.EqualValues(t, goroutines*perGoroutine, r.Total(), "round %d", round)
		for _, s := range r.Procedures {
			assert.Equal(t, s.Count, s.Successes)
			assert.LessOrEqual(t, s.MinLatency, s.MaxLatency)
			assert.Less(t, s.MaxLatency, time.Duration(perGoroutine)*time.Microsecond)
		}
	}
}

func TestReportWriteTo(t *testing.T) {
	a := NewAggregator()
	a.Record("Transfer", OutcomeSuccess, 1500*time.Microsecond)
	a.Record("Transfer", OutcomeAbort, 500*time.Microsecond)

	var buf bytes.Buffer
	n, err := a.Snapshot().WriteTo(&buf)
	require.NoError(t, err)
	assert.EqualValues(t, buf.Len(), n)
	out := buf.String()
	assert.Contains(t, out, "Transfer")
	assert.Contains(t, out, "1ms")
	assert.Contains(t, out, "procedure")
}

func TestOutcomeString(t *testing.T) {
	for o, want := range map[Outcome]string{OutcomeSuccess: "success", OutcomeAbort: "abort", OutcomeFailure: "failure"} {
		assert.Equal(t, want, o.String())
	}
	assert.Equal(t, fmt.Sprintf("outcome(%d)", 9), Outcome(9).String())
}

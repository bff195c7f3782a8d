package idgen

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsWorkerOutOfRange(t *testing.T) {
	_, err := New(-1)
	require.ErrorIs(t, err, ErrInvalidWorkerID)

	_, err = New(maxWorkerID + 1)
	require.ErrorIs(t, err, ErrInvalidWorkerID)
}

func TestGenerateUniqueUnderConcurrency(t *testing.T) {
	s, err := New(7)
	require.NoError(t, err)

	const workers, perWorker = 8, 2000
	var (
		mu   sync.Mutex
		seen = make(map[int64]struct{}, workers*perWorker)
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids := make([]int64, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				ids = append(ids, s.Generate())
			}
			mu.Lock()
			for _, id := range ids {
				seen[id] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
}

func TestGenerateTransferNo(t *testing.T) {
	no := GenerateTransferNo()
	assert.True(t, strings.HasPrefix(no, "TRF"))
	assert.Len(t, no, 3+14+8)
	assert.NotEqual(t, no, GenerateTransferNo())
}

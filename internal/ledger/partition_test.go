package ledger

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPartitionIsStableAndInRange(t *testing.T) {
	p := NewPartitioner(16)
	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("%016d", i)
		idx := p.Partition(key)
		assert.GreaterOrEqual(t, idx, 0)
		assert.Less(t, idx, 16)
		assert.Equal(t, idx, p.Partition(key))
	}
}

func TestPartitionsSortedAndUnique(t *testing.T) {
	p := NewPartitioner(4)
	keys := []string{"a", "b", "c", "d", "e", "a", "b"}
	parts := p.Partitions(keys)
	assert.IsNonDecreasing(t, parts)
	seen := map[int]bool{}
	for _, idx := range parts {
		assert.False(t, seen[idx])
		seen[idx] = true
	}
}

func TestSinglePartition(t *testing.T) {
	p := NewPartitioner(0)
	assert.Equal(t, 1, p.Count())
	assert.Equal(t, []int{0}, p.Partitions([]string{"x", "y"}))
}

func TestUniqueKeys(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, UniqueKeys([]string{"b", "a", "b"}))
}

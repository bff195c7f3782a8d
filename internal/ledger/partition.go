package ledger

import (
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Partitioner 把 PAN 路由到固定数量的分区
type Partitioner struct {
	n int
}

func NewPartitioner(n int) Partitioner {
	if n < 1 {
		n = 1
	}
	return Partitioner{n: n}
}

func (p Partitioner) Count() int {
	return p.n
}

// Partition 返回 key 所在分区下标
func (p Partitioner) Partition(key string) int {
	if p.n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(p.n))
}

// Partitions 返回 keys 覆盖的分区，去重并升序。
// 按升序加锁可以避免两个工作单元交叉持锁导致死锁。
func (p Partitioner) Partitions(keys []string) []int {
	seen := make(map[int]struct{}, len(keys))
	parts := make([]int, 0, len(keys))
	for _, k := range keys {
		idx := p.Partition(k)
		if _, ok := seen[idx]; ok {
			continue
		}
		seen[idx] = struct{}{}
		parts = append(parts, idx)
	}
	sort.Ints(parts)
	return parts
}

// UniqueKeys 去重并排序
func UniqueKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

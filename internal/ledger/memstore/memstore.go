// Package memstore 内存分区账户存储。
//
// 每个分区一把互斥锁，工作单元按分区下标升序加锁，
// 写入先暂存在 Changeset 中，回调成功后一次性落到分区里。
package memstore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"cardledger/internal/ledger"
	"cardledger/internal/model"
)

type partition struct {
	mu       sync.Mutex
	accounts map[string]model.CardAccount
	activity map[string][]model.CardActivity
}

// Store 内存存储，进程内压测和测试使用
type Store struct {
	router ledger.Partitioner
	parts  []*partition
	closed atomic.Bool

	outboxMu sync.Mutex
	outbox   []model.OutboxMessage

	now func() time.Time
}

var _ ledger.Store = (*Store)(nil)

func New(partitions int) *Store {
	router := ledger.NewPartitioner(partitions)
	parts := make([]*partition, router.Count())
	for i := range parts {
		parts[i] = &partition{
			accounts: make(map[string]model.CardAccount),
			activity: make(map[string][]model.CardActivity),
		}
	}
	return &Store{
		router: router,
		parts:  parts,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Run(ctx context.Context, keys []string, fn func(tx ledger.Tx) error) error {
	if s.closed.Load() {
		return ledger.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	keys = ledger.UniqueKeys(keys)
	locked := s.router.Partitions(keys)
	for _, idx := range locked {
		s.parts[idx].mu.Lock()
	}
	defer func() {
		for i := len(locked) - 1; i >= 0; i-- {
			s.parts[locked[i]].mu.Unlock()
		}
	}()

	changes := ledger.NewChangeset(loader{s}, keys)
	if err := fn(ledger.NewStagedTx(changes, s.now())); err != nil {
		return err
	}

	s.commit(changes)
	return nil
}

// commit 调用方必须持有相关分区的锁
func (s *Store) commit(changes *ledger.Changeset) {
	for _, acct := range changes.DirtyAccounts() {
		s.partitionOf(acct.PAN).accounts[acct.PAN] = acct
	}
	for _, a := range changes.Activities() {
		p := s.partitionOf(a.PAN)
		p.activity[a.PAN] = append(p.activity[a.PAN], a)
	}
	if msgs := changes.Outbox(); len(msgs) > 0 {
		s.outboxMu.Lock()
		s.outbox = append(s.outbox, msgs...)
		s.outboxMu.Unlock()
	}
}

func (s *Store) partitionOf(pan string) *partition {
	return s.parts[s.router.Partition(pan)]
}

// Outbox 已提交的事务消息副本
func (s *Store) Outbox() []model.OutboxMessage {
	s.outboxMu.Lock()
	defer s.outboxMu.Unlock()
	return append([]model.OutboxMessage(nil), s.outbox...)
}

func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

type loader struct {
	s *Store
}

func (l loader) LoadAccount(_ context.Context, pan string) (model.CardAccount, bool, error) {
	acct, ok := l.s.partitionOf(pan).accounts[pan]
	return acct, ok, nil
}

func (l loader) LoadActivity(_ context.Context, pan string) ([]model.CardActivity, error) {
	return l.s.partitionOf(pan).activity[pan], nil
}

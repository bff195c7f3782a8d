package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"cardledger/internal/ledger"
	"cardledger/internal/model"
	"cardledger/internal/procedure"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T, opts ...Option) (*Store, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, opts...), client, mr
}

func openCard(t *testing.T, e *procedure.Engine, pan string, balance int64, available int) {
	t.Helper()
	require.NoError(t, e.InsertAccount(context.Background(), model.CardAccount{
		PAN:              pan,
		Available:        available,
		Status:           model.AccountStatusActivated,
		Balance:          decimal.NewFromInt(balance),
		AvailableBalance: decimal.NewFromInt(balance),
		Currency:         "USD",
	}))
}

func balance(t *testing.T, e *procedure.Engine, pan string) decimal.Decimal {
	t.Helper()
	acct, err := e.Account(context.Background(), pan)
	require.NoError(t, err)
	return acct.Balance
}

func TestAccountLayout(t *testing.T) {
	store, _, mr := newStore(t)
	e := procedure.NewEngine(store)
	openCard(t, e, "0000000000000001", 500, model.AccountActive)

	key := AccountKey("0000000000000001")
	assert.Equal(t, "card_account:0000000000000001", key)
	assert.Equal(t, "1", mr.HGet(key, "available"))
	assert.Equal(t, "ACTIVATED", mr.HGet(key, "status"))
	assert.Equal(t, "500", mr.HGet(key, "balance"))
	assert.Equal(t, "500", mr.HGet(key, "available_balance"))
	assert.Equal(t, "USD", mr.HGet(key, "currency"))
}

func TestTransferCommitsAndAborts(t *testing.T) {
	ctx := context.Background()
	store, _, mr := newStore(t)
	e := procedure.NewEngine(store, procedure.WithTransferEvents("card_transfer"))
	openCard(t, e, "A", 100, model.AccountActive)
	openCard(t, e, "B", 50, model.AccountActive)
	openCard(t, e, "C", 10, model.AccountUnavailable)

	require.NoError(t, e.Transfer(ctx, "A", "B", decimal.NewFromInt(30), "USD"))
	assert.True(t, balance(t, e, "A").Equal(decimal.NewFromInt(70)))
	assert.True(t, balance(t, e, "B").Equal(decimal.NewFromInt(80)))

	_, ok := procedure.AsAbort(e.Transfer(ctx, "A", "B", decimal.NewFromInt(1000), "USD"))
	assert.True(t, ok)
	ae, ok := procedure.AsAbort(e.Transfer(ctx, "C", "A", decimal.NewFromInt(1), "USD"))
	require.True(t, ok)
	assert.Equal(t, procedure.CodeSourceUnavailable, ae.Code)

	assert.True(t, balance(t, e, "A").Equal(decimal.NewFromInt(70)))
	assert.True(t, balance(t, e, "B").Equal(decimal.NewFromInt(80)))
	assert.True(t, balance(t, e, "C").Equal(decimal.NewFromInt(10)))

	rows, err := e.Activity(ctx, "A")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, model.Debit, rows[0].DebitCredit)
	assert.True(t, rows[0].Amount.Equal(decimal.NewFromInt(-30)))

	msgs, err := store.Outbox(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "card_transfer", msgs[0].Topic)

	list, err := mr.List(ActivityKey("C"))
	if err == nil {
		assert.Empty(t, list)
	}
}

func TestRunRetriesOnConcurrentModification(t *testing.T) {
	ctx := context.Background()
	store, client, _ := newStore(t)
	e := procedure.NewEngine(store)
	openCard(t, e, "A", 100, model.AccountActive)

	attempts := 0
	err := store.Run(ctx, []string{"A"}, func(tx ledger.Tx) error {
		attempts++
		tx.Queue(
			ledger.SelectAccount{PAN: "A"},
			ledger.UpdateAccount{PAN: "A", BalanceDelta: decimal.NewFromInt(-10), AvailableDelta: decimal.NewFromInt(-10), LastActivity: tx.Timestamp()},
		)
		if _, err := tx.Execute(ctx, true); err != nil {
			return err
		}
		if attempts == 1 {
			// 另一个连接改动已 WATCH 的 key，本次 EXEC 失败
			return client.HSet(ctx, AccountKey("A"), "status", "TOUCHED").Err()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	acct, err := e.Account(ctx, "A")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(decimal.NewFromInt(90)))
	assert.Equal(t, "TOUCHED", acct.Status)
}

func TestRunGivesUpAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	store, client, _ := newStore(t, WithMaxRetries(3))
	e := procedure.NewEngine(store)
	openCard(t, e, "A", 100, model.AccountActive)

	attempts := 0
	err := store.Run(ctx, []string{"A"}, func(tx ledger.Tx) error {
		attempts++
		tx.Queue(ledger.UpdateAccount{PAN: "A", BalanceDelta: decimal.NewFromInt(-10), AvailableDelta: decimal.Zero, LastActivity: tx.Timestamp()})
		if _, err := tx.Execute(ctx, true); err != nil {
			return err
		}
		return client.HSet(ctx, AccountKey("A"), "status", fmt.Sprint(attempts)).Err()
	})
	assert.ErrorIs(t, err, ledger.ErrConflict)
	assert.Equal(t, 3, attempts)
	assert.True(t, balance(t, e, "A").Equal(decimal.NewFromInt(100)))
}

func TestRunReturnsCallbackErrorUnchanged(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newStore(t)
	e := procedure.NewEngine(store)
	openCard(t, e, "A", 100, model.AccountActive)

	boom := errors.New("boom")
	err := store.Run(ctx, []string{"A"}, func(tx ledger.Tx) error {
		tx.Queue(ledger.UpdateAccount{PAN: "A", BalanceDelta: decimal.NewFromInt(-10), AvailableDelta: decimal.Zero, LastActivity: tx.Timestamp()})
		if _, err := tx.Execute(ctx, true); err != nil {
			return err
		}
		return boom
	})
	assert.Same(t, boom, err)
	assert.True(t, balance(t, e, "A").Equal(decimal.NewFromInt(100)))
}

func TestDuplicateInsertAndClosedStore(t *testing.T) {
	store, _, _ := newStore(t)
	e := procedure.NewEngine(store)
	openCard(t, e, "A", 100, model.AccountActive)

	err := e.InsertAccount(context.Background(), model.CardAccount{PAN: "A", Available: 1, Currency: "USD"})
	assert.ErrorIs(t, err, ledger.ErrDuplicateAccount)

	require.NoError(t, store.Close())
	assert.ErrorIs(t, store.Run(context.Background(), []string{"A"}, func(ledger.Tx) error { return nil }), ledger.ErrClosed)
}

func TestConcurrentTransfersConserveMoney(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newStore(t, WithMaxRetries(1000))
	e := procedure.NewEngine(store)

	const cards = 6
	pans := make([]string, cards)
	for i := range pans {
		pans[i] = fmt.Sprintf("%016d", i)
		openCard(t, e, pans[i], 100, model.AccountActive)
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				from, to := pans[(w+i)%cards], pans[(w*2+i+1)%cards]
				err := e.Transfer(ctx, from, to, decimal.NewFromInt(9), "USD")
				if err != nil && !procedure.IsAbort(err) && !errors.Is(err, ledger.ErrConflict) {
					t.Errorf("transfer failed: %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	total := decimal.Zero
	for _, pan := range pans {
		acct, err := e.Account(ctx, pan)
		require.NoError(t, err)
		assert.False(t, acct.Balance.IsNegative(), pan)
		total = total.Add(acct.Balance)

		rows, err := e.Activity(ctx, pan)
		require.NoError(t, err)
		sum := decimal.NewFromInt(100)
		for _, r := range rows {
			sum = sum.Add(r.Amount)
		}
		assert.True(t, sum.Equal(acct.Balance), "%s ledger %s != balance %s", pan, sum, acct.Balance)
	}
	assert.True(t, total.Equal(decimal.NewFromInt(cards*100)), "total = %s", total)
}

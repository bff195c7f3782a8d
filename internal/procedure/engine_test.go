package procedure

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"cardledger/internal/ledger"
	"cardledger/internal/ledger/memstore"
	"cardledger/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func usd(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func newEngine(t *testing.T, opts ...Option) (*Engine, *memstore.Store) {
	t.Helper()
	store := memstore.New(8)
	t.Cleanup(func() { _ = store.Close() })
	return NewEngine(store, opts...), store
}

func openCard(t *testing.T, e *Engine, pan string, balance int64, available int) {
	t.Helper()
	require.NoError(t, e.InsertAccount(context.Background(), model.CardAccount{
		PAN:              pan,
		Available:        available,
		Status:           model.AccountStatusActivated,
		Balance:          usd(balance),
		AvailableBalance: usd(balance),
		Currency:         "USD",
	}))
}

func balanceOf(t *testing.T, e *Engine, pan string) decimal.Decimal {
	t.Helper()
	acct, err := e.Account(context.Background(), pan)
	require.NoError(t, err)
	return acct.Balance
}

func activityOf(t *testing.T, e *Engine, pan string) []model.CardActivity {
	t.Helper()
	rows, err := e.Activity(context.Background(), pan)
	require.NoError(t, err)
	return rows
}

func requireAbort(t *testing.T, err error, code AbortCode) *AbortError {
	t.Helper()
	ae, ok := AsAbort(err)
	require.True(t, ok, "want abort %s, got %v", code, err)
	assert.Equal(t, code, ae.Code)
	return ae
}

func TestTransferSufficientFunds(t *testing.T) {
	e, _ := newEngine(t)
	openCard(t, e, "A", 500, model.AccountActive)
	openCard(t, e, "B", 100, model.AccountActive)

	require.NoError(t, e.Transfer(context.Background(), "A", "B", usd(25), "USD"))

	assert.True(t, balanceOf(t, e, "A").Equal(usd(475)))
	assert.True(t, balanceOf(t, e, "B").Equal(usd(125)))

	acctA, err := e.Account(context.Background(), "A")
	require.NoError(t, err)
	assert.True(t, acctA.AvailableBalance.Equal(usd(475)))

	debits := activityOf(t, e, "A")
	credits := activityOf(t, e, "B")
	require.Len(t, debits, 1)
	require.Len(t, credits, 1)

	d, c := debits[0], credits[0]
	assert.Equal(t, model.ActivityTypeTransfer, d.TxType)
	assert.Equal(t, model.Debit, d.DebitCredit)
	assert.Equal(t, model.Credit, c.DebitCredit)
	assert.True(t, d.Amount.Equal(usd(-25)))
	assert.True(t, c.Amount.Equal(usd(25)))
	assert.True(t, d.Amount.Add(c.Amount).IsZero())
	assert.True(t, d.At.Equal(c.At))
	assert.True(t, acctA.LastActivity.Equal(d.At))
}

func TestTransferInsufficientFunds(t *testing.T) {
	e, _ := newEngine(t)
	openCard(t, e, "A", 10, model.AccountActive)
	openCard(t, e, "B", 0, model.AccountActive)

	err := e.Transfer(context.Background(), "A", "B", usd(25), "USD")
	ae := requireAbort(t, err, CodeInsufficientFunds)
	assert.Equal(t, "A", ae.PAN)
	assert.Contains(t, err.Error(), ReasonInsufficientFunds)

	assert.True(t, balanceOf(t, e, "A").Equal(usd(10)))
	assert.True(t, balanceOf(t, e, "B").IsZero())
	assert.Empty(t, activityOf(t, e, "A"))
	assert.Empty(t, activityOf(t, e, "B"))
}

func TestTransferUnavailableAccounts(t *testing.T) {
	e, _ := newEngine(t)
	openCard(t, e, "rich-but-off", 1_000_000, model.AccountUnavailable)
	openCard(t, e, "on", 500, model.AccountActive)
	openCard(t, e, "off", 500, model.AccountUnavailable)

	err := e.Transfer(context.Background(), "rich-but-off", "on", usd(1), "USD")
	requireAbort(t, err, CodeSourceUnavailable)
	assert.Contains(t, err.Error(), ReasonSourceUnavailable)

	err = e.Transfer(context.Background(), "on", "off", usd(1), "USD")
	ae := requireAbort(t, err, CodeDestinationUnavailable)
	assert.Equal(t, "off", ae.PAN)

	for _, pan := range []string{"rich-but-off", "on", "off"} {
		assert.Empty(t, activityOf(t, e, pan), pan)
	}
	assert.True(t, balanceOf(t, e, "on").Equal(usd(500)))
}

func TestTransferMissingAccounts(t *testing.T) {
	e, _ := newEngine(t)
	openCard(t, e, "A", 500, model.AccountActive)

	requireAbort(t, e.Transfer(context.Background(), "ghost", "A", usd(1), "USD"), CodeSourceNotFound)
	requireAbort(t, e.Transfer(context.Background(), "A", "ghost", usd(1), "USD"), CodeDestinationNotFound)

	// 预先排队的流水不能留下孤儿记录
	assert.Empty(t, activityOf(t, e, "ghost"))
	assert.Empty(t, activityOf(t, e, "A"))
	assert.True(t, balanceOf(t, e, "A").Equal(usd(500)))
}

func TestTransferRejectsNonPositiveAmount(t *testing.T) {
	e, _ := newEngine(t)
	openCard(t, e, "A", 500, model.AccountActive)
	openCard(t, e, "B", 500, model.AccountActive)

	requireAbort(t, e.Transfer(context.Background(), "A", "B", usd(0), "USD"), CodeInvalidAmount)
	requireAbort(t, e.Transfer(context.Background(), "A", "B", usd(-5), "USD"), CodeInvalidAmount)
	assert.Empty(t, activityOf(t, e, "A"))
}

func TestSelfTransferIsBalanceNeutral(t *testing.T) {
	e, _ := newEngine(t)
	openCard(t, e, "A", 100, model.AccountActive)

	require.NoError(t, e.Transfer(context.Background(), "A", "A", usd(40), "USD"))
	assert.True(t, balanceOf(t, e, "A").Equal(usd(100)))
	assert.Len(t, activityOf(t, e, "A"), 2)
}

func TestTransferWritesOutboxEvent(t *testing.T) {
	e, store := newEngine(t, WithTransferEvents("card.transfer"))
	openCard(t, e, "A", 100, model.AccountActive)
	openCard(t, e, "B", 100, model.AccountActive)

	require.NoError(t, e.Transfer(context.Background(), "A", "B", usd(5), "USD"))
	requireAbort(t, e.Transfer(context.Background(), "A", "B", usd(500), "USD"), CodeInsufficientFunds)

	msgs := store.Outbox()
	require.Len(t, msgs, 1)
	assert.Equal(t, "card.transfer", msgs[0].Topic)

	var event model.TransferEvent
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Payload), &event))
	assert.Equal(t, msgs[0].MessageKey, event.TransferNo)
	assert.Equal(t, "A", event.FromPAN)
	assert.Equal(t, "B", event.ToPAN)
	assert.Equal(t, "5", event.Amount)
}

func TestConservationUnderConcurrentTransfers(t *testing.T) {
	e, _ := newEngine(t)

	const cards = 12
	pans := make([]string, cards)
	for i := range pans {
		pans[i] = fmt.Sprintf("%016d", i)
		openCard(t, e, pans[i], 100, model.AccountActive)
	}
	total := usd(100 * cards)

	const workers, perWorker = 16, 150
	var (
		wg        sync.WaitGroup
		committed sync.Map
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(seed))
			for i := 0; i < perWorker; i++ {
				from := pans[rnd.Intn(cards)]
				to := pans[rnd.Intn(cards)]
				amount := usd(int64(1 + rnd.Intn(60)))
				err := e.Transfer(context.Background(), from, to, amount, "USD")
				if err == nil {
					committed.Store(fmt.Sprintf("%d-%d", seed, i), struct{}{})
					continue
				}
				assert.True(t, IsAbort(err), "unexpected failure: %v", err)
			}
		}(int64(w))
	}
	wg.Wait()

	sum := decimal.Zero
	entries := 0
	for _, pan := range pans {
		bal := balanceOf(t, e, pan)
		assert.False(t, bal.IsNegative(), pan)
		sum = sum.Add(bal)

		// 每个账户的余额等于初始值加上自己的流水
		rows := activityOf(t, e, pan)
		entries += len(rows)
		net := decimal.Zero
		for _, r := range rows {
			net = net.Add(r.Amount)
		}
		assert.True(t, bal.Equal(usd(100).Add(net)), pan)
	}
	assert.True(t, sum.Equal(total), "sum=%s want=%s", sum, total)

	n := 0
	committed.Range(func(_, _ any) bool { n++; return true })
	assert.Equal(t, 2*n, entries)
}

func TestAuthorizeAndRedeem(t *testing.T) {
	e, _ := newEngine(t)
	openCard(t, e, "A", 500, model.AccountActive)
	ctx := context.Background()

	require.NoError(t, e.Authorize(ctx, "A", usd(25), "USD"))
	acct, err := e.Account(ctx, "A")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(usd(500)))
	assert.True(t, acct.AvailableBalance.Equal(usd(475)))

	require.NoError(t, e.Redeem(ctx, "A", usd(25), "USD", true))
	acct, err = e.Account(ctx, "A")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(usd(475)))
	assert.True(t, acct.AvailableBalance.Equal(usd(475)))

	require.NoError(t, e.Redeem(ctx, "A", usd(75), "USD", false))
	acct, err = e.Account(ctx, "A")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(usd(400)))
	assert.True(t, acct.AvailableBalance.Equal(usd(400)))

	rows := activityOf(t, e, "A")
	require.Len(t, rows, 3)
	assert.Equal(t, model.ActivityTypeAuthorize, rows[0].TxType)
	assert.Equal(t, model.ActivityTypeRedeem, rows[1].TxType)
}

func TestAuthorizeRejections(t *testing.T) {
	e, _ := newEngine(t)
	openCard(t, e, "A", 20, model.AccountActive)
	openCard(t, e, "off", 500, model.AccountUnavailable)
	ctx := context.Background()

	requireAbort(t, e.Authorize(ctx, "A", usd(25), "USD"), CodeInsufficientFunds)
	requireAbort(t, e.Authorize(ctx, "off", usd(1), "USD"), CodeAccountUnavailable)
	requireAbort(t, e.Authorize(ctx, "ghost", usd(1), "USD"), CodeAccountNotFound)
	requireAbort(t, e.Redeem(ctx, "A", usd(21), "USD", false), CodeInsufficientFunds)
	requireAbort(t, e.Redeem(ctx, "off", usd(1), "USD", true), CodeAccountUnavailable)

	acct, err := e.Account(ctx, "A")
	require.NoError(t, err)
	assert.True(t, acct.AvailableBalance.Equal(usd(20)))
	assert.Empty(t, activityOf(t, e, "A"))
}

func TestInsertAccountDuplicate(t *testing.T) {
	e, _ := newEngine(t)
	openCard(t, e, "A", 1, model.AccountActive)

	err := e.InsertAccount(context.Background(), model.CardAccount{PAN: "A"})
	require.ErrorIs(t, err, ledger.ErrDuplicateAccount)
	assert.False(t, IsAbort(err))
}

func TestAccountNotFound(t *testing.T) {
	e, _ := newEngine(t)
	_, err := e.Account(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrAccountNotFound)
}

package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/agency-ledger/counter"
	"github.com/warp/agency-ledger/ledger"
)

// Set LEDGER_TEST_POSTGRES_DSN to a disposable database to run these.
func newStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("LEDGER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LEDGER_TEST_POSTGRES_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := Connect(ctx, dsn, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	_, err = store.pool.Exec(ctx, `TRUNCATE agent_accounts, vendor_accounts, office_accounts,
		entry_counts, archives RESTART IDENTITY; UPDATE global_counter SET value = 0`)
	require.NoError(t, err)
	return store
}

func TestPostgres_LedgerScenario(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	svc := ledger.NewService(ledger.Deps{Store: store})

	amount := func(s string) decimal.NullDecimal {
		return decimal.NewNullDecimal(decimal.RequireFromString(s))
	}

	e1, err := svc.CreateEntry(ctx, ledger.CreateInput{Kind: ledger.KindOffice, AccountKey: "BankA", Credit: amount("1000")})
	require.NoError(t, err)
	e2, err := svc.CreateEntry(ctx, ledger.CreateInput{Kind: ledger.KindOffice, AccountKey: "BankA", Debit: amount("300")})
	require.NoError(t, err)

	_, err = svc.UpdateEntry(ctx, ledger.UpdateInput{Kind: ledger.KindOffice, ID: e1.ID, Credit: amount("1500")})
	require.NoError(t, err)
	got, err := svc.GetEntry(ctx, ledger.KindOffice, e2.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(1200)), got.Balance.String())
	assert.False(t, got.Credit.Valid)

	_, err = svc.DeleteEntry(ctx, ledger.DeleteInput{Kind: ledger.KindOffice, ID: e1.ID})
	require.NoError(t, err)
	got, err = svc.GetEntry(ctx, ledger.KindOffice, e2.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(-300)), got.Balance.String())

	accounts, err := store.Accounts(ctx, ledger.KindOffice)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, 1, accounts[0].Entries)
}

func TestPostgres_ConcurrentCounters(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	tr := counter.NewTracker(store, nil, nil)
	require.NoError(t, tr.EnsureInitialized(ctx, counter.AllFormTypes()))

	done := make(chan error)
	for _, ft := range []string{"ticket", "umrah", "visa", "gamca"} {
		go func(ft string) {
			var err error
			for n := int64(1); n <= 10 && err == nil; n++ {
				_, err = tr.Increment(ctx, ft, n)
			}
			done <- err
		}(ft)
	}
	for i := 0; i < 4; i++ {
		assert.NoError(t, <-done)
	}

	state, err := tr.Get(ctx, "ticket")
	require.NoError(t, err)
	assert.Equal(t, int64(40), state.GlobalCount)
}

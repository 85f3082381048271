package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/agency-ledger/ledger"
)

func credit(key, amount string) ledger.Entry {
	d := decimal.RequireFromString(amount)
	return ledger.Entry{Kind: ledger.KindAgent, AccountKey: key, Credit: decimal.NewNullDecimal(d), Balance: d}
}

func TestMemory_IDsIncreasePerKind(t *testing.T) {
	m := New()
	ctx := context.Background()

	a1, err := m.Insert(ctx, credit("A", "1"))
	require.NoError(t, err)
	a2, err := m.Insert(ctx, credit("A", "1"))
	require.NoError(t, err)
	v := credit("A", "1")
	v.Kind = ledger.KindVendor
	v1, err := m.Insert(ctx, v)
	require.NoError(t, err)

	assert.Equal(t, ledger.EntryID(1), a1.ID)
	assert.Equal(t, ledger.EntryID(2), a2.ID)
	assert.Equal(t, ledger.EntryID(1), v1.ID)
}

func TestMemory_DeleteKeepsOrder(t *testing.T) {
	m := New()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := m.Insert(ctx, credit("A", "1"))
		require.NoError(t, err)
	}
	require.NoError(t, m.Delete(ctx, ledger.KindAgent, 2))
	assert.ErrorIs(t, m.Delete(ctx, ledger.KindAgent, 2), ledger.ErrNotFound)

	chain, err := m.LoadAccount(ctx, ledger.KindAgent, "A")
	require.NoError(t, err)
	var ids []ledger.EntryID
	for _, e := range chain {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []ledger.EntryID{1, 3, 4}, ids)

	got, err := m.Get(ctx, ledger.KindAgent, 3)
	require.NoError(t, err)
	require.NotNil(t, got)
	missing, err := m.Get(ctx, ledger.KindAgent, 2)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMemory_ListPaging(t *testing.T) {
	m := New()
	ctx := context.Background()
	for _, key := range []string{"A", "B", "A", "A"} {
		_, err := m.Insert(ctx, credit(key, "1"))
		require.NoError(t, err)
	}

	page, err := m.List(ctx, ledger.KindAgent, ledger.Filter{AccountKey: "A", Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, ledger.EntryID(3), page[0].ID)

	beyond, err := m.List(ctx, ledger.KindAgent, ledger.Filter{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, beyond)
}

func TestMemory_WithTxRestoresSnapshot(t *testing.T) {
	m := New()
	ctx := context.Background()
	e, err := m.Insert(ctx, credit("A", "10"))
	require.NoError(t, err)

	boom := errors.New("boom")
	err = m.WithTx(ctx, func(s ledger.Store) error {
		require.NoError(t, s.SetBalance(ctx, ledger.KindAgent, e.ID, decimal.NewFromInt(99)))
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := m.Get(ctx, ledger.KindAgent, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "10", got.Balance.String())
}

func TestMemory_FailAfter(t *testing.T) {
	m := New()
	ctx := context.Background()
	boom := errors.New("boom")

	m.FailAfter("insert", 1, boom)

	_, err := m.Insert(ctx, credit("A", "1"))
	require.NoError(t, err)
	_, err = m.Insert(ctx, credit("A", "1"))
	assert.ErrorIs(t, err, boom)

	m.ClearFaults()
	_, err = m.Insert(ctx, credit("A", "1"))
	assert.NoError(t, err)
}

package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/agency-ledger/archive"
	"github.com/warp/agency-ledger/counter"
	"github.com/warp/agency-ledger/events"
	"github.com/warp/agency-ledger/ledger"
	"github.com/warp/agency-ledger/store/memory"
)

var errBoom = errors.New("boom")

type fixture struct {
	store     *memory.Memory
	svc       *ledger.Service
	tracker   *counter.Tracker
	publisher *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	tracker := counter.NewTracker(store, nil, nil)
	require.NoError(t, tracker.EnsureInitialized(context.Background(), counter.AllFormTypes()))

	rec := &events.Recorder{}
	return &fixture{
		store:     store,
		tracker:   tracker,
		publisher: rec,
		svc: ledger.NewService(ledger.Deps{
			Store:     store,
			Counter:   tracker,
			Archiver:  archive.NewService(store, nil),
			Publisher: rec,
		}),
	}
}

func amount(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

func (f *fixture) create(t *testing.T, kind ledger.Kind, key, credit, debit string) *ledger.Entry {
	t.Helper()
	in := ledger.CreateInput{Kind: kind, AccountKey: key}
	if credit != "" {
		in.Credit = amount(credit)
	}
	if debit != "" {
		in.Debit = amount(debit)
	}
	e, err := f.svc.CreateEntry(context.Background(), in)
	require.NoError(t, err)
	return e
}

// assertChain checks that stored balances equal a full replay of the account.
func (f *fixture) assertChain(t *testing.T, kind ledger.Kind, key string) []ledger.Entry {
	t.Helper()
	stored, err := f.store.LoadAccount(context.Background(), kind, key)
	require.NoError(t, err)
	for i, want := range ledger.Replay(stored) {
		assert.True(t, want.Balance.Equal(stored[i].Balance),
			"entry %d: stored %s, replay %s", stored[i].ID, stored[i].Balance, want.Balance)
	}
	return stored
}

func balanceOf(t *testing.T, f *fixture, kind ledger.Kind, id ledger.EntryID) string {
	t.Helper()
	e, err := f.svc.GetEntry(context.Background(), kind, id)
	require.NoError(t, err)
	return e.Balance.String()
}

// =============================================================================
// END-TO-END
// =============================================================================

func TestBankAccountScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// GIVEN: an empty office account "BankA"
	e1 := f.create(t, ledger.KindOffice, "BankA", "1000", "")
	assert.Equal(t, "1000", e1.Balance.String())

	e2 := f.create(t, ledger.KindOffice, "BankA", "", "300")
	assert.Equal(t, "700", e2.Balance.String())

	// WHEN: entry 1 is raised to 1500
	updated, err := f.svc.UpdateEntry(ctx, ledger.UpdateInput{
		Kind: ledger.KindOffice, ID: e1.ID, Credit: amount("1500"),
	})
	require.NoError(t, err)

	// THEN: the whole chain moves
	assert.Equal(t, "1500", updated.Balance.String())
	assert.Equal(t, "1200", balanceOf(t, f, ledger.KindOffice, e2.ID))

	// WHEN: entry 1 is deleted
	deleted, err := f.svc.DeleteEntry(ctx, ledger.DeleteInput{Kind: ledger.KindOffice, ID: e1.ID, Actor: "clerk"})
	require.NoError(t, err)
	assert.True(t, deleted.Recomputed)
	assert.NotEmpty(t, deleted.ArchiveID)

	// THEN: the remaining debit stands on an empty baseline
	assert.Equal(t, "-300", balanceOf(t, f, ledger.KindOffice, e2.ID))
	f.assertChain(t, ledger.KindOffice, "BankA")
}

// =============================================================================
// RUNNING BALANCE
// =============================================================================

func TestCreateEntry_RunningBalance(t *testing.T) {
	f := newFixture(t)

	f.create(t, ledger.KindAgent, "Ali Travels", "500", "")
	f.create(t, ledger.KindAgent, "Ali Travels", "", "120.50")
	last := f.create(t, ledger.KindAgent, "Ali Travels", "20.50", "")

	assert.Equal(t, "400", last.Balance.String())
	f.assertChain(t, ledger.KindAgent, "Ali Travels")
}

func TestCreateEntry_AccountsAreIndependent(t *testing.T) {
	f := newFixture(t)

	f.create(t, ledger.KindVendor, "PIA", "1000", "")
	other := f.create(t, ledger.KindVendor, "Emirates", "", "50")
	sameNameOtherKind := f.create(t, ledger.KindAgent, "PIA", "", "10")

	assert.Equal(t, "-50", other.Balance.String())
	assert.Equal(t, "-10", sameNameOtherKind.Balance.String())
}

func TestCreateEntry_OpeningBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.create(t, ledger.KindOffice, "HBL", "100", "")
	open, err := f.svc.CreateEntry(ctx, ledger.CreateInput{
		Kind: ledger.KindOffice, AccountKey: "HBL", Opening: amount("2500"),
	})
	require.NoError(t, err)
	assert.Equal(t, "2500", open.Balance.String())

	after := f.create(t, ledger.KindOffice, "HBL", "", "500")
	assert.Equal(t, "2000", after.Balance.String())
	f.assertChain(t, ledger.KindOffice, "HBL")
}

func TestCreateEntry_TrimsAccountKey(t *testing.T) {
	f := newFixture(t)

	f.create(t, ledger.KindAgent, "  Zam Zam ", "10", "")
	second := f.create(t, ledger.KindAgent, "Zam Zam", "5", "")

	assert.Equal(t, "Zam Zam", second.AccountKey)
	assert.Equal(t, "15", second.Balance.String())
}

func TestUpdateEntry_ConvergesToReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []ledger.EntryID
	for i := 1; i <= 6; i++ {
		e := f.create(t, ledger.KindVendor, "Saudia", fmt.Sprintf("%d", i*100), "")
		ids = append(ids, e.ID)
	}

	// WHEN: a middle entry flips from credit to debit
	_, err := f.svc.UpdateEntry(ctx, ledger.UpdateInput{
		Kind: ledger.KindVendor, ID: ids[2], Debit: amount("50"),
	})
	require.NoError(t, err)

	// THEN: stored balances match a full replay
	stored := f.assertChain(t, ledger.KindVendor, "Saudia")
	assert.Equal(t, "1750", stored[len(stored)-1].Balance.String())
}

func TestUpdateEntry_DateEditDoesNotReorder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.create(t, ledger.KindAgent, "Hajj Co", "100", "")
	second := f.create(t, ledger.KindAgent, "Hajj Co", "", "30")

	// WHEN: the second entry is back-dated before the first
	earlier := first.Date.AddDate(-1, 0, 0)
	_, err := f.svc.UpdateEntry(ctx, ledger.UpdateInput{
		Kind: ledger.KindAgent, ID: second.ID, Debit: amount("30"), Date: &earlier,
	})
	require.NoError(t, err)

	// THEN: ordering still follows id
	assert.Equal(t, "100", balanceOf(t, f, ledger.KindAgent, first.ID))
	assert.Equal(t, "70", balanceOf(t, f, ledger.KindAgent, second.ID))
}

func TestUpdateEntry_MoveToAnotherAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a1 := f.create(t, ledger.KindAgent, "A", "100", "")
	moved := f.create(t, ledger.KindAgent, "A", "50", "")
	a3 := f.create(t, ledger.KindAgent, "A", "", "20")
	b1 := f.create(t, ledger.KindAgent, "B", "1000", "")

	newKey := "B"
	got, err := f.svc.UpdateEntry(ctx, ledger.UpdateInput{
		Kind: ledger.KindAgent, ID: moved.ID, AccountKey: &newKey, Credit: amount("50"),
	})
	require.NoError(t, err)

	// THEN: both accounts are recomputed, and the moved entry keeps its
	// place by id in the new account
	assert.Equal(t, "50", got.Balance.String())
	assert.Equal(t, "1050", balanceOf(t, f, ledger.KindAgent, b1.ID))
	assert.Equal(t, "100", balanceOf(t, f, ledger.KindAgent, a1.ID))
	assert.Equal(t, "80", balanceOf(t, f, ledger.KindAgent, a3.ID))
	f.assertChain(t, ledger.KindAgent, "A")
	f.assertChain(t, ledger.KindAgent, "B")
}

func TestDeleteEntry_RecomputesRemaining(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.create(t, ledger.KindVendor, "Qatar", "300", "")
	mid := f.create(t, ledger.KindVendor, "Qatar", "", "100")
	last := f.create(t, ledger.KindVendor, "Qatar", "40", "")

	_, err := f.svc.DeleteEntry(ctx, ledger.DeleteInput{Kind: ledger.KindVendor, ID: mid.ID})
	require.NoError(t, err)

	assert.Equal(t, "340", balanceOf(t, f, ledger.KindVendor, last.ID))
	f.assertChain(t, ledger.KindVendor, "Qatar")
}

// =============================================================================
// VALIDATION & NOT FOUND
// =============================================================================

func TestCreateEntry_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   ledger.CreateInput
	}{
		{"both credit and debit", ledger.CreateInput{Kind: ledger.KindAgent, AccountKey: "X", Credit: amount("1"), Debit: amount("1")}},
		{"neither credit nor debit", ledger.CreateInput{Kind: ledger.KindAgent, AccountKey: "X"}},
		{"negative credit", ledger.CreateInput{Kind: ledger.KindAgent, AccountKey: "X", Credit: amount("-5")}},
		{"missing account", ledger.CreateInput{Kind: ledger.KindAgent, AccountKey: "  ", Credit: amount("5")}},
		{"unknown kind", ledger.CreateInput{Kind: "customer", AccountKey: "X", Credit: amount("5")}},
		{"malformed label", ledger.CreateInput{Kind: ledger.KindAgent, AccountKey: "X", Credit: amount("5"), EntryLabel: "twelve"}},
		{"sub-cent credit", ledger.CreateInput{Kind: ledger.KindAgent, AccountKey: "X", Credit: amount("0.001")}},
		{"sub-cent debit", ledger.CreateInput{Kind: ledger.KindAgent, AccountKey: "X", Debit: amount("10.125")}},
		{"sub-cent opening", ledger.CreateInput{Kind: ledger.KindAgent, AccountKey: "X", Opening: amount("99.999")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateEntry(ctx, tt.in)
			assert.True(t, ledger.IsClientError(err), "got %v", err)
			assert.Equal(t, 400, ledger.Failure(err).Code)
		})
	}

	// Nothing was written.
	entries, err := f.svc.ListEntries(ctx, ledger.KindAgent, ledger.Filter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUpdateEntry_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.UpdateEntry(context.Background(), ledger.UpdateInput{
		Kind: ledger.KindAgent, ID: 42, Credit: amount("1"),
	})

	assert.True(t, ledger.IsNotFound(err))
	assert.Equal(t, 404, ledger.Failure(err).Code)
}

func TestUpdateEntry_InvalidAmountsLeaveRowUntouched(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, ledger.KindAgent, "A", "100", "")

	_, err := f.svc.UpdateEntry(context.Background(), ledger.UpdateInput{
		Kind: ledger.KindAgent, ID: e.ID, Credit: amount("10"), Debit: amount("10"),
	})

	assert.True(t, ledger.IsClientError(err))
	assert.Equal(t, "100", balanceOf(t, f, ledger.KindAgent, e.ID))
}

func TestDeleteEntry_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.DeleteEntry(context.Background(), ledger.DeleteInput{Kind: ledger.KindVendor, ID: 7})

	assert.True(t, ledger.IsNotFound(err))
}

// =============================================================================
// FAILURE HANDLING
// =============================================================================

func TestCreateEntry_RecomputeFailureKeepsInsert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// GIVEN: recompute cannot load the account
	f.store.FailAfter("load", 0, errBoom)

	_, err := f.svc.CreateEntry(ctx, ledger.CreateInput{
		Kind: ledger.KindAgent, AccountKey: "A", Credit: amount("10"),
	})

	// THEN: the failure is a storage error carrying the committed row
	require.ErrorIs(t, err, ledger.ErrStorage)
	res := ledger.Failure(err)
	assert.Equal(t, 500, res.Code)
	written, ok := res.Data.(*ledger.Entry)
	require.True(t, ok)
	assert.NotZero(t, written.ID)

	f.store.ClearFaults()
	entries, err := f.svc.ListEntries(ctx, ledger.KindAgent, ledger.Filter{AccountKey: "A"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRecompute_RollsBackOnFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e1 := f.create(t, ledger.KindOffice, "Meezan", "100", "")
	e2 := f.create(t, ledger.KindOffice, "Meezan", "50", "")

	// GIVEN: corrupted stored balances
	require.NoError(t, f.store.SetBalance(ctx, ledger.KindOffice, e1.ID, decimal.NewFromInt(999)))
	require.NoError(t, f.store.SetBalance(ctx, ledger.KindOffice, e2.ID, decimal.NewFromInt(999)))

	// WHEN: the replay fails on its second write
	f.store.FailAfter("set_balance", 1, errBoom)
	err := f.svc.Recompute(ctx, ledger.KindOffice, "Meezan")
	require.ErrorIs(t, err, errBoom)
	f.store.ClearFaults()

	// THEN: the first write was rolled back too
	assert.Equal(t, "999", balanceOf(t, f, ledger.KindOffice, e1.ID))
	assert.Equal(t, "999", balanceOf(t, f, ledger.KindOffice, e2.ID))

	// AND: a later recompute repairs the chain
	require.NoError(t, f.svc.Recompute(ctx, ledger.KindOffice, "Meezan"))
	assert.Equal(t, "100", balanceOf(t, f, ledger.KindOffice, e1.ID))
	assert.Equal(t, "150", balanceOf(t, f, ledger.KindOffice, e2.ID))
}

func TestRecompute_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.create(t, ledger.KindVendor, "V", "10", "")
	f.create(t, ledger.KindVendor, "V", "", "3")

	require.NoError(t, f.svc.Recompute(ctx, ledger.KindVendor, "V"))
	first := f.assertChain(t, ledger.KindVendor, "V")

	// A second replay writes nothing.
	f.store.FailAfter("set_balance", 0, errBoom)
	require.NoError(t, f.svc.Recompute(ctx, ledger.KindVendor, "V"))
	f.store.ClearFaults()

	second := f.assertChain(t, ledger.KindVendor, "V")
	assert.Equal(t, first, second)
}

func TestRecomputeAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.create(t, ledger.KindAgent, "A", "10", "")
	b := f.create(t, ledger.KindAgent, "B", "20", "")
	require.NoError(t, f.store.SetBalance(ctx, ledger.KindAgent, a.ID, decimal.Zero))
	require.NoError(t, f.store.SetBalance(ctx, ledger.KindAgent, b.ID, decimal.Zero))

	n, err := f.svc.RecomputeAll(ctx, ledger.KindAgent)
	require.NoError(t, err)

	assert.Equal(t, 2, n)
	assert.Equal(t, "10", balanceOf(t, f, ledger.KindAgent, a.ID))
	assert.Equal(t, "20", balanceOf(t, f, ledger.KindAgent, b.ID))
}

type failingCounter struct{}

func (failingCounter) Increment(context.Context, string, int64) (counter.FormCount, error) {
	return counter.FormCount{}, errBoom
}

func TestCreateEntry_CounterFailureIsNotFatal(t *testing.T) {
	store := memory.New()
	svc := ledger.NewService(ledger.Deps{Store: store, Counter: failingCounter{}})

	e, err := svc.CreateEntry(context.Background(), ledger.CreateInput{
		Kind: ledger.KindAgent, AccountKey: "A", Credit: amount("10"), EntryLabel: "3/10",
	})

	require.NoError(t, err)
	assert.Equal(t, "3/10", e.EntryLabel)
}

func TestCreateEntry_AdvancesCounter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateEntry(ctx, ledger.CreateInput{
		Kind: ledger.KindVendor, AccountKey: "V", Credit: amount("10"), EntryLabel: "7/20",
	})
	require.NoError(t, err)

	state, err := f.tracker.Get(ctx, "vendor")
	require.NoError(t, err)
	assert.Equal(t, int64(7), state.CurrentCount)
	assert.Equal(t, int64(1), state.GlobalCount)
}

func TestCreateEntry_EmptyLabelLeavesCounter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.create(t, ledger.KindAgent, "A", "10", "")

	state, err := f.tracker.Get(ctx, "agent")
	require.NoError(t, err)
	assert.Zero(t, state.CurrentCount)
	assert.Zero(t, state.GlobalCount)
}

func TestDeleteEntry_ArchiveFailureAbortsDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.create(t, ledger.KindAgent, "A", "10", "")

	f.store.FailAfter("archive", 0, errBoom)
	_, err := f.svc.DeleteEntry(ctx, ledger.DeleteInput{Kind: ledger.KindAgent, ID: e.ID})
	f.store.ClearFaults()

	require.ErrorIs(t, err, ledger.ErrStorage)
	_, err = f.svc.GetEntry(ctx, ledger.KindAgent, e.ID)
	assert.NoError(t, err)
}

func TestDeleteEntry_ArchivesSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.create(t, ledger.KindVendor, "V", "10", "")

	_, err := f.svc.DeleteEntry(ctx, ledger.DeleteInput{Kind: ledger.KindVendor, ID: e.ID, Actor: "amina"})
	require.NoError(t, err)

	records, err := f.store.ListArchives(ctx, "vendor_accounts")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, fmt.Sprint(e.ID), records[0].RecordID)
	assert.Equal(t, "amina", records[0].ArchivedBy)
	assert.Contains(t, string(records[0].Data), `"account_key":"V"`)
}

// =============================================================================
// EVENTS & CONCURRENCY
// =============================================================================

func TestMutations_PublishEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e := f.create(t, ledger.KindAgent, "A", "10", "")
	_, err := f.svc.UpdateEntry(ctx, ledger.UpdateInput{Kind: ledger.KindAgent, ID: e.ID, Credit: amount("15")})
	require.NoError(t, err)
	_, err = f.svc.DeleteEntry(ctx, ledger.DeleteInput{Kind: ledger.KindAgent, ID: e.ID})
	require.NoError(t, err)

	var types []events.Type
	for _, ev := range f.publisher.Events() {
		types = append(types, ev.Type)
		assert.NotEmpty(t, ev.ID)
		assert.Equal(t, "A", ev.AccountKey)
	}
	assert.Equal(t, []events.Type{events.EntryCreated, events.EntryUpdated, events.EntryDeleted}, types)
}

func TestMutations_PublishFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.publisher.Err = errBoom

	e := f.create(t, ledger.KindAgent, "A", "10", "")
	assert.Equal(t, "10", e.Balance.String())
}

func TestCreateEntry_ConcurrentSameAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.CreateEntry(ctx, ledger.CreateInput{
				Kind: ledger.KindAgent, AccountKey: "busy", Credit: amount("1"),
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored := f.assertChain(t, ledger.KindAgent, "busy")
	require.Len(t, stored, 50)
	assert.Equal(t, "50", stored[49].Balance.String())
}

func TestAccounts(t *testing.T) {
	f := newFixture(t)

	f.create(t, ledger.KindVendor, "B", "10", "")
	f.create(t, ledger.KindVendor, "A", "5", "")
	f.create(t, ledger.KindVendor, "B", "", "4")

	accounts, err := f.svc.Accounts(context.Background(), ledger.KindVendor)
	require.NoError(t, err)

	require.Len(t, accounts, 2)
	assert.Equal(t, "A", accounts[0].AccountKey)
	assert.Equal(t, "B", accounts[1].AccountKey)
	assert.Equal(t, 2, accounts[1].Entries)
	assert.Equal(t, "6", accounts[1].Balance.String())
}

func TestCreateEntry_TrailingZerosAreNotExtraPrecision(t *testing.T) {
	f := newFixture(t)

	e := f.create(t, ledger.KindAgent, "X", "1.500", "")

	assert.Equal(t, "1.5", e.Balance.String())
}

// =============================================================================
// CONCURRENT MOVES
// =============================================================================

// movingStore relocates one entry to another account right after the first
// read of it, the way a concurrent update landing in between would.
type movingStore struct {
	*memory.Memory
	id   ledger.EntryID
	to   string
	once sync.Once
}

func (m *movingStore) Get(ctx context.Context, kind ledger.Kind, id ledger.EntryID) (*ledger.Entry, error) {
	e, err := m.Memory.Get(ctx, kind, id)
	if err != nil || e == nil || id != m.id {
		return e, err
	}
	m.once.Do(func() {
		moved := *e
		moved.AccountKey = m.to
		err = m.Memory.Update(ctx, moved)
	})
	return e, err
}

func TestUpdateEntry_FollowsConcurrentMove(t *testing.T) {
	mem := memory.New()
	ctx := context.Background()

	// GIVEN: an entry in account "A"
	seed := ledger.NewService(ledger.Deps{Store: mem})
	e, err := seed.CreateEntry(ctx, ledger.CreateInput{Kind: ledger.KindAgent, AccountKey: "A", Credit: amount("100")})
	require.NoError(t, err)

	// AND: another writer moves it to "C" just after our first read
	store := &movingStore{Memory: mem, id: e.ID, to: "C"}
	svc := ledger.NewService(ledger.Deps{Store: store})

	// WHEN: an amount-only update runs
	got, err := svc.UpdateEntry(ctx, ledger.UpdateInput{Kind: ledger.KindAgent, ID: e.ID, Credit: amount("150")})
	require.NoError(t, err)

	// THEN: the entry stays where the other writer put it
	assert.Equal(t, "C", got.AccountKey)
	assert.Equal(t, "150", got.Balance.String())

	stored, err := mem.Get(ctx, ledger.KindAgent, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "C", stored.AccountKey)
}

// =============================================================================
// SLOW PUBLISHER
// =============================================================================

// stallingPublisher blocks its first Publish until release is closed.
type stallingPublisher struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *stallingPublisher) Publish(context.Context, events.EntryEvent) error {
	first := false
	p.once.Do(func() { first = true })
	if first {
		close(p.entered)
		<-p.release
	}
	return nil
}

func (p *stallingPublisher) Close() error { return nil }

func TestCreateEntry_SlowPublishDoesNotBlockAccount(t *testing.T) {
	pub := &stallingPublisher{entered: make(chan struct{}), release: make(chan struct{})}
	svc := ledger.NewService(ledger.Deps{Store: memory.New(), Publisher: pub})
	ctx := context.Background()

	// GIVEN: a create whose event publish hangs
	firstDone := make(chan error, 1)
	go func() {
		_, err := svc.CreateEntry(ctx, ledger.CreateInput{Kind: ledger.KindAgent, AccountKey: "A", Credit: amount("10")})
		firstDone <- err
	}()
	select {
	case <-pub.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first create never reached publish")
	}

	// WHEN: a second create on the same account runs
	secondDone := make(chan error, 1)
	go func() {
		_, err := svc.CreateEntry(ctx, ledger.CreateInput{Kind: ledger.KindAgent, AccountKey: "A", Credit: amount("5")})
		secondDone <- err
	}()

	// THEN: it completes while the first publish is still pending
	select {
	case err := <-secondDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("second create waited on the first create's publish")
	}

	close(pub.release)
	require.NoError(t, <-firstDone)
}

// =============================================================================
// DELETE FAILURE
// =============================================================================

func TestDeleteEntry_FailedDeleteDiscardsArchive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e := f.create(t, ledger.KindOffice, "HBL", "100", "")
	f.store.FailAfter("delete", 0, errBoom)

	_, err := f.svc.DeleteEntry(ctx, ledger.DeleteInput{Kind: ledger.KindOffice, ID: e.ID})
	require.Error(t, err)
	assert.Equal(t, 500, ledger.Failure(err).Code)

	// THEN: the row is still there and no snapshot points at it
	f.store.ClearFaults()
	still, err := f.svc.GetEntry(ctx, ledger.KindOffice, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.ID, still.ID)

	records, err := f.store.ListArchives(ctx, "office_accounts")
	require.NoError(t, err)
	assert.Empty(t, records)
}

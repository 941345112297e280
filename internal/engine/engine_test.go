package engine_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"liblending/internal/directory"
	"liblending/internal/engine"
	"liblending/internal/model"
	"liblending/internal/store"
)

// fakeClock is a settable Clock for deterministic due dates and expiries.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memRecorder collects audit events for assertions.
type memRecorder struct {
	mu     sync.Mutex
	events []model.AuditEvent
}

func (r *memRecorder) Record(_ context.Context, event model.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *memRecorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

type testEnv struct {
	eng   *engine.Engine
	store *store.Memory
	clock *fakeClock
	audit *memRecorder
	dir   *directory.Static
}

func testConfig() engine.Config {
	return engine.Config{
		LoanPeriod:     14 * 24 * time.Hour,
		DailyFineRate:  5,
		ReservationTTL: 3 * 24 * time.Hour,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithConfig(t, testConfig())
}

func newTestEnvWithConfig(t *testing.T, cfg engine.Config) *testEnv {
	t.Helper()
	env := &testEnv{
		store: store.NewMemory(),
		clock: newFakeClock(),
		audit: &memRecorder{},
		dir:   &directory.Static{AllowAll: true},
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	var err error
	env.eng, err = engine.New(context.Background(), cfg, env.store, env.dir, env.audit, env.clock, log)
	require.NoError(t, err)
	return env
}

// addBook registers a title through the catalog entry point.
func (env *testEnv) addBook(t *testing.T, bookID string, copies int) {
	t.Helper()
	_, err := env.eng.SyncBook(context.Background(), bookID, "Test Title "+bookID, copies)
	require.NoError(t, err)
}

// borrow runs request+approve for one user, failing the test on any error.
func (env *testEnv) borrow(t *testing.T, userID, bookID string) model.BorrowRecord {
	t.Helper()
	rec, err := env.eng.Request(context.Background(), userID, bookID)
	require.NoError(t, err)
	rec, err = env.eng.Approve(context.Background(), rec.ID)
	require.NoError(t, err)
	return rec
}

// requireConserved asserts the conservation invariant for a book given the
// users who may hold it.
func (env *testEnv) requireConserved(t *testing.T, bookID string, users ...string) {
	t.Helper()
	book, err := env.eng.Book(bookID)
	require.NoError(t, err)

	checkedOut := 0
	for _, u := range users {
		for _, rec := range env.eng.UserBorrows(u, true) {
			if rec.BookID == bookID && rec.Status.CheckedOut() {
				checkedOut++
			}
		}
	}
	require.Equal(t, book.TotalCopies, book.AvailableCopies+checkedOut,
		"available + checked out must equal total for book %s", bookID)
}

func TestEngineHydration(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addBook(t, "b1", 2)
	env.addBook(t, "b2", 1)

	rec := env.borrow(t, "alice", "b1")
	env.borrow(t, "bob", "b2")

	// Queue up carol behind bob's copy of b2.
	res, err := env.eng.Reserve(ctx, "carol", "b2")
	require.NoError(t, err)

	// A second engine over the same store must see identical state.
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reborn, err := engine.New(ctx, testConfig(), env.store, env.dir, env.audit, env.clock, log)
	require.NoError(t, err)

	book, err := reborn.Book("b1")
	require.NoError(t, err)
	require.Equal(t, 1, book.AvailableCopies)

	got, err := reborn.Borrow(rec.ID)
	require.NoError(t, err)
	require.Equal(t, model.BorrowActive, got.Status)

	queue, err := reborn.BookQueue("b2")
	require.NoError(t, err)
	require.Len(t, queue, 1)
	require.Equal(t, res.ID, queue[0].ID)

	// The duplicate-borrow index also survives the restart.
	_, err = reborn.Request(ctx, "alice", "b1")
	require.ErrorIs(t, err, engine.ErrDuplicateActiveBorrow)
}

func TestBooksOrderedByID(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"c", "a", "b"} {
		env.addBook(t, id, 1)
	}

	books := env.eng.Books()
	require.Len(t, books, 3)
	for i, want := range []string{"a", "b", "c"} {
		require.Equal(t, want, books[i].ID)
	}
}

func TestReturnLegacyRecordWithoutDueDate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addBook(t, "b1", 1)

	// An ACTIVE row without a due date can only come from hand-edited or
	// legacy storage. The return path must refuse it, not panic.
	legacy := model.BorrowRecord{
		ID:          "legacy-1",
		UserID:      "alice",
		BookID:      "b1",
		Status:      model.BorrowActive,
		RequestedAt: env.clock.Now(),
	}
	require.NoError(t, env.store.Transact(ctx, func(tx store.Tx) error {
		return tx.InsertBorrow(ctx, &legacy)
	}))

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reborn, err := engine.New(ctx, testConfig(), env.store, env.dir, env.audit, env.clock, log)
	require.NoError(t, err)

	_, err = reborn.Return(ctx, legacy.ID)
	require.ErrorIs(t, err, engine.ErrInvalidState)
}

func TestHydrationCorrectsDriftedCounts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addBook(t, "b1", 3)
	env.borrow(t, "alice", "b1")

	// Corrupt the stored available count behind the engine's back.
	require.NoError(t, env.store.Transact(ctx, func(tx store.Tx) error {
		return tx.SetAvailableCopies(ctx, "b1", 3)
	}))

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reborn, err := engine.New(ctx, testConfig(), env.store, env.dir, env.audit, env.clock, log)
	require.NoError(t, err)

	available, err := reborn.Available("b1")
	require.NoError(t, err)
	require.Equal(t, 2, available)
}

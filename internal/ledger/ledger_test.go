package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"math/rand"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/require"

	"github.com/and161185/nutkeeper/internal/crypto/clientcrypto"
	"github.com/and161185/nutkeeper/internal/errs"
	"github.com/and161185/nutkeeper/internal/identity"
	"github.com/and161185/nutkeeper/internal/mint"
	"github.com/and161185/nutkeeper/internal/model"
	"github.com/and161185/nutkeeper/internal/records"
	"github.com/and161185/nutkeeper/internal/recovery"
	"github.com/and161185/nutkeeper/internal/repository/memory"
	"github.com/and161185/nutkeeper/internal/tokens"
)

const (
	mintA = "https://a.mint.test"
	mintB = "https://b.mint.test"
)

func fakeProofs(t *testing.T, amounts ...uint64) model.Proofs {
	t.Helper()
	out := make(model.Proofs, len(amounts))
	for i, a := range amounts {
		b, err := clientcrypto.Rand(16)
		require.NoError(t, err)
		out[i] = model.Proof{Amount: a, Id: "00aabbccddeeff00", Secret: hex.EncodeToString(b), C: "02" + hex.EncodeToString(b)}
	}
	return out
}

type fakeChecker struct {
	mu    sync.Mutex
	spent map[string]bool
	err   error
}

func (c *fakeChecker) markSpent(ps model.Proofs) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range ps {
		c.spent[p.Secret] = true
	}
}

func (c *fakeChecker) CheckSpent(_ context.Context, ps model.Proofs) ([]model.ProofState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	out := make([]model.ProofState, len(ps))
	for i, p := range ps {
		out[i] = model.ProofUnspent
		if c.spent[p.Secret] {
			out[i] = model.ProofSpent
		}
	}
	return out, nil
}

type fixture struct {
	store   *memory.Faulty
	tokens  *tokens.Manager
	checker *fakeChecker
	ledger  *Ledger

	mu     sync.Mutex
	events []Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kr, err := identity.Generate()
	require.NoError(t, err)
	return newFixtureFor(t, kr, memory.NewFaulty(memory.NewStore()))
}

func newFixtureFor(t *testing.T, kr *identity.Keyring, store *memory.Faulty) *fixture {
	t.Helper()
	rc := records.New(store, kr, nil, records.WithBackoff(func() retry.Backoff {
		return retry.WithMaxRetries(1, retry.NewConstant(time.Millisecond))
	}))
	q, err := recovery.Open(filepath.Join(t.TempDir(), "r.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	f := &fixture{store: store, tokens: tokens.New(rc, q, nil, nil), checker: &fakeChecker{spent: map[string]bool{}}}
	f.ledger = New(f.tokens, func(string) SpentChecker { return f.checker }, WithObserver(func(_ context.Context, e Event) {
		f.mu.Lock()
		f.events = append(f.events, e)
		f.mu.Unlock()
	}))
	return f
}

func (f *fixture) deposit(t *testing.T, mintURL string, ps model.Proofs) {
	t.Helper()
	err := f.ledger.Update(context.Background(), mintURL, func(tx *Tx) error {
		_, err := tx.Commit(Change{Produced: ps, Audit: &Audit{Direction: model.DirectionIn, Amount: model.Sum(ps)}})
		return err
	})
	require.NoError(t, err)
}

// swapSend simulates a send of amount: the selection is swapped at the "mint" into
// change (kept) and a send part (handed out).
func (f *fixture) swapSend(t *testing.T, mintURL string, amount uint64) (model.Proofs, error) {
	t.Helper()
	var sent model.Proofs
	err := f.ledger.Update(context.Background(), mintURL, func(tx *Tx) error {
		sel := tx.Reserve(amount)
		if err := sel.Err(); err != nil {
			return err
		}
		if sel.Exact {
			sent = sel.Selected
			_, err := tx.Commit(Change{Consumed: sel.Selected, RequireLive: true, Audit: &Audit{Direction: model.DirectionOut, Amount: amount}})
			return err
		}
		f.checker.markSpent(sel.Selected)
		keep := fakeProofs(t, mint.SplitAmount(sel.Total()-amount)...)
		sent = fakeProofs(t, mint.SplitAmount(amount)...)
		_, err := tx.Commit(Change{Consumed: sel.Selected, Produced: keep, Audit: &Audit{Direction: model.DirectionOut, Amount: amount}})
		return err
	})
	return sent, err
}

func (f *fixture) liveSecrets(t *testing.T) map[string]int {
	t.Helper()
	recs, err := f.tokens.Load(context.Background())
	require.NoError(t, err)
	out := map[string]int{}
	for _, r := range Rebuild(recs, nil) {
		for _, h := range r.Proofs {
			out[h.Proof.Secret]++
		}
	}
	return out
}

func TestTx_Reserve(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, mintA, fakeProofs(t, 500, 500))

	err := f.ledger.Update(context.Background(), mintA, func(tx *Tx) error {
		sel := tx.Reserve(500)
		require.True(t, sel.Exact)
		require.Len(t, sel.Selected, 1)

		sel = tx.Reserve(300)
		require.False(t, sel.Exact)
		require.Equal(t, uint64(500), sel.Total())

		sel = tx.Reserve(700)
		require.False(t, sel.Exact)
		require.Equal(t, uint64(1000), sel.Total())

		sel = tx.Reserve(1001)
		require.Equal(t, uint64(1), sel.InsufficientBy)
		require.ErrorIs(t, sel.Err(), errs.ErrInsufficientFunds)
		require.Empty(t, sel.Selected)
		return nil
	})
	require.NoError(t, err)
}

func TestTx_ReserveGreedyExact(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, mintA, fakeProofs(t, mint.SplitAmount(1000)...))

	err := f.ledger.Update(context.Background(), mintA, func(tx *Tx) error {
		sel := tx.Reserve(520)
		require.True(t, sel.Exact)
		require.Equal(t, uint64(520), sel.Total())

		sel = tx.Reserve(300)
		require.False(t, sel.Exact)
		require.Greater(t, sel.Total(), uint64(300))
		return nil
	})
	require.NoError(t, err)
}

func TestLedger_ExactChangeSend(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, mintA, fakeProofs(t, 500, 500))

	sent, err := f.swapSend(t, mintA, 300)
	require.NoError(t, err)
	require.Equal(t, uint64(300), model.Sum(sent))
	require.Equal(t, uint64(700), f.ledger.Balance(mintA))
	require.Equal(t, uint64(700), model.Sum(f.ledger.Proofs(mintA)))

	for s, n := range f.liveSecrets(t) {
		require.Equal(t, 1, n, "secret %s listed twice", s)
	}

	// the snapshot is exactly what the records rebuild to
	require.NoError(t, f.ledger.Reconcile(context.Background()))
	require.Equal(t, uint64(700), f.ledger.Balance(mintA))

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.events, 2)
	require.Equal(t, model.DirectionOut, f.events[1].Audit.Direction)
	require.Len(t, f.events[1].Destroyed, 1)
	require.Len(t, f.events[1].Created, 2, "remainder and change")
}

func TestLedger_CommitFailureLeavesSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, mintA, fakeProofs(t, 64, 32))
	v := f.ledger.Version(mintA)

	f.store.OnPublish(func(model.Record) error { return errors.New("relay down") })
	_, err := f.swapSend(t, mintA, 40)
	require.ErrorIs(t, err, errs.ErrFundsNotSaved)
	require.Equal(t, uint64(96), f.ledger.Balance(mintA))
	require.Equal(t, v, f.ledger.Version(mintA))

	// Mint side happened (inputs spent, change parked); recovery restores a consistent view.
	f.store.OnPublish(nil)
	_, err = f.tokens.Replay(ctx)
	require.NoError(t, err)
	require.NoError(t, f.ledger.Reconcile(ctx))
	require.Equal(t, uint64(56), f.ledger.Balance(mintA))
}

func TestLedger_ReconcileDedupsAndHeals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ps := fakeProofs(t, 16, 8)

	// a crash between create and delete leaves a proof in two live records
	_, err := f.tokens.Supersede(ctx, tokens.Request{Mint: mintA, Groups: []model.Proofs{ps}})
	require.NoError(t, err)
	_, err = f.tokens.Supersede(ctx, tokens.Request{Mint: mintA, Groups: []model.Proofs{{ps[0]}}})
	require.NoError(t, err)

	require.NoError(t, f.ledger.Reconcile(ctx))
	require.Equal(t, uint64(24), f.ledger.Balance(mintA))

	recs, err := f.tokens.Load(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1, "duplicate record healed away")
	require.Equal(t, uint64(24), recs[0].Amount())
}

func TestLedger_ReconcilePrunesSpent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ps := fakeProofs(t, 4, 2, 1)
	f.deposit(t, mintA, ps)

	f.checker.markSpent(model.Proofs{ps[0]})
	require.NoError(t, f.ledger.ReconcileMint(ctx, mintA))
	require.Equal(t, uint64(3), f.ledger.Balance(mintA))

	recs, err := f.tokens.Load(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, uint64(3), recs[0].Amount())
}

func TestLedger_ReconcileSpentCheckFailure(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, mintA, fakeProofs(t, 4))
	f.checker.err = errs.ErrNetwork

	err := f.ledger.ReconcileMint(context.Background(), mintA)
	require.ErrorIs(t, err, errs.ErrNetwork)
	require.Equal(t, uint64(4), f.ledger.Balance(mintA))
}

func TestLedger_UpdateReconcilesOnMintRejected(t *testing.T) {
	f := newFixture(t)
	ps := fakeProofs(t, 8, 4)
	f.deposit(t, mintA, ps)

	err := f.ledger.Update(context.Background(), mintA, func(tx *Tx) error {
		// another device spent the 8 behind our back
		f.checker.markSpent(model.Proofs{ps[0]})
		return errs.ErrMintRejected
	})
	require.ErrorIs(t, err, errs.ErrMintRejected)
	require.Equal(t, uint64(4), f.ledger.Balance(mintA))
}

func TestLedger_ExactSendLosesToOtherWriter(t *testing.T) {
	kr, err := identity.Generate()
	require.NoError(t, err)
	store := memory.NewFaulty(memory.NewStore())
	a := newFixtureFor(t, kr, store)
	b := newFixtureFor(t, kr, store)
	ctx := context.Background()

	a.deposit(t, mintA, fakeProofs(t, 500))
	require.NoError(t, b.ledger.Reconcile(ctx))
	require.Equal(t, uint64(500), b.ledger.Balance(mintA))

	_, err = a.swapSend(t, mintA, 500)
	require.NoError(t, err)

	_, err = b.swapSend(t, mintA, 500)
	require.ErrorIs(t, err, errs.ErrVersionConflict)
	require.Equal(t, uint64(0), b.ledger.Balance(mintA))
	require.Equal(t, a.ledger.Balance(mintA), b.ledger.Balance(mintA))
}

func TestLedger_ConcurrentExactSendHasOneWinner(t *testing.T) {
	kr, err := identity.Generate()
	require.NoError(t, err)
	store := memory.NewFaulty(memory.NewStore())
	a := newFixtureFor(t, kr, store)
	b := newFixtureFor(t, kr, store)
	ctx := context.Background()

	a.deposit(t, mintA, fakeProofs(t, 500))
	require.NoError(t, b.ledger.Reconcile(ctx))

	// both writers have checked the record is live before either deletes it
	var arrived atomic.Int32
	release := make(chan struct{})
	store.OnDelete(func(uuid.UUID) error {
		if arrived.Add(1) == 2 {
			close(release)
		}
		select {
		case <-release:
		case <-time.After(5 * time.Second):
		}
		return nil
	})

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, f := range []*fixture{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, results[i] = f.swapSend(t, mintA, 500)
		}()
	}
	wg.Wait()
	store.OnDelete(nil)

	ok, conflict := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, errs.ErrVersionConflict):
			conflict++
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, conflict)
	require.Equal(t, uint64(0), a.ledger.Balance(mintA))
	require.Equal(t, uint64(0), b.ledger.Balance(mintA))
}

func TestLedger_PartialExactSendRestoresProofs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, mintA, fakeProofs(t, 8))
	f.deposit(t, mintA, fakeProofs(t, 4))

	deletes := 0
	f.store.OnDelete(func(uuid.UUID) error {
		deletes++
		if deletes > 1 {
			return errors.New("relay down")
		}
		return nil
	})
	_, err := f.swapSend(t, mintA, 12)
	require.ErrorIs(t, err, errs.ErrNetwork)
	f.store.OnDelete(nil)
	require.Equal(t, uint64(12), f.ledger.Balance(mintA))

	// the proofs of the record deleted before the failure are listed again
	require.NoError(t, f.ledger.Reconcile(ctx))
	require.Equal(t, uint64(12), f.ledger.Balance(mintA))
	for s, n := range f.liveSecrets(t) {
		require.Equal(t, 1, n, "secret %s listed twice", s)
	}
}

func TestLedger_CommitRejectsUnheldProofs(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, mintA, fakeProofs(t, 2))
	err := f.ledger.Update(context.Background(), mintA, func(tx *Tx) error {
		_, err := tx.Commit(Change{Consumed: fakeProofs(t, 2)})
		return err
	})
	require.ErrorIs(t, err, errs.ErrVersionConflict)
	require.Equal(t, uint64(2), f.ledger.Balance(mintA))
}

func TestLedger_SerializesPerMint(t *testing.T) {
	f := newFixture(t)
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.ledger.Update(context.Background(), mintA, func(*Tx) error {
				n := inside.Add(1)
				for {
					m := maxInside.Load()
					if n <= m || maxInside.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				inside.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), maxInside.Load())
}

func TestLedger_UpdateHonoursContextWhileWaiting(t *testing.T) {
	f := newFixture(t)
	hold := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = f.ledger.Update(context.Background(), mintA, func(*Tx) error {
			close(started)
			<-hold
			return nil
		})
	}()
	<-started
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := f.ledger.Update(ctx, mintA, func(*Tx) error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// other mints are independent
	require.NoError(t, f.ledger.Update(context.Background(), mintB, func(*Tx) error { return nil }))
	close(hold)
}

func TestLedger_Conservation(t *testing.T) {
	f := newFixture(t)
	rng := rand.New(rand.NewSource(7))
	expected := map[string]uint64{}

	for i := 0; i < 40; i++ {
		m := mintA
		if rng.Intn(2) == 0 {
			m = mintB
		}
		switch op := rng.Intn(3); {
		case op == 0 || expected[m] == 0:
			amt := uint64(rng.Intn(500) + 1)
			f.deposit(t, m, fakeProofs(t, mint.SplitAmount(amt)...))
			expected[m] += amt
		default:
			amt := uint64(rng.Intn(int(expected[m])) + 1)
			sent, err := f.swapSend(t, m, amt)
			require.NoError(t, err)
			require.Equal(t, amt, model.Sum(sent))
			expected[m] -= amt
		}
		require.Equal(t, expected[m], f.ledger.Balance(m), "step %d", i)
	}

	for s, n := range f.liveSecrets(t) {
		require.Equal(t, 1, n, "secret %s listed twice", s)
	}
	require.NoError(t, f.ledger.Reconcile(context.Background()))
	require.Equal(t, expected[mintA], f.ledger.Balance(mintA))
	require.Equal(t, expected[mintB], f.ledger.Balance(mintB))
	require.Equal(t, []string{mintA, mintB}, f.ledger.Mints())
}

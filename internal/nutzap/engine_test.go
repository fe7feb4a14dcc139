package nutzap_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/nutkeeper/internal/errs"
	"github.com/and161185/nutkeeper/internal/history"
	"github.com/and161185/nutkeeper/internal/identity"
	"github.com/and161185/nutkeeper/internal/ledger"
	"github.com/and161185/nutkeeper/internal/mint"
	"github.com/and161185/nutkeeper/internal/mint/minttest"
	"github.com/and161185/nutkeeper/internal/model"
	"github.com/and161185/nutkeeper/internal/nutzap"
	"github.com/and161185/nutkeeper/internal/records"
	"github.com/and161185/nutkeeper/internal/recovery"
	"github.com/and161185/nutkeeper/internal/repository/memory"
	"github.com/and161185/nutkeeper/internal/tokens"
	"github.com/and161185/nutkeeper/internal/transfer"
)

type party struct {
	kr      *identity.Keyring
	lock    *mint.P2PKKey
	ledger  *ledger.Ledger
	history *history.Recorder
	nutzap  *nutzap.Engine
	session *mint.Session
}

type options struct {
	trusted func(string) bool
	kr      *identity.Keyring
}

func newParty(t *testing.T, m *minttest.Mint, store *memory.Faulty, o options) *party {
	t.Helper()
	kr := o.kr
	if kr == nil {
		var err error
		kr, err = identity.Generate()
		require.NoError(t, err)
	}
	lock, err := mint.NewP2PKKey()
	require.NoError(t, err)
	rc := records.New(store, kr, nil, records.WithBackoff(func() retry.Backoff {
		return retry.WithMaxRetries(1, retry.NewConstant(time.Millisecond))
	}))
	q, err := recovery.Open(filepath.Join(t.TempDir(), "recovery.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	log := zaptest.NewLogger(t)
	p := &party{kr: kr, lock: lock, session: m.Session()}
	p.history = history.New(rc, log, time.Second)
	tm := tokens.New(rc, q, log, nil)
	p.ledger = ledger.New(tm, func(string) ledger.SpentChecker { return p.session }, ledger.WithObserver(p.history.Observe))
	keyFn := func() *mint.P2PKKey { return p.lock }
	xfer := transfer.New(p.ledger, func(string) transfer.MintClient { return p.session }, tm, transfer.WithLockKey(keyFn))
	opts := []nutzap.Option{nutzap.WithLogger(log), nutzap.WithLockKey(keyFn), nutzap.WithRedeemedLog(p.history)}
	if o.trusted != nil {
		opts = append(opts, nutzap.WithTrust(o.trusted))
	}
	p.nutzap = nutzap.New(rc, xfer, p.ledger, q, opts...)
	return p
}

func (p *party) deposit(t *testing.T, m *minttest.Mint, amount uint64) {
	t.Helper()
	ctx := context.Background()
	q, err := p.session.RequestMintQuote(ctx, amount)
	require.NoError(t, err)
	require.NoError(t, m.PayQuote(q.ID))
	err = p.ledger.Update(ctx, m.URL, func(tx *ledger.Tx) error {
		ps, err := p.session.Claim(ctx, q.ID, amount)
		if err != nil {
			return err
		}
		_, err = tx.Commit(ledger.Change{Produced: ps})
		return err
	})
	require.NoError(t, err)
}

func TestNutzap_RoundTrip(t *testing.T) {
	m := minttest.Start(t)
	store := memory.NewFaulty(memory.NewStore())
	alice := newParty(t, m, store, options{})
	bob := newParty(t, m, store, options{})
	ctx := context.Background()

	_, err := bob.nutzap.PublishInfo(ctx, bob.lock.PublicKey(), []string{m.URL + "/"})
	require.NoError(t, err)
	alice.deposit(t, m, 1000)

	res, err := alice.nutzap.Send(ctx, nutzap.SendRequest{Recipient: bob.kr.PublicKey(), Amount: 200, Note: "great track"})
	require.NoError(t, err)
	require.Equal(t, m.URL, res.Mint)
	require.Equal(t, uint64(800), alice.ledger.Balance(""))

	outs, err := bob.nutzap.Process(ctx)
	require.NoError(t, err)
	require.Len(t, outs, 1)
	require.Equal(t, nutzap.StateRedeemed, outs[0].State)
	require.Equal(t, res.Transfer, outs[0].Transfer)
	require.Equal(t, alice.kr.PublicKey(), outs[0].Sender)
	require.Equal(t, "great track", outs[0].Note)
	require.Equal(t, uint64(200), bob.ledger.Balance(m.URL))

	outs, err = bob.nutzap.Process(ctx)
	require.NoError(t, err)
	require.Empty(t, outs)
	require.Equal(t, uint64(200), bob.ledger.Balance(m.URL))

	entries, err := bob.history.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, res.Transfer, *entries[0].RedeemedTransfer)
}

func TestNutzap_ReprocessingIsNoop(t *testing.T) {
	m := minttest.Start(t)
	store := memory.NewFaulty(memory.NewStore())
	alice := newParty(t, m, store, options{})
	bob := newParty(t, m, store, options{})
	ctx := context.Background()

	_, err := bob.nutzap.PublishInfo(ctx, bob.lock.PublicKey(), []string{m.URL})
	require.NoError(t, err)
	alice.deposit(t, m, 64)
	_, err = alice.nutzap.Send(ctx, nutzap.SendRequest{Recipient: bob.kr.PublicKey(), Amount: 64})
	require.NoError(t, err)
	_, err = bob.nutzap.Process(ctx)
	require.NoError(t, err)
	swaps := m.Calls(minttest.OpSwap)

	// A second device of bob starts with an empty watermark and redeemed set.
	device := newParty(t, m, store, options{kr: bob.kr})
	device.lock = bob.lock
	outs, err := device.nutzap.Process(ctx)
	require.NoError(t, err)
	require.Len(t, outs, 1)
	require.Equal(t, nutzap.StateRedeemed, outs[0].State)
	require.ErrorIs(t, outs[0].Err, errs.ErrAlreadyRedeemed)
	require.Equal(t, swaps, m.Calls(minttest.OpSwap))
	require.Zero(t, device.ledger.Balance(m.URL))
}

func TestNutzap_NoCommonMint(t *testing.T) {
	m := minttest.Start(t)
	store := memory.NewFaulty(memory.NewStore())
	alice := newParty(t, m, store, options{})
	bob := newParty(t, m, store, options{})
	ctx := context.Background()

	_, err := bob.nutzap.PublishInfo(ctx, bob.lock.PublicKey(), []string{"https://elsewhere.test"})
	require.NoError(t, err)
	alice.deposit(t, m, 100)

	_, err = alice.nutzap.Send(ctx, nutzap.SendRequest{Recipient: bob.kr.PublicKey(), Amount: 10})
	require.ErrorIs(t, err, errs.ErrNoCommonMint)
	require.False(t, errs.Retryable(err))
	require.Equal(t, uint64(100), alice.ledger.Balance(m.URL))

	_, err = alice.nutzap.Send(ctx, nutzap.SendRequest{Recipient: "unknown", Amount: 10})
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestNutzap_UnusableRecipientKeyLocksNothing(t *testing.T) {
	m := minttest.Start(t)
	store := memory.NewFaulty(memory.NewStore())
	alice := newParty(t, m, store, options{})
	alice.deposit(t, m, 100)
	ctx := context.Background()

	// a low-order identity key advertising a valid lock key
	lock, err := mint.NewP2PKKey()
	require.NoError(t, err)
	bogus := strings.Repeat("00", 32)
	content, err := json.Marshal(model.NutzapInfo{LockPubkey: lock.PublicKey(), Mints: []string{m.URL}})
	require.NoError(t, err)
	_, err = store.Publish(ctx, model.Record{
		ID: uuid.Must(uuid.NewV4()), Kind: model.KindNutzapInfo, Author: bogus, Content: content, CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	_, err = alice.nutzap.Send(ctx, nutzap.SendRequest{Recipient: bogus, Amount: 30})
	require.ErrorIs(t, err, errs.ErrValidation)
	require.NoError(t, alice.ledger.Reconcile(ctx))
	require.Equal(t, uint64(100), alice.ledger.Balance(m.URL))
}

func TestNutzap_UndeliveredEventIsParked(t *testing.T) {
	m := minttest.Start(t)
	store := memory.NewFaulty(memory.NewStore())
	alice := newParty(t, m, store, options{})
	bob := newParty(t, m, store, options{})
	ctx := context.Background()

	_, err := bob.nutzap.PublishInfo(ctx, bob.lock.PublicKey(), []string{m.URL})
	require.NoError(t, err)
	alice.deposit(t, m, 100)

	store.OnPublish(func(r model.Record) error {
		if r.Kind == model.KindTransfer {
			return errors.New("relay down")
		}
		return nil
	})
	res, err := alice.nutzap.Send(ctx, nutzap.SendRequest{Recipient: bob.kr.PublicKey(), Amount: 30})
	require.ErrorIs(t, err, errs.ErrFundsNotSaved)
	require.Equal(t, uint64(70), alice.ledger.Balance(m.URL))

	outs, err := bob.nutzap.Process(ctx)
	require.NoError(t, err)
	require.Empty(t, outs)

	store.OnPublish(nil)
	n, err := alice.nutzap.Republish(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	outs, err = bob.nutzap.Process(ctx)
	require.NoError(t, err)
	require.Len(t, outs, 1)
	require.Equal(t, res.Transfer, outs[0].Transfer)
	require.Equal(t, uint64(30), bob.ledger.Balance(m.URL))
}

func TestNutzap_RejectsWrongLockAndUntrustedMint(t *testing.T) {
	m := minttest.Start(t)
	store := memory.NewFaulty(memory.NewStore())
	alice := newParty(t, m, store, options{})
	bob := newParty(t, m, store, options{})
	carol := newParty(t, m, store, options{trusted: func(string) bool { return false }})
	ctx := context.Background()
	alice.deposit(t, m, 100)

	// bob advertises a key he does not hold
	stranger, err := mint.NewP2PKKey()
	require.NoError(t, err)
	_, err = bob.nutzap.PublishInfo(ctx, stranger.PublicKey(), []string{m.URL})
	require.NoError(t, err)
	_, err = carol.nutzap.PublishInfo(ctx, carol.lock.PublicKey(), []string{m.URL})
	require.NoError(t, err)

	_, err = alice.nutzap.Send(ctx, nutzap.SendRequest{Recipient: bob.kr.PublicKey(), Amount: 10})
	require.NoError(t, err)
	_, err = alice.nutzap.Send(ctx, nutzap.SendRequest{Recipient: carol.kr.PublicKey(), Amount: 10})
	require.NoError(t, err)

	outs, err := bob.nutzap.Process(ctx)
	require.NoError(t, err)
	require.Len(t, outs, 1)
	require.Equal(t, nutzap.StateRejected, outs[0].State)
	require.ErrorIs(t, outs[0].Err, errs.ErrInvalidLock)

	outs, err = carol.nutzap.Process(ctx)
	require.NoError(t, err)
	require.Len(t, outs, 1)
	require.Equal(t, nutzap.StateRejected, outs[0].State)
	require.ErrorIs(t, outs[0].Err, errs.ErrUntrustedMint)

	// rejected transfers are behind the watermark
	outs, err = carol.nutzap.Process(ctx)
	require.NoError(t, err)
	require.Empty(t, outs)
	require.Zero(t, bob.ledger.Balance(""))
	require.Zero(t, carol.ledger.Balance(""))
}

func TestNutzap_PublishInfoReplacesOld(t *testing.T) {
	m := minttest.Start(t)
	store := memory.NewFaulty(memory.NewStore())
	bob := newParty(t, m, store, options{})
	alice := newParty(t, m, store, options{})
	ctx := context.Background()

	_, err := bob.nutzap.PublishInfo(ctx, bob.lock.PublicKey(), []string{"https://old.test"})
	require.NoError(t, err)
	_, err = bob.nutzap.PublishInfo(ctx, bob.lock.PublicKey(), []string{m.URL, m.URL + "/"})
	require.NoError(t, err)

	info, err := alice.nutzap.ResolveInfo(ctx, bob.kr.PublicKey())
	require.NoError(t, err)
	require.Equal(t, []string{m.URL}, info.Mints)
	require.Equal(t, bob.kr.PublicKey(), info.Author)
	require.Equal(t, 1, countKind(t, store, bob.kr.PublicKey(), model.KindNutzapInfo))

	_, err = bob.nutzap.PublishInfo(ctx, "", nil)
	require.ErrorIs(t, err, errs.ErrNoLockKey)
}

func TestNutzap_Listener(t *testing.T) {
	m := minttest.Start(t)
	store := memory.NewFaulty(memory.NewStore())
	alice := newParty(t, m, store, options{})
	bob := newParty(t, m, store, options{})
	ctx := context.Background()

	_, err := bob.nutzap.PublishInfo(ctx, bob.lock.PublicKey(), []string{m.URL})
	require.NoError(t, err)
	alice.deposit(t, m, 50)

	var mu sync.Mutex
	var got []nutzap.Outcome
	l := bob.nutzap.Listen(ctx, 5*time.Millisecond, func(o nutzap.Outcome) {
		mu.Lock()
		got = append(got, o)
		mu.Unlock()
	})
	defer l.Stop()

	_, err = alice.nutzap.Send(ctx, nutzap.SendRequest{Recipient: bob.kr.PublicKey(), Amount: 50})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return bob.ledger.Balance(m.URL) == 50 }, 2*time.Second, 5*time.Millisecond)
	l.Stop()
	select {
	case <-l.Done():
	default:
		t.Fatal("listener still running after Stop")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	require.Equal(t, nutzap.StateRedeemed, got[0].State)
}

func countKind(t *testing.T, store *memory.Faulty, author string, kind model.Kind) int {
	t.Helper()
	recs, err := store.Query(context.Background(), model.Filter{Kinds: []model.Kind{kind}, Authors: []string{author}})
	require.NoError(t, err)
	return len(recs)
}

package tokens

import (
	"context"
	"encoding/hex"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/require"

	"github.com/and161185/nutkeeper/internal/crypto/clientcrypto"
	"github.com/and161185/nutkeeper/internal/errs"
	"github.com/and161185/nutkeeper/internal/identity"
	"github.com/and161185/nutkeeper/internal/model"
	"github.com/and161185/nutkeeper/internal/records"
	"github.com/and161185/nutkeeper/internal/recovery"
	"github.com/and161185/nutkeeper/internal/repository/memory"
)

const testMint = "https://mint.test"

type fixture struct {
	store *memory.Faulty
	rc    *records.Client
	queue *recovery.Bolt
	m     *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kr, err := identity.Generate()
	require.NoError(t, err)
	store := memory.NewFaulty(memory.NewStore())
	rc := records.New(store, kr, nil, records.WithBackoff(func() retry.Backoff {
		return retry.WithMaxRetries(1, retry.NewConstant(time.Millisecond))
	}))
	q, err := recovery.Open(filepath.Join(t.TempDir(), "r.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return &fixture{store: store, rc: rc, queue: q, m: New(rc, q, nil, nil)}
}

func proofs(t *testing.T, amounts ...uint64) model.Proofs {
	t.Helper()
	out := make(model.Proofs, len(amounts))
	for i, a := range amounts {
		b, err := clientcrypto.Rand(16)
		require.NoError(t, err)
		out[i] = model.Proof{Amount: a, Id: "00aabbccddeeff00", Secret: hex.EncodeToString(b), C: "02" + hex.EncodeToString(b)}
	}
	return out
}

func TestManager_SupersedeCreatesBeforeDeleting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.m.Supersede(ctx, Request{Mint: testMint + "/", Groups: []model.Proofs{proofs(t, 512, 256)}})
	require.NoError(t, err)
	require.Len(t, first.Created, 1)
	old := first.Created[0].ID

	f.store.OnDelete(func(id uuid.UUID) error {
		// the replacement must already be visible when the old record goes
		loaded, err := f.m.Load(ctx)
		require.NoError(t, err)
		require.Len(t, loaded, 2)
		return nil
	})
	second, err := f.m.Supersede(ctx, Request{Mint: testMint, Consumed: []uuid.UUID{old, old}, Groups: []model.Proofs{proofs(t, 256)}})
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{old}, second.Deleted)
	f.store.OnDelete(nil)

	loaded, err := f.m.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, testMint, loaded[0].Mint)
	require.Equal(t, uint64(256), loaded[0].Amount())
	require.Equal(t, []uuid.UUID{old}, loaded[0].Supersedes)
	require.Equal(t, second.CreatedIDs(), []uuid.UUID{loaded[0].ID})
}

func TestManager_SupersedeChunksLargeGroups(t *testing.T) {
	f := newFixture(t)
	amounts := make([]uint64, 250)
	for i := range amounts {
		amounts[i] = 1
	}
	res, err := f.m.Supersede(context.Background(), Request{Mint: testMint, Groups: []model.Proofs{proofs(t, amounts...), proofs(t, 2)}})
	require.NoError(t, err)
	require.Len(t, res.Created, 4)
	total := uint64(0)
	for _, c := range res.Created {
		require.LessOrEqual(t, len(c.Proofs), MaxProofsPerRecord)
		total += c.Amount()
	}
	require.Equal(t, uint64(252), total)
}

func TestManager_PublishFailureParksAndReplays(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	base, err := f.m.Supersede(ctx, Request{Mint: testMint, Groups: []model.Proofs{proofs(t, 64)}})
	require.NoError(t, err)

	f.store.OnPublish(func(model.Record) error { return errors.New("relay down") })
	minted := proofs(t, 32, 16)
	res, err := f.m.Supersede(ctx, Request{Mint: testMint, Consumed: base.CreatedIDs(), Groups: []model.Proofs{minted}})
	require.ErrorIs(t, err, errs.ErrFundsNotSaved)
	require.True(t, errs.Retryable(err))
	require.Equal(t, 1, res.Parked)

	pending, err := f.queue.Pending(recovery.EntryTokens)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, uint64(48), pending[0].Amount)

	// the consumed record stays and the parked replacement is listed after it
	f.store.OnPublish(nil)
	loaded, err := f.m.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	require.Equal(t, base.Created[0].ID, loaded[0].ID)
	require.Equal(t, pending[0].ID, loaded[1].ID.String())
	require.Equal(t, uint64(48), loaded[1].Amount())
	require.Equal(t, base.CreatedIDs(), loaded[1].Supersedes)

	replayed, err := f.m.Replay(ctx)
	require.NoError(t, err)
	require.Len(t, replayed, 1)
	require.Equal(t, pending[0].ID, replayed[0].ID.String())
	require.Equal(t, base.CreatedIDs(), replayed[0].Supersedes)

	loaded, err = f.m.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	pending, err = f.queue.Pending(recovery.EntryTokens)
	require.NoError(t, err)
	require.Empty(t, pending)

	again, err := f.m.Replay(ctx)
	require.NoError(t, err)
	require.Empty(t, again)
}

func TestManager_RequireLive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	base, err := f.m.Supersede(ctx, Request{Mint: testMint, Groups: []model.Proofs{proofs(t, 8)}})
	require.NoError(t, err)
	ids := base.CreatedIDs()

	_, err = f.m.Supersede(ctx, Request{Mint: testMint, Consumed: ids, RequireLive: true})
	require.NoError(t, err)

	// a second writer holding the same stale view loses
	_, err = f.m.Supersede(ctx, Request{Mint: testMint, Consumed: ids, Groups: []model.Proofs{proofs(t, 4)}, RequireLive: true})
	require.ErrorIs(t, err, errs.ErrVersionConflict)

	loaded, err := f.m.Load(ctx)
	require.NoError(t, err)
	require.Empty(t, loaded)
}

func TestManager_DeleteFailureIsTolerated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	base, err := f.m.Supersede(ctx, Request{Mint: testMint, Groups: []model.Proofs{proofs(t, 8)}})
	require.NoError(t, err)

	f.store.OnDelete(func(uuid.UUID) error { return errors.New("relay down") })
	res, err := f.m.Supersede(ctx, Request{Mint: testMint, Consumed: base.CreatedIDs(), Groups: []model.Proofs{proofs(t, 4)}})
	require.NoError(t, err)
	require.Empty(t, res.Deleted)
	require.Len(t, res.Created, 1)
}

func TestManager_RequireLiveLosesToConcurrentDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	base, err := f.m.Supersede(ctx, Request{Mint: testMint, Groups: []model.Proofs{proofs(t, 8)}})
	require.NoError(t, err)

	// another device deletes the record between the liveness check and our delete
	f.store.OnDelete(func(id uuid.UUID) error {
		f.store.OnDelete(nil)
		return f.rc.Delete(ctx, id)
	})
	res, err := f.m.Supersede(ctx, Request{Mint: testMint, Consumed: base.CreatedIDs(), RequireLive: true})
	require.ErrorIs(t, err, errs.ErrVersionConflict)
	require.Empty(t, res.Deleted)
}

func TestManager_SupersedeRetiresParkedRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.OnPublish(func(model.Record) error { return errors.New("relay down") })
	_, err := f.m.Supersede(ctx, Request{Mint: testMint, Groups: []model.Proofs{proofs(t, 16)}})
	require.ErrorIs(t, err, errs.ErrFundsNotSaved)
	f.store.OnPublish(nil)

	loaded, err := f.m.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	parkedID := loaded[0].ID

	res, err := f.m.Supersede(ctx, Request{Mint: testMint, Consumed: []uuid.UUID{parkedID}, RequireLive: true})
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{parkedID}, res.Deleted)

	pending, err := f.queue.Pending(recovery.EntryTokens)
	require.NoError(t, err)
	require.Empty(t, pending)
	loaded, err = f.m.Load(ctx)
	require.NoError(t, err)
	require.Empty(t, loaded)
}

func TestChunk(t *testing.T) {
	ps := model.Proofs{{Amount: 1}, {Amount: 2}, {Amount: 4}}
	got := Chunk([]model.Proofs{ps, nil, {{Amount: 8}}}, 2)
	require.Len(t, got, 3)
	require.Len(t, got[0], 2)
	require.Len(t, got[1], 1)
	require.Equal(t, uint64(8), got[2][0].Amount)
}

package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/nutkeeper/internal/identity"
	"github.com/and161185/nutkeeper/internal/ledger"
	"github.com/and161185/nutkeeper/internal/model"
	"github.com/and161185/nutkeeper/internal/records"
	"github.com/and161185/nutkeeper/internal/repository/memory"
)

func newRecorder(t *testing.T) (*Recorder, *memory.Faulty) {
	t.Helper()
	kr, err := identity.Generate()
	require.NoError(t, err)
	store := memory.NewFaulty(memory.NewStore())
	rc := records.New(store, kr, nil, records.WithBackoff(func() retry.Backoff {
		return retry.WithMaxRetries(2, retry.NewConstant(time.Millisecond))
	}))
	return New(rc, zaptest.NewLogger(t), time.Second), store
}

func TestRecorder_ListNewestFirst(t *testing.T) {
	r, _ := newRecorder(t)
	ctx := context.Background()

	_, err := r.Record(ctx, model.HistoryEntry{Direction: model.DirectionIn, Amount: 1000, Mint: "https://m.test/"})
	require.NoError(t, err)
	_, err = r.Record(ctx, model.HistoryEntry{Direction: model.DirectionOut, Amount: 300, Mint: "https://m.test"})
	require.NoError(t, err)

	got, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, uint64(300), got[0].Amount)
	require.Equal(t, model.DirectionIn, got[1].Direction)
	require.Equal(t, "https://m.test", got[1].Mint)
	require.NotEqual(t, uuid.Nil, got[0].ID)
}

func TestRecorder_ObserveCarriesRecordIDs(t *testing.T) {
	r, _ := newRecorder(t)
	ctx := context.Background()
	created := []uuid.UUID{uuid.Must(uuid.NewV4())}
	destroyed := []uuid.UUID{uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())}
	transfer := uuid.Must(uuid.NewV4())

	r.Observe(ctx, ledger.Event{
		Mint:      "https://m.test",
		Audit:     ledger.Audit{Direction: model.DirectionIn, Amount: 200, RedeemedTransfer: &transfer},
		Created:   created,
		Destroyed: destroyed,
	})

	got, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, created, got[0].Created)
	require.Equal(t, destroyed, got[0].Destroyed)

	redeemed, err := r.RedeemedTransfers(ctx)
	require.NoError(t, err)
	require.True(t, redeemed[transfer])
	require.Len(t, redeemed, 1)
}

func TestRecorder_ObserveSwallowsFailure(t *testing.T) {
	r, store := newRecorder(t)
	store.OnPublish(func(model.Record) error { return errors.New("relay down") })

	require.NotPanics(t, func() {
		r.Observe(context.Background(), ledger.Event{Mint: "https://m.test", Audit: ledger.Audit{Direction: model.DirectionOut, Amount: 1}})
	})

	store.OnPublish(nil)
	got, err := r.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestRecorder_RetriesTransientFailure(t *testing.T) {
	r, store := newRecorder(t)
	fails := 1
	store.OnPublish(func(model.Record) error {
		if fails > 0 {
			fails--
			return errors.New("timeout")
		}
		return nil
	})

	_, err := r.Record(context.Background(), model.HistoryEntry{Direction: model.DirectionIn, Amount: 5})
	require.NoError(t, err)
	got, err := r.List(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
}

package recovery

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/and161185/nutkeeper/internal/errs"
)

func openQueue(t *testing.T) (*Bolt, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "recovery.db")
	q, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q, path
}

func TestBolt_ParkPendingDone(t *testing.T) {
	q, _ := openQueue(t)
	t0 := time.Now().UTC()

	require.NoError(t, q.Park(Entry{ID: "b", Kind: EntryTokens, Mint: "m", Amount: 5, Payload: json.RawMessage(`{}`), CreatedAt: t0.Add(time.Second)}))
	require.NoError(t, q.Park(Entry{ID: "a", Kind: EntryTokens, Mint: "m", Amount: 7, Payload: json.RawMessage(`{}`), CreatedAt: t0}))
	require.NoError(t, q.Park(Entry{ID: "c", Kind: EntryTransfer, Payload: json.RawMessage(`{}`)}))

	toks, err := q.Pending(EntryTokens)
	require.NoError(t, err)
	require.Len(t, toks, 2)
	require.Equal(t, "a", toks[0].ID)
	require.Equal(t, "b", toks[1].ID)

	all, err := q.Pending("")
	require.NoError(t, err)
	require.Len(t, all, 3)

	require.NoError(t, q.Done("a"))
	require.NoError(t, q.Done("a"))
	toks, err = q.Pending(EntryTokens)
	require.NoError(t, err)
	require.Len(t, toks, 1)

	require.ErrorIs(t, q.Park(Entry{Kind: EntryTokens}), errs.ErrValidation)
}

func TestBolt_PendingOrderWithinASecond(t *testing.T) {
	q, _ := openQueue(t)
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, q.Park(Entry{ID: "late", Kind: EntryTokens, CreatedAt: t0.Add(2 * time.Millisecond)}))
	require.NoError(t, q.Park(Entry{ID: "early", Kind: EntryTokens, CreatedAt: t0}))
	require.NoError(t, q.Park(Entry{ID: "mid", Kind: EntryTokens, CreatedAt: t0.Add(time.Millisecond)}))
	es, err := q.Pending(EntryTokens)
	require.NoError(t, err)
	require.Len(t, es, 3)
	require.Equal(t, []string{"early", "mid", "late"}, []string{es[0].ID, es[1].ID, es[2].ID})
	require.True(t, es[1].CreatedAt.Equal(t0.Add(time.Millisecond)))
}

func TestBolt_SurvivesReopen(t *testing.T) {
	q, path := openQueue(t)
	require.NoError(t, q.Park(Entry{ID: "x", Kind: EntryTokens, Payload: json.RawMessage(`{"n":1}`)}))
	require.NoError(t, q.MarkRedeemed("t1"))
	require.NoError(t, q.SetWatermark(42))
	require.NoError(t, q.Close())

	q2, err := Open(path)
	require.NoError(t, err)
	defer q2.Close()

	es, err := q2.Pending(EntryTokens)
	require.NoError(t, err)
	require.Len(t, es, 1)
	require.JSONEq(t, `{"n":1}`, string(es[0].Payload))

	ok, err := q2.Redeemed("t1")
	require.NoError(t, err)
	require.True(t, ok)

	wm, err := q2.Watermark()
	require.NoError(t, err)
	require.Equal(t, int64(42), wm)
}

func TestBolt_Watermark(t *testing.T) {
	q, _ := openQueue(t)
	wm, err := q.Watermark()
	require.NoError(t, err)
	require.Zero(t, wm)

	require.NoError(t, q.SetWatermark(10))
	require.NoError(t, q.SetWatermark(3))
	wm, err = q.Watermark()
	require.NoError(t, err)
	require.Equal(t, int64(10), wm)

	ok, err := q.Redeemed("nope")
	require.NoError(t, err)
	require.False(t, ok)
}

// Package history keeps the encrypted, append-only audit log of ledger mutations.
// The log is advisory: balances are always derived from token records.
package history

import (
	"context"
	"slices"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/nutkeeper/internal/ledger"
	"github.com/and161185/nutkeeper/internal/mint"
	"github.com/and161185/nutkeeper/internal/model"
	"github.com/and161185/nutkeeper/internal/records"
)

// Recorder appends and lists history entries of one identity.
type Recorder struct {
	rc      *records.Client
	log     *zap.Logger
	timeout time.Duration
}

// New constructs a Recorder. timeout bounds a single Record call including retries;
// zero means no bound beyond the caller's context.
func New(rc *records.Client, log *zap.Logger, timeout time.Duration) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{rc: rc, log: log, timeout: timeout}
}

// Record appends e. Publication is retried by the record client.
func (r *Recorder) Record(ctx context.Context, e model.HistoryEntry) (model.HistoryEntry, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	e.Mint = mint.NormalizeURL(e.Mint)
	rec, err := r.rc.PublishSealed(ctx, records.Draft{ID: e.ID, Kind: model.KindHistory, Payload: e})
	if err != nil {
		return e, err
	}
	e.ID, e.CreatedAt = rec.ID, rec.CreatedAt
	return e, nil
}

// Observe records a committed ledger event. Failures are logged, never returned,
// so a missing audit entry cannot undo or block the mutation.
func (r *Recorder) Observe(ctx context.Context, ev ledger.Event) {
	e := model.HistoryEntry{
		Direction:        ev.Audit.Direction,
		Amount:           ev.Audit.Amount,
		Fee:              ev.Audit.Fee,
		Mint:             ev.Mint,
		Created:          ev.Created,
		Destroyed:        ev.Destroyed,
		RedeemedTransfer: ev.Audit.RedeemedTransfer,
		Memo:             ev.Audit.Memo,
	}
	if _, err := r.Record(ctx, e); err != nil {
		r.log.Warn("history entry not recorded",
			zap.String("mint", ev.Mint), zap.String("direction", string(e.Direction)),
			zap.Uint64("amount", e.Amount), zap.Error(err))
	}
}

// List returns every readable entry, newest first.
func (r *Recorder) List(ctx context.Context) ([]model.HistoryEntry, error) {
	recs, err := r.rc.QueryOwn(ctx, model.KindHistory)
	if err != nil {
		return nil, err
	}
	out := make([]model.HistoryEntry, 0, len(recs))
	for _, rec := range recs {
		var e model.HistoryEntry
		if err := r.rc.Open(rec, &e); err != nil {
			r.log.Warn("skipping unreadable history entry", zap.Stringer("id", rec.ID), zap.Error(err))
			continue
		}
		e.ID, e.CreatedAt = rec.ID, rec.CreatedAt
		out = append(out, e)
	}
	slices.Reverse(out)
	return out, nil
}

// RedeemedTransfers returns the ids of transfer events the log reports as redeemed.
func (r *Recorder) RedeemedTransfers(ctx context.Context) (map[uuid.UUID]bool, error) {
	entries, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	out := map[uuid.UUID]bool{}
	for _, e := range entries {
		if e.RedeemedTransfer != nil {
			out[*e.RedeemedTransfer] = true
		}
	}
	return out, nil
}

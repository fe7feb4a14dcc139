// Package tokens owns the encrypted token records that persist the wallet's proofs.
// New records are always created before the records they replace are deleted.
package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/nutkeeper/internal/errs"
	"github.com/and161185/nutkeeper/internal/metrics"
	"github.com/and161185/nutkeeper/internal/mint"
	"github.com/and161185/nutkeeper/internal/model"
	"github.com/and161185/nutkeeper/internal/records"
	"github.com/and161185/nutkeeper/internal/recovery"
)

// MaxProofsPerRecord bounds the size of a single token record.
const MaxProofsPerRecord = 100

// Request replaces the Consumed records of a mint with records holding Groups.
type Request struct {
	Mint     string
	Consumed []uuid.UUID
	Groups   []model.Proofs
	// RequireLive fails with ErrVersionConflict unless every consumed record is still
	// live and this writer is the one that deletes it. Set for local-only changes that
	// no mint operation confirmed. On that failure Result.Deleted lists the records
	// deleted before the conflict.
	RequireLive bool
}

// Result lists what a Supersede changed.
type Result struct {
	Created []model.TokenRecord
	Deleted []uuid.UUID
	Parked  int
}

// CreatedIDs returns the ids of the created records.
func (r Result) CreatedIDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(r.Created))
	for i, c := range r.Created {
		ids[i] = c.ID
	}
	return ids
}

// Manager reads and rewrites token records.
type Manager struct {
	rc      *records.Client
	queue   recovery.Queue
	log     *zap.Logger
	metrics *metrics.Metrics
}

// New constructs a Manager. Records that cannot be published are parked in queue.
func New(rc *records.Client, queue recovery.Queue, log *zap.Logger, m *metrics.Metrics) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{rc: rc, queue: queue, log: log, metrics: m}
}

// Load returns every live token record of the owner, oldest first, followed by the
// parked records not yet published. Records that cannot be opened are skipped.
func (m *Manager) Load(ctx context.Context) ([]model.TokenRecord, error) {
	recs, err := m.rc.QueryOwn(ctx, model.KindTokenRecord)
	if err != nil {
		return nil, err
	}
	out := make([]model.TokenRecord, 0, len(recs))
	stored := make(map[uuid.UUID]bool, len(recs))
	for _, r := range recs {
		var tr model.TokenRecord
		if err := m.rc.Open(r, &tr); err != nil {
			m.log.Warn("skipping unreadable token record", zap.Stringer("id", r.ID), zap.Error(err))
			continue
		}
		tr.ID, tr.Seq, tr.CreatedAt = r.ID, r.Seq, r.CreatedAt
		tr.Mint = mint.NormalizeURL(tr.Mint)
		stored[tr.ID] = true
		out = append(out, tr)
	}

	waiting, err := m.parkedRecords()
	if err != nil {
		m.log.Warn("parked proofs unavailable", zap.Error(err))
		return out, nil
	}
	for _, tr := range waiting {
		if !stored[tr.ID] {
			out = append(out, tr)
		}
	}
	return out, nil
}

// parkedRecords returns the token records waiting in the recovery queue.
func (m *Manager) parkedRecords() ([]model.TokenRecord, error) {
	entries, err := m.queue.Pending(recovery.EntryTokens)
	if err != nil {
		return nil, err
	}
	out := make([]model.TokenRecord, 0, len(entries))
	for _, e := range entries {
		tr, err := decodeParked(e)
		if err != nil {
			m.log.Warn("skipping unreadable parked entry", zap.String("id", e.ID), zap.Error(err))
			continue
		}
		out = append(out, tr)
	}
	return out, nil
}

func decodeParked(e recovery.Entry) (model.TokenRecord, error) {
	id, err := uuid.FromString(e.ID)
	if err != nil {
		return model.TokenRecord{}, fmt.Errorf("entry %s: %w", e.ID, err)
	}
	var p parked
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return model.TokenRecord{}, fmt.Errorf("entry %s: %w", e.ID, err)
	}
	tr := p.Record
	tr.ID, tr.CreatedAt = id, e.CreatedAt
	tr.Mint = mint.NormalizeURL(tr.Mint)
	return tr, nil
}

// Supersede publishes one record per group (at most MaxProofsPerRecord proofs each),
// then deletes the consumed records. Groups whose publication fails are parked and
// ErrFundsNotSaved is returned; consumed records are then left in place.
func (m *Manager) Supersede(ctx context.Context, req Request) (Result, error) {
	req.Mint = mint.NormalizeURL(req.Mint)
	req.Consumed = dedupIDs(req.Consumed)
	local, err := m.parkedIDs(req.Consumed)
	if err != nil {
		return Result{}, err
	}
	if req.RequireLive {
		var stored []uuid.UUID
		for _, id := range req.Consumed {
			if !local[id] {
				stored = append(stored, id)
			}
		}
		if len(stored) > 0 {
			if err := m.requireLive(ctx, stored); err != nil {
				return Result{}, err
			}
		}
	}

	// A local-only change is not final until its deletes land, so its records must not
	// hide the consumed ones before that.
	supersedes := req.Consumed
	if req.RequireLive {
		supersedes = nil
	}

	var res Result
	groups := Chunk(req.Groups, MaxProofsPerRecord)
	for i, g := range groups {
		tr := model.TokenRecord{Mint: req.Mint, Unit: model.DefaultUnit, Proofs: g, Supersedes: supersedes}
		id, err := uuid.NewV4()
		if err != nil {
			return res, err
		}
		rec, err := m.rc.PublishSealed(ctx, records.Draft{ID: id, Kind: model.KindTokenRecord, Payload: tr})
		if err != nil {
			m.log.Error("token record publish failed after mint success",
				zap.String("mint", req.Mint), zap.Int("groups", len(groups)-i), zap.Error(err))
			parked, perr := m.park(req.Mint, id, groups[i:], supersedes)
			res.Parked = parked
			if perr != nil {
				return res, fmt.Errorf("%w: %w", errs.ErrFundsNotSaved, errors.Join(err, perr))
			}
			return res, fmt.Errorf("%w: %w", errs.ErrFundsNotSaved, err)
		}
		tr.ID, tr.Seq, tr.CreatedAt = rec.ID, rec.Seq, rec.CreatedAt
		res.Created = append(res.Created, tr)
	}

	for _, id := range req.Consumed {
		if local[id] {
			// Only this device knows a parked record; dropping the entry retires it.
			// A replay may have published it meanwhile, so the stored copy goes too.
			if err := m.queue.Done(id.String()); err != nil {
				return res, err
			}
			if err := m.rc.Delete(ctx, id); err != nil {
				m.log.Warn("token record delete failed", zap.Stringer("id", id), zap.Error(err))
			}
			res.Deleted = append(res.Deleted, id)
			continue
		}
		if req.RequireLive {
			// The retire is the commit point: another writer may have taken the same records.
			if err := m.rc.Retire(ctx, id); err != nil {
				return res, err
			}
			res.Deleted = append(res.Deleted, id)
			continue
		}
		if err := m.rc.Delete(ctx, id); err != nil {
			// Superseded by the records just created; Rebuild ignores it.
			m.log.Warn("token record delete failed", zap.Stringer("id", id), zap.Error(err))
			continue
		}
		res.Deleted = append(res.Deleted, id)
	}
	return res, nil
}

func (m *Manager) requireLive(ctx context.Context, ids []uuid.UUID) error {
	live, err := m.rc.Query(ctx, model.Filter{
		Kinds:   []model.Kind{model.KindTokenRecord},
		Authors: []string{m.rc.Self()},
		IDs:     ids,
	})
	if err != nil {
		return err
	}
	if len(live) != len(ids) {
		return fmt.Errorf("%w: %d of %d token records already replaced", errs.ErrVersionConflict, len(ids)-len(live), len(ids))
	}
	return nil
}

// parkedIDs returns which of ids name parked records.
func (m *Manager) parkedIDs(ids []uuid.UUID) (map[uuid.UUID]bool, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	entries, err := m.queue.Pending(recovery.EntryTokens)
	if err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id.String()] = true
	}
	out := map[uuid.UUID]bool{}
	for _, e := range entries {
		if want[e.ID] {
			out[uuid.FromStringOrNil(e.ID)] = true
		}
	}
	return out, nil
}

// parked is the payload of an EntryTokens recovery entry.
type parked struct {
	Record model.TokenRecord `json:"record"`
}

func (m *Manager) park(mintURL string, firstID uuid.UUID, groups []model.Proofs, consumed []uuid.UUID) (int, error) {
	var errsOut []error
	n := 0
	for i, g := range groups {
		id := firstID
		if i > 0 {
			var err error
			if id, err = uuid.NewV4(); err != nil {
				errsOut = append(errsOut, err)
				continue
			}
		}
		payload, err := json.Marshal(parked{Record: model.TokenRecord{Mint: mintURL, Unit: model.DefaultUnit, Proofs: g, Supersedes: consumed}})
		if err != nil {
			errsOut = append(errsOut, err)
			continue
		}
		if err := m.queue.Park(recovery.Entry{
			ID:      id.String(),
			Kind:    recovery.EntryTokens,
			Mint:    mintURL,
			Amount:  model.Sum(g),
			Payload: payload,
		}); err != nil {
			m.log.Error("failed to park unsaved proofs", zap.String("mint", mintURL), zap.Uint64("amount", model.Sum(g)), zap.Error(err))
			errsOut = append(errsOut, err)
			continue
		}
		n++
	}
	m.metrics.Unsaved(n)
	return n, errors.Join(errsOut...)
}

// Park queues proofs held only in memory (no record lists them) for Replay.
func (m *Manager) Park(mintURL string, ps model.Proofs) error {
	if len(ps) == 0 {
		return nil
	}
	id, err := uuid.NewV4()
	if err != nil {
		return err
	}
	_, err = m.park(mint.NormalizeURL(mintURL), id, Chunk([]model.Proofs{ps}, MaxProofsPerRecord), nil)
	return err
}

// Replay publishes parked token groups. Entries are removed only once published.
func (m *Manager) Replay(ctx context.Context) ([]model.TokenRecord, error) {
	entries, err := m.queue.Pending(recovery.EntryTokens)
	if err != nil {
		return nil, err
	}
	var out []model.TokenRecord
	var failed []error
	for _, e := range entries {
		tr, err := decodeParked(e)
		if err != nil {
			failed = append(failed, err)
			continue
		}
		rec, err := m.rc.PublishSealed(ctx, records.Draft{ID: tr.ID, Kind: model.KindTokenRecord, Payload: tr})
		if err != nil {
			failed = append(failed, fmt.Errorf("entry %s: %w", e.ID, err))
			continue
		}
		if err := m.queue.Done(e.ID); err != nil {
			failed = append(failed, err)
		}
		tr.Seq, tr.CreatedAt = rec.Seq, rec.CreatedAt
		out = append(out, tr)
		m.log.Info("replayed parked proofs", zap.String("mint", e.Mint), zap.Uint64("amount", e.Amount))
	}
	if len(failed) > 0 {
		return out, fmt.Errorf("%w: %w", errs.ErrFundsNotSaved, errors.Join(failed...))
	}
	return out, nil
}

// Chunk splits groups into slices of at most n proofs, keeping each input group intact
// when it fits.
func Chunk(groups []model.Proofs, n int) []model.Proofs {
	var out []model.Proofs
	for _, g := range groups {
		for len(g) > n {
			out = append(out, slices.Clone(g[:n]))
			g = g[n:]
		}
		if len(g) > 0 {
			out = append(out, slices.Clone(g))
		}
	}
	return out
}

func dedupIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// Package ledger is the wallet's view of held proofs per mint. It is a cache rebuilt
// from token records and mint spent-state; every change goes through Tx.Commit after
// the mint confirmed it, and operations on one mint are serialized.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/nutkeeper/internal/errs"
	"github.com/and161185/nutkeeper/internal/metrics"
	"github.com/and161185/nutkeeper/internal/mint"
	"github.com/and161185/nutkeeper/internal/model"
	"github.com/and161185/nutkeeper/internal/tokens"
)

// RecordManager persists token records.
type RecordManager interface {
	Load(ctx context.Context) ([]model.TokenRecord, error)
	Supersede(ctx context.Context, req tokens.Request) (tokens.Result, error)
}

// SpentChecker reports mint-side proof states.
type SpentChecker interface {
	CheckSpent(ctx context.Context, proofs model.Proofs) ([]model.ProofState, error)
}

// Audit describes a change for the spending history.
type Audit struct {
	Direction        model.Direction
	Amount           uint64
	Fee              uint64
	Memo             string
	RedeemedTransfer *uuid.UUID
}

// Event is emitted after a change with an Audit was committed.
type Event struct {
	Mint      string
	Version   uint64
	Audit     Audit
	Created   []uuid.UUID
	Destroyed []uuid.UUID
}

// Observer receives committed events. It must not call back into the ledger for the same mint.
type Observer func(ctx context.Context, e Event)

type snapshot struct {
	version uint64
	held    []Held
}

func (s *snapshot) balance() uint64 {
	var t uint64
	for _, h := range s.held {
		t += h.Proof.Amount
	}
	return t
}

// Ledger holds per-mint snapshots. Safe for concurrent use.
type Ledger struct {
	records  RecordManager
	checker  func(mint string) SpentChecker
	log      *zap.Logger
	metrics  *metrics.Metrics
	observer Observer

	mu      sync.Mutex
	locks   map[string]chan struct{}
	snaps   map[string]*snapshot
	retired map[string]bool
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(g *Ledger) { g.log = l } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option { return func(g *Ledger) { g.metrics = m } }

// WithObserver sets the committed-event observer.
func WithObserver(o Observer) Option { return func(g *Ledger) { g.observer = o } }

// New constructs a Ledger. checker returns the spent-state authority for a mint.
func New(records RecordManager, checker func(mint string) SpentChecker, opts ...Option) *Ledger {
	l := &Ledger{
		records: records,
		checker: checker,
		log:     zap.NewNop(),
		locks:   map[string]chan struct{}{},
		snaps:   map[string]*snapshot{},
		retired: map[string]bool{},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Balance returns the held amount at mintURL, or across all mints when mintURL is "".
func (l *Ledger) Balance(mintURL string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if mintURL != "" {
		if s, ok := l.snaps[mint.NormalizeURL(mintURL)]; ok {
			return s.balance()
		}
		return 0
	}
	var t uint64
	for _, s := range l.snaps {
		t += s.balance()
	}
	return t
}

// Mints returns the mints the ledger has state for, sorted.
func (l *Ledger) Mints() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.snaps))
	for m := range l.snaps {
		out = append(out, m)
	}
	slices.Sort(out)
	return out
}

// Version returns the snapshot version of mintURL.
func (l *Ledger) Version(mintURL string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.snaps[mint.NormalizeURL(mintURL)]; ok {
		return s.version
	}
	return 0
}

// Proofs returns a copy of the proofs held at mintURL.
func (l *Ledger) Proofs(mintURL string) model.Proofs {
	return heldProofs(l.snapshot(mint.NormalizeURL(mintURL)).held)
}

// Holdings returns a copy of the held proofs at mintURL with their records.
func (l *Ledger) Holdings(mintURL string) []Held {
	return slices.Clone(l.snapshot(mint.NormalizeURL(mintURL)).held)
}

func (l *Ledger) snapshot(mintURL string) *snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.snaps[mintURL]; ok {
		return s
	}
	return &snapshot{}
}

func (l *Ledger) install(mintURL string, held []Held) uint64 {
	l.mu.Lock()
	prev := l.snaps[mintURL]
	s := &snapshot{held: held}
	if prev != nil {
		s.version = prev.version
	}
	s.version++
	l.snaps[mintURL] = s
	l.mu.Unlock()
	l.metrics.SetBalance(mintURL, s.balance())
	return s.version
}

func (l *Ledger) retire(ps model.Proofs) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range ps {
		l.retired[model.ProofKey(p)] = true
	}
}

func (l *Ledger) isRetired(secret string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.retired[secret]
}

func (l *Ledger) lock(ctx context.Context, mintURL string) (func(), error) {
	l.mu.Lock()
	ch, ok := l.locks[mintURL]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[mintURL] = ch
	}
	l.mu.Unlock()
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Update runs fn with exclusive access to mintURL. When fn fails because the mint
// rejected proofs or the records changed underneath, the mint is reconciled before
// the lock is released.
func (l *Ledger) Update(ctx context.Context, mintURL string, fn func(tx *Tx) error) error {
	mintURL = mint.NormalizeURL(mintURL)
	unlock, err := l.lock(ctx, mintURL)
	if err != nil {
		return err
	}
	defer unlock()

	tx := &Tx{l: l, ctx: ctx, mint: mintURL, snap: l.snapshot(mintURL)}
	err = fn(tx)
	if errors.Is(err, errs.ErrMintRejected) || errors.Is(err, errs.ErrVersionConflict) {
		l.log.Info("reconciling after rejected operation", zap.String("mint", mintURL), zap.Error(err))
		if rerr := l.reconcileLocked(context.WithoutCancel(ctx), mintURL); rerr != nil {
			l.log.Warn("reconcile failed", zap.String("mint", mintURL), zap.Error(rerr))
		}
	}
	return err
}

// Reconcile rebuilds every known mint from records and live spent-state.
func (l *Ledger) Reconcile(ctx context.Context) error {
	recs, err := l.records.Load(ctx)
	if err != nil {
		return err
	}
	mints := map[string]bool{}
	for _, m := range l.Mints() {
		mints[m] = true
	}
	for _, r := range recs {
		mints[r.Mint] = true
	}
	var errsOut []error
	for _, m := range sortedKeys(mints) {
		if err := l.ReconcileMint(ctx, m); err != nil {
			errsOut = append(errsOut, fmt.Errorf("%s: %w", m, err))
		}
	}
	return errors.Join(errsOut...)
}

// ReconcileMint rebuilds one mint under its lock.
func (l *Ledger) ReconcileMint(ctx context.Context, mintURL string) error {
	mintURL = mint.NormalizeURL(mintURL)
	unlock, err := l.lock(ctx, mintURL)
	if err != nil {
		return err
	}
	defer unlock()
	return l.reconcileLocked(ctx, mintURL)
}

// reconcileLocked loads the mint's records, prunes proofs the mint reports spent,
// installs the rebuilt snapshot and rewrites stale records. A failed spent check
// still installs the records-only view and reports the error.
func (l *Ledger) reconcileLocked(ctx context.Context, mintURL string) error {
	start := time.Now()
	defer func() { l.metrics.ObserveReconcile(time.Since(start)) }()

	all, err := l.records.Load(ctx)
	if err != nil {
		return err
	}
	var recs []model.TokenRecord
	for _, r := range all {
		if r.Mint == mintURL {
			recs = append(recs, r)
		}
	}

	spent := map[string]bool{}
	var checkErr error
	if candidates := uniqueProofs(recs); len(candidates) > 0 && l.checker != nil {
		states, err := l.checker(mintURL).CheckSpent(ctx, candidates)
		switch {
		case err != nil:
			checkErr = err
			l.log.Warn("spent check failed, using records only", zap.String("mint", mintURL), zap.Error(err))
		case len(states) != len(candidates):
			checkErr = fmt.Errorf("%w: spent check returned %d states for %d proofs", errs.ErrNetwork, len(states), len(candidates))
		default:
			var pruned model.Proofs
			for i, st := range states {
				if st == model.ProofSpent {
					spent[model.ProofKey(candidates[i])] = true
					pruned = append(pruned, candidates[i])
				}
			}
			l.retire(pruned)
		}
	}

	st := Rebuild(recs, func(secret string) bool { return spent[secret] || l.isRetired(secret) })[mintURL]
	if st == nil {
		st = &MintState{Mint: mintURL}
	}
	if len(st.Stale) > 0 {
		l.heal(ctx, st)
	}
	v := l.install(mintURL, st.Proofs)
	l.log.Debug("reconciled", zap.String("mint", mintURL), zap.Uint64("version", v),
		zap.Uint64("balance", st.Balance()), zap.Int("records", len(recs)), zap.Int("stale", len(st.Stale)))
	return checkErr
}

// heal rewrites stale records: their still-held proofs move to fresh records and the
// stale ones are deleted. On failure the stale records keep backing their proofs.
func (l *Ledger) heal(ctx context.Context, st *MintState) {
	ids := make([]uuid.UUID, 0, len(st.Stale))
	var groups []model.Proofs
	for _, s := range st.Stale {
		ids = append(ids, s.Record.ID)
		if len(s.Keep) > 0 {
			groups = append(groups, s.Keep)
		}
	}
	res, err := l.records.Supersede(context.WithoutCancel(ctx), tokens.Request{Mint: st.Mint, Consumed: ids, Groups: groups})
	if err != nil {
		l.log.Warn("healing stale token records failed", zap.String("mint", st.Mint), zap.Int("stale", len(ids)), zap.Error(err))
		return
	}
	l.log.Info("healed stale token records", zap.String("mint", st.Mint), zap.Int("stale", len(ids)), zap.Int("created", len(res.Created)))
	st.Proofs = replaceHeld(st.Proofs, ids, res.Created)
}

// replaceHeld drops entries backed by the given records and adds the created ones.
func replaceHeld(held []Held, dropped []uuid.UUID, created []model.TokenRecord) []Held {
	gone := make(map[uuid.UUID]bool, len(dropped))
	for _, id := range dropped {
		gone[id] = true
	}
	out := make([]Held, 0, len(held))
	seen := map[string]bool{}
	for _, h := range held {
		if !gone[h.Record] {
			out = append(out, h)
			seen[model.ProofKey(h.Proof)] = true
		}
	}
	for _, c := range created {
		for _, p := range c.Proofs {
			if k := model.ProofKey(p); !seen[k] {
				seen[k] = true
				out = append(out, Held{Proof: p, Record: c.ID})
			}
		}
	}
	return out
}

func uniqueProofs(recs []model.TokenRecord) model.Proofs {
	seen := map[string]bool{}
	var out model.Proofs
	for _, r := range recs {
		for _, p := range r.Proofs {
			if k := model.ProofKey(p); !seen[k] {
				seen[k] = true
				out = append(out, p)
			}
		}
	}
	return out
}

func heldProofs(held []Held) model.Proofs {
	out := make(model.Proofs, len(held))
	for i, h := range held {
		out[i] = h.Proof
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		if strings.TrimSpace(k) != "" {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return out
}

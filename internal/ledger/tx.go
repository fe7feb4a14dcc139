package ledger

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/nutkeeper/internal/errs"
	"github.com/and161185/nutkeeper/internal/model"
	"github.com/and161185/nutkeeper/internal/tokens"
)

// Selection is the result of Reserve.
type Selection struct {
	Selected model.Proofs
	// Exact is set when Selected sums to the requested amount.
	Exact bool
	// InsufficientBy is the shortfall when the balance cannot cover the amount.
	InsufficientBy uint64
}

// Total returns the value of the selected proofs.
func (s Selection) Total() uint64 { return model.Sum(s.Selected) }

// Err returns ErrInsufficientFunds when the selection is short.
func (s Selection) Err() error {
	if s.InsufficientBy > 0 {
		return fmt.Errorf("%w: short by %d", errs.ErrInsufficientFunds, s.InsufficientBy)
	}
	return nil
}

// Change describes a mint-confirmed mutation of one mint's holdings.
type Change struct {
	// Consumed proofs were spent at the mint (or handed out, see RequireLive).
	Consumed model.Proofs
	// Produced proofs were issued by the mint and are now held.
	Produced model.Proofs
	// RequireLive makes the commit fail with ErrVersionConflict when a consumed
	// record was replaced by another writer. Set when no mint call confirmed the change.
	RequireLive bool
	// Audit, when set, is reported to the observer after the commit.
	Audit *Audit
}

// CommitResult reports a successful commit.
type CommitResult struct {
	Version   uint64
	Created   []uuid.UUID
	Destroyed []uuid.UUID
}

// Tx is exclusive access to one mint inside Ledger.Update.
type Tx struct {
	l    *Ledger
	ctx  context.Context
	mint string
	snap *snapshot
}

// Mint returns the mint URL.
func (tx *Tx) Mint() string { return tx.mint }

// Version returns the snapshot version the transaction sees.
func (tx *Tx) Version() uint64 { return tx.snap.version }

// Held returns a copy of the held proofs.
func (tx *Tx) Held() model.Proofs { return heldProofs(tx.snap.held) }

// Balance returns the held amount.
func (tx *Tx) Balance() uint64 { return tx.snap.balance() }

// Reserve selects proofs for amount: largest first, taking a proof whenever it still
// fits. When no exact subset is found the selection is topped up to a covering set
// (the smallest proof covering the rest, else more of the largest) to be swapped.
// A balance below amount is reported in InsufficientBy.
func (tx *Tx) Reserve(amount uint64) Selection {
	if amount == 0 {
		return Selection{Exact: true}
	}
	if bal := tx.Balance(); bal < amount {
		return Selection{InsufficientBy: amount - bal}
	}
	held := tx.Held()
	slices.SortFunc(held, func(a, b model.Proof) int {
		if c := cmp.Compare(b.Amount, a.Amount); c != 0 {
			return c
		}
		return cmp.Compare(a.Secret, b.Secret)
	})

	picked := make([]bool, len(held))
	remaining := amount
	for i, p := range held {
		if p.Amount <= remaining {
			picked[i] = true
			remaining -= p.Amount
			if remaining == 0 {
				break
			}
		}
	}
	if remaining > 0 {
		cover := -1
		for i := len(held) - 1; i >= 0; i-- {
			if !picked[i] && held[i].Amount >= remaining {
				cover = i
				break
			}
		}
		if cover >= 0 {
			picked[cover] = true
		} else {
			var added uint64
			for i := range held {
				if !picked[i] {
					picked[i] = true
					added += held[i].Amount
					if added >= remaining {
						break
					}
				}
			}
		}
	}

	var sel Selection
	for i, p := range held {
		if picked[i] {
			sel.Selected = append(sel.Selected, p)
		}
	}
	sel.Exact = sel.Total() == amount
	return sel
}

// Commit persists ch through the record manager and then updates the snapshot.
// Records holding consumed proofs are superseded by records holding their remainder
// plus the produced proofs. Commit is not cancellable; on error the snapshot is unchanged.
func (tx *Tx) Commit(ch Change) (CommitResult, error) {
	ctx := context.WithoutCancel(tx.ctx)

	consumed := make(map[string]bool, len(ch.Consumed))
	for _, p := range ch.Consumed {
		consumed[model.ProofKey(p)] = true
	}
	affected := map[uuid.UUID]bool{}
	matched := 0
	for _, h := range tx.snap.held {
		if consumed[model.ProofKey(h.Proof)] {
			affected[h.Record] = true
			matched++
		}
	}
	if matched != len(consumed) {
		return CommitResult{}, fmt.Errorf("%w: %d consumed proofs are not held", errs.ErrVersionConflict, len(consumed)-matched)
	}

	var remainder model.Proofs
	have := map[string]bool{}
	for _, h := range tx.snap.held {
		k := model.ProofKey(h.Proof)
		if affected[h.Record] && !consumed[k] {
			remainder = append(remainder, h.Proof)
		}
		if !consumed[k] {
			have[k] = true
		}
	}
	var produced model.Proofs
	for _, p := range ch.Produced {
		if k := model.ProofKey(p); !have[k] {
			have[k] = true
			produced = append(produced, p)
		}
	}

	var groups []model.Proofs
	if len(remainder) > 0 {
		groups = append(groups, remainder)
	}
	if len(produced) > 0 {
		groups = append(groups, produced)
	}
	ids := make([]uuid.UUID, 0, len(affected))
	for id := range affected {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b uuid.UUID) int { return cmp.Compare(a.String(), b.String()) })
	if len(ids) == 0 && len(groups) == 0 {
		return CommitResult{Version: tx.snap.version}, nil
	}

	res, err := tx.l.records.Supersede(ctx, tokens.Request{
		Mint:        tx.mint,
		Consumed:    ids,
		Groups:      groups,
		RequireLive: ch.RequireLive,
	})
	if err != nil {
		if ch.RequireLive && len(res.Deleted) > 0 {
			tx.restore(ctx, res.Deleted, consumed)
		}
		return CommitResult{}, err
	}

	tx.l.retire(ch.Consumed)
	held := replaceHeld(tx.snap.held, ids, res.Created)
	v := tx.l.install(tx.mint, held)
	tx.snap = tx.l.snapshot(tx.mint)

	out := CommitResult{Version: v, Created: res.CreatedIDs(), Destroyed: ids}
	tx.l.log.Debug("committed", zap.String("mint", tx.mint), zap.Uint64("version", v),
		zap.Int("consumed", len(ch.Consumed)), zap.Int("produced", len(produced)), zap.Uint64("balance", tx.snap.balance()))
	if ch.Audit != nil && tx.l.observer != nil {
		tx.l.observer(ctx, Event{Mint: tx.mint, Version: v, Audit: *ch.Audit, Created: out.Created, Destroyed: out.Destroyed})
	}
	return out, nil
}

// restore republishes the consumed proofs of records a failed local-only commit had
// already deleted. Those proofs were never handed out.
func (tx *Tx) restore(ctx context.Context, deleted []uuid.UUID, consumed map[string]bool) {
	gone := make(map[uuid.UUID]bool, len(deleted))
	for _, id := range deleted {
		gone[id] = true
	}
	var ps model.Proofs
	for _, h := range tx.snap.held {
		if gone[h.Record] && consumed[model.ProofKey(h.Proof)] {
			ps = append(ps, h.Proof)
		}
	}
	if len(ps) == 0 {
		return
	}
	if _, err := tx.l.records.Supersede(ctx, tokens.Request{Mint: tx.mint, Groups: []model.Proofs{ps}}); err != nil {
		tx.l.log.Error("failed to restore proofs of a partial commit", zap.String("mint", tx.mint),
			zap.Uint64("amount", model.Sum(ps)), zap.Error(err))
		return
	}
	tx.l.log.Warn("restored proofs of a partial commit", zap.String("mint", tx.mint), zap.Uint64("amount", model.Sum(ps)))
}

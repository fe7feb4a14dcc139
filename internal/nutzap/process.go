package nutzap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/nutkeeper/internal/errs"
	"github.com/and161185/nutkeeper/internal/ledger"
	"github.com/and161185/nutkeeper/internal/mint"
	"github.com/and161185/nutkeeper/internal/model"
)

// State is the progress of one inbound transfer.
type State string

const (
	StateSeen      State = "seen"
	StateUnlocked  State = "unlocked"
	StateValidated State = "validated"
	StateCommitted State = "committed"
	StateRedeemed  State = "redeemed"
	StateRejected  State = "rejected"
)

// Outcome reports how one inbound transfer was handled. Err is set for rejected
// transfers, for transfers skipped as already redeemed, and for the transfer a
// pass stopped at.
type Outcome struct {
	Transfer uuid.UUID
	Seq      int64
	Sender   string
	Mint     string
	Amount   uint64
	Note     string
	State    State
	Err      error
}

// Final reports whether the transfer needs no further processing.
func (o Outcome) Final() bool { return o.State == StateRedeemed || o.State == StateRejected }

// Process handles every transfer addressed to self after the watermark, in store
// order. The watermark advances over final outcomes only and a pass stops at the
// first transfer that failed for a retryable reason.
func (e *Engine) Process(ctx context.Context) ([]Outcome, error) {
	wm, err := e.queue.Watermark()
	if err != nil {
		return nil, err
	}
	recs, err := e.rc.QueryAddressed(ctx, model.KindTransfer, wm)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	logged := map[uuid.UUID]bool{}
	if e.history != nil {
		if logged, err = e.history.RedeemedTransfers(ctx); err != nil {
			e.log.Warn("reading redeemed transfers from history failed", zap.Error(err))
			logged = map[uuid.UUID]bool{}
		}
	}

	var out []Outcome
	var stop error
	for _, rec := range recs {
		o := e.redeem(ctx, rec, logged)
		out = append(out, o)
		if !o.Final() {
			stop = o.Err
			break
		}
		if err := e.queue.SetWatermark(rec.Seq); err != nil {
			stop = err
			break
		}
	}
	return out, stop
}

func (e *Engine) redeem(ctx context.Context, rec model.Record, logged map[uuid.UUID]bool) Outcome {
	o := Outcome{Transfer: rec.ID, Seq: rec.Seq, Sender: rec.Author, State: StateSeen}
	id := rec.ID.String()

	done, err := e.queue.Redeemed(id)
	if err != nil {
		o.Err = err
		return o
	}
	if done || logged[rec.ID] {
		if !done {
			e.markRedeemed(id)
		}
		o.State, o.Err = StateRedeemed, errs.ErrAlreadyRedeemed
		return o
	}

	var ev model.TransferEvent
	if err := e.rc.Open(rec, &ev); err != nil {
		return e.reject(o, fmt.Errorf("%w: %w", errs.ErrInvalidToken, err))
	}
	o.Mint, o.Amount, o.Note = mint.NormalizeURL(ev.Mint), ev.Amount(), ev.Note
	if len(ev.Proofs) == 0 || o.Mint == "" {
		return e.reject(o, fmt.Errorf("%w: empty transfer", errs.ErrInvalidToken))
	}

	var key *mint.P2PKKey
	if e.lockKey != nil {
		key = e.lockKey()
	}
	if key == nil {
		// Nothing can be unlocked until a key exists; leave the transfer for later.
		o.Err = errs.ErrNoLockKey
		return o
	}
	for _, p := range ev.Proofs {
		pub, locked := mint.LockedPubkey(p)
		if !locked || !key.Owns(pub) {
			return e.reject(o, fmt.Errorf("%w: transfer proofs are not locked to our key", errs.ErrInvalidLock))
		}
	}
	o.State = StateUnlocked

	if e.trusted != nil && !e.trusted(o.Mint) {
		return e.reject(o, fmt.Errorf("%w: %s", errs.ErrUntrustedMint, o.Mint))
	}
	o.State = StateValidated

	transferID := rec.ID
	_, err = e.transfer.Redeem(ctx, o.Mint, ev.Proofs, ledger.Audit{Memo: ev.Note, RedeemedTransfer: &transferID})
	switch {
	case err == nil:
		o.State = StateCommitted
	case errors.Is(err, errs.ErrFundsNotSaved):
		// Swapped and parked; the transfer is spent either way.
		o.State, o.Err = StateCommitted, err
	case errors.Is(err, errs.ErrAlreadyRedeemed):
		e.markRedeemed(id)
		return e.reject(o, err)
	case errs.Retryable(err), errors.Is(err, errs.ErrOutcomeUnknown), errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		o.Err = err
		return o
	default:
		return e.reject(o, err)
	}

	e.markRedeemed(id)
	o.State = StateRedeemed
	e.metrics.Operation("nutzap_redeem", o.Err)
	e.log.Info("nutzap redeemed", zap.Stringer("transfer", rec.ID), zap.String("mint", o.Mint), zap.Uint64("amount", o.Amount))
	return o
}

func (e *Engine) reject(o Outcome, err error) Outcome {
	e.metrics.Operation("nutzap_redeem", err)
	e.log.Info("nutzap rejected", zap.Stringer("transfer", o.Transfer), zap.String("state", string(o.State)), zap.Error(err))
	o.State, o.Err = StateRejected, err
	return o
}

func (e *Engine) markRedeemed(id string) {
	if err := e.queue.MarkRedeemed(id); err != nil {
		e.log.Error("failed to mark transfer redeemed", zap.String("transfer", id), zap.Error(err))
	}
}

// Listener runs Process periodically until stopped.
type Listener struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Listen starts processing inbound transfers immediately and then every interval.
// onOutcome, when set, receives every outcome.
func (e *Engine) Listen(ctx context.Context, interval time.Duration, onOutcome func(Outcome)) *Listener {
	ctx, cancel := context.WithCancel(ctx)
	l := &Listener{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(l.done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			outs, err := e.Process(ctx)
			for _, o := range outs {
				if onOutcome != nil {
					onOutcome(o)
				}
			}
			if err != nil && ctx.Err() == nil {
				e.log.Warn("nutzap pass stopped", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
	}()
	return l
}

// Stop cancels the listener and waits for the running pass to end.
func (l *Listener) Stop() {
	l.once.Do(l.cancel)
	<-l.done
}

// Done is closed when the listener stopped.
func (l *Listener) Done() <-chan struct{} { return l.done }

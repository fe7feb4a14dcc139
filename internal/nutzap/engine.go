// Package nutzap implements push payments: proofs locked to a recipient's key and
// delivered as transfer events on the record store.
package nutzap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/nutkeeper/internal/errs"
	"github.com/and161185/nutkeeper/internal/ledger"
	"github.com/and161185/nutkeeper/internal/metrics"
	"github.com/and161185/nutkeeper/internal/mint"
	"github.com/and161185/nutkeeper/internal/model"
	"github.com/and161185/nutkeeper/internal/records"
	"github.com/and161185/nutkeeper/internal/recovery"
	"github.com/and161185/nutkeeper/internal/transfer"
)

// RedeemedLog lists transfers the spending history reports as redeemed.
type RedeemedLog interface {
	RedeemedTransfers(ctx context.Context) (map[uuid.UUID]bool, error)
}

// Engine sends and redeems nutzaps for one identity.
type Engine struct {
	rc       *records.Client
	transfer *transfer.Engine
	ledger   *ledger.Ledger
	queue    recovery.Queue
	history  RedeemedLog
	lockKey  func() *mint.P2PKKey
	trusted  func(url string) bool
	log      *zap.Logger
	metrics  *metrics.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.log = l } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithLockKey sets the source of the key inbound transfers are locked to.
func WithLockKey(k func() *mint.P2PKKey) Option { return func(e *Engine) { e.lockKey = k } }

// WithTrust sets the trusted-mint predicate for inbound transfers.
func WithTrust(f func(url string) bool) Option { return func(e *Engine) { e.trusted = f } }

// WithRedeemedLog adds a second source of redeemed transfer ids.
func WithRedeemedLog(h RedeemedLog) Option { return func(e *Engine) { e.history = h } }

// New constructs an Engine.
func New(rc *records.Client, xfer *transfer.Engine, l *ledger.Ledger, queue recovery.Queue, opts ...Option) *Engine {
	e := &Engine{rc: rc, transfer: xfer, ledger: l, queue: queue, log: zap.NewNop()}
	for _, o := range opts {
		o(e)
	}
	return e
}

// SendRequest is an outbound nutzap.
type SendRequest struct {
	Recipient           string
	Amount              uint64
	Note                string
	ReferencedContentID string
}

// SendResult reports a sent nutzap.
type SendResult struct {
	Transfer uuid.UUID
	Mint     string
	Amount   uint64
}

// Send pays req.Recipient at a mint both sides trust. The funded mint with the
// largest balance is used.
func (e *Engine) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	res, err := e.send(ctx, req)
	e.metrics.Operation("nutzap_send", err)
	return res, err
}

func (e *Engine) send(ctx context.Context, req SendRequest) (SendResult, error) {
	if req.Amount == 0 {
		return SendResult{}, fmt.Errorf("%w: amount must be positive", errs.ErrInvalidAmount)
	}
	info, err := e.ResolveInfo(ctx, req.Recipient)
	if err != nil {
		return SendResult{}, err
	}
	// The event must be sealable to the recipient before any proof is locked to them.
	if _, err := e.rc.Seal(records.Draft{Kind: model.KindTransfer, Recipient: req.Recipient, Payload: model.TransferEvent{}}); err != nil {
		return SendResult{}, fmt.Errorf("%w: recipient key: %w", errs.ErrValidation, err)
	}
	mintURL, err := e.pickMint(info.Mints, req.Amount)
	if err != nil {
		return SendResult{}, err
	}

	res := SendResult{Mint: mintURL, Amount: req.Amount}
	undelivered := false
	err = e.ledger.Update(ctx, mintURL, func(tx *ledger.Tx) error {
		out, err := e.transfer.Prepare(ctx, tx, req.Amount, info.LockPubkey)
		if err != nil {
			return err
		}
		rec, err := e.rc.Seal(records.Draft{
			Kind:      model.KindTransfer,
			Recipient: req.Recipient,
			Payload: model.TransferEvent{
				Mint:                mintURL,
				Unit:                model.DefaultUnit,
				Proofs:              out.Send,
				Note:                req.Note,
				ReferencedContentID: req.ReferencedContentID,
			},
		})
		if err == nil {
			res.Transfer = rec.ID
			_, err = e.rc.Publish(context.WithoutCancel(ctx), rec)
		}
		if err != nil {
			// The proofs are locked to the recipient already; only delivery is left.
			e.log.Error("transfer event not delivered", zap.String("mint", mintURL), zap.Uint64("amount", req.Amount), zap.Error(err))
			if perr := e.park(rec, mintURL, req.Amount); perr != nil {
				e.log.Error("failed to park transfer event", zap.String("mint", mintURL), zap.Error(perr))
			}
			undelivered = true
		}
		_, err = tx.Commit(ledger.Change{
			Consumed: out.Consumed,
			Produced: out.Keep,
			Audit:    &ledger.Audit{Direction: model.DirectionOut, Amount: req.Amount, Memo: req.Note},
		})
		return err
	})
	if err != nil {
		return res, err
	}
	if undelivered {
		return res, fmt.Errorf("%w: transfer %s not delivered", errs.ErrFundsNotSaved, res.Transfer)
	}
	e.log.Info("nutzap sent", zap.String("mint", mintURL), zap.Uint64("amount", req.Amount), zap.Stringer("transfer", res.Transfer))
	return res, nil
}

// pickMint selects among mints the recipient trusts the one where we hold the most.
func (e *Engine) pickMint(theirs []string, amount uint64) (string, error) {
	var best string
	var bestBal uint64
	for _, m := range theirs {
		if bal := e.ledger.Balance(m); bal > 0 && (best == "" || bal > bestBal) {
			best, bestBal = m, bal
		}
	}
	switch {
	case best == "":
		return "", errs.ErrNoCommonMint
	case bestBal < amount:
		return "", fmt.Errorf("%w: short by %d at %s", errs.ErrInsufficientFunds, amount-bestBal, best)
	}
	return best, nil
}

func (e *Engine) park(rec model.Record, mintURL string, amount uint64) error {
	if rec.ID == uuid.Nil {
		return errors.New("transfer event was never sealed")
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return e.queue.Park(recovery.Entry{ID: rec.ID.String(), Kind: recovery.EntryTransfer, Mint: mintURL, Amount: amount, Payload: payload})
}

// Republish delivers parked transfer events and returns how many were delivered.
func (e *Engine) Republish(ctx context.Context) (int, error) {
	entries, err := e.queue.Pending(recovery.EntryTransfer)
	if err != nil {
		return 0, err
	}
	n := 0
	var failed []error
	for _, en := range entries {
		var rec model.Record
		if err := json.Unmarshal(en.Payload, &rec); err != nil {
			failed = append(failed, fmt.Errorf("entry %s: %w", en.ID, err))
			continue
		}
		if _, err := e.rc.Publish(ctx, rec); err != nil {
			failed = append(failed, fmt.Errorf("entry %s: %w", en.ID, err))
			continue
		}
		if err := e.queue.Done(en.ID); err != nil {
			failed = append(failed, err)
			continue
		}
		n++
		e.log.Info("delivered parked transfer event", zap.String("id", en.ID), zap.String("mint", en.Mint))
	}
	if len(failed) > 0 {
		return n, fmt.Errorf("%w: %w", errs.ErrFundsNotSaved, errors.Join(failed...))
	}
	return n, nil
}

// Package transfer moves value in and out of the wallet as portable bearer tokens.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/and161185/nutkeeper/internal/errs"
	"github.com/and161185/nutkeeper/internal/ledger"
	"github.com/and161185/nutkeeper/internal/metrics"
	"github.com/and161185/nutkeeper/internal/mint"
	"github.com/and161185/nutkeeper/internal/model"
)

// MintClient is the part of a mint session the engine needs.
type MintClient interface {
	Swap(ctx context.Context, proofs model.Proofs, out mint.OutputSpec) (keep, send model.Proofs, err error)
	CheckSpent(ctx context.Context, proofs model.Proofs) ([]model.ProofState, error)
}

// Parker saves proofs that exist only in memory for later replay.
type Parker interface {
	Park(mintURL string, ps model.Proofs) error
}

// Engine sends and receives tokens through the ledger.
type Engine struct {
	ledger  *ledger.Ledger
	mints   func(url string) MintClient
	trusted func(url string) bool
	parker  Parker
	lockKey func() *mint.P2PKKey
	log     *zap.Logger
	metrics *metrics.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.log = l } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithLockKey sets the source of the key that unlocks proofs locked to the wallet.
func WithLockKey(k func() *mint.P2PKKey) Option { return func(e *Engine) { e.lockKey = k } }

// WithTrust sets the trusted-mint predicate. Without it every mint is trusted.
func WithTrust(f func(url string) bool) Option { return func(e *Engine) { e.trusted = f } }

// New constructs an Engine.
func New(l *ledger.Ledger, mints func(url string) MintClient, parker Parker, opts ...Option) *Engine {
	e := &Engine{ledger: l, mints: mints, parker: parker, log: zap.NewNop()}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Outgoing is value prepared for handing out inside a ledger transaction.
type Outgoing struct {
	Consumed model.Proofs
	Keep     model.Proofs
	Send     model.Proofs
	// Swapped is set when the mint issued Keep and Send; otherwise Send is the
	// unchanged selection and nothing happened mint-side yet.
	Swapped bool
}

// Prepare reserves amount in tx. Unless the selection is exact and no lock is
// requested, the selection is swapped into change and a send part, locked to lockTo
// when it is not empty. Nothing is committed.
func (e *Engine) Prepare(ctx context.Context, tx *ledger.Tx, amount uint64, lockTo string) (Outgoing, error) {
	if amount == 0 {
		return Outgoing{}, fmt.Errorf("%w: amount must be positive", errs.ErrInvalidAmount)
	}
	sel := tx.Reserve(amount)
	if err := sel.Err(); err != nil {
		return Outgoing{}, err
	}
	if sel.Exact && lockTo == "" {
		return Outgoing{Consumed: sel.Selected, Send: sel.Selected}, nil
	}
	keep, send, err := e.mints(tx.Mint()).Swap(ctx, sel.Selected, mint.OutputSpec{
		Keep:   mint.SplitAmount(sel.Total() - amount),
		Send:   mint.SplitAmount(amount),
		LockTo: lockTo,
	})
	if err != nil {
		return Outgoing{}, err
	}
	return Outgoing{Consumed: sel.Selected, Keep: keep, Send: send, Swapped: true}, nil
}

// Send takes amount out of mintURL and returns it as an encoded token.
func (e *Engine) Send(ctx context.Context, mintURL string, amount uint64, memo string) (string, error) {
	mintURL = mint.NormalizeURL(mintURL)
	var token string
	err := e.ledger.Update(ctx, mintURL, func(tx *ledger.Tx) error {
		out, err := e.Prepare(ctx, tx, amount, "")
		if err != nil {
			return err
		}
		token, err = Encode(model.Token{Mint: mintURL, Unit: model.DefaultUnit, Memo: memo, Proofs: out.Send})
		if err != nil {
			return err
		}
		_, err = tx.Commit(ledger.Change{
			Consumed:    out.Consumed,
			Produced:    out.Keep,
			RequireLive: !out.Swapped,
			Audit:       &ledger.Audit{Direction: model.DirectionOut, Amount: amount, Memo: memo},
		})
		if err == nil || errors.Is(err, errs.ErrVersionConflict) {
			return err
		}
		// The token is not handed out, so the send part is still ours. A local-only
		// commit may have failed halfway through its deletes.
		if perr := e.parker.Park(mintURL, out.Send); perr != nil {
			e.log.Error("failed to park unsent proofs", zap.String("mint", mintURL), zap.Uint64("amount", amount), zap.Error(perr))
		}
		if errors.Is(err, errs.ErrFundsNotSaved) {
			return err
		}
		return fmt.Errorf("%w: %w", errs.ErrFundsNotSaved, err)
	})
	e.metrics.Operation("send", err)
	if err != nil {
		return "", err
	}
	e.log.Info("token sent", zap.String("mint", mintURL), zap.Uint64("amount", amount))
	return token, nil
}

// Receive redeems an encoded token into the wallet and returns the amount credited.
func (e *Engine) Receive(ctx context.Context, encoded string) (uint64, error) {
	t, err := Decode(encoded)
	if err != nil {
		e.metrics.Operation("receive", err)
		return 0, err
	}
	amount, err := e.Redeem(ctx, t.Mint, t.Proofs, ledger.Audit{Memo: t.Memo})
	e.metrics.Operation("receive", err)
	return amount, err
}

// Redeem swaps incoming proofs at mintURL into fresh held proofs. Proofs locked to
// the wallet's lock key are unlocked first. Proofs that are already spent or held
// yield ErrAlreadyRedeemed.
func (e *Engine) Redeem(ctx context.Context, mintURL string, proofs model.Proofs, audit ledger.Audit) (uint64, error) {
	mintURL = mint.NormalizeURL(mintURL)
	if e.trusted != nil && !e.trusted(mintURL) {
		return 0, fmt.Errorf("%w: %s", errs.ErrUntrustedMint, mintURL)
	}
	if len(proofs) == 0 {
		return 0, fmt.Errorf("%w: no proofs", errs.ErrInvalidToken)
	}
	inputs, err := e.unlock(proofs)
	if err != nil {
		return 0, err
	}

	amount := model.Sum(inputs)
	err = e.ledger.Update(ctx, mintURL, func(tx *ledger.Tx) error {
		held := tx.Held()
		for _, p := range inputs {
			if slices.ContainsFunc(held, func(h model.Proof) bool { return h.Secret == p.Secret }) {
				return fmt.Errorf("%w: proofs already held", errs.ErrAlreadyRedeemed)
			}
		}
		client := e.mints(mintURL)
		states, err := client.CheckSpent(ctx, inputs)
		if err != nil {
			return err
		}
		for _, st := range states {
			switch st {
			case model.ProofSpent:
				return errs.ErrAlreadyRedeemed
			case model.ProofPending:
				return fmt.Errorf("%w: proofs are pending at the mint", errs.ErrOutcomeUnknown)
			}
		}

		keep, _, err := client.Swap(ctx, inputs, mint.OutputSpec{Keep: mint.SplitAmount(amount)})
		if errors.Is(err, errs.ErrMintRejected) {
			return fmt.Errorf("%w: %w", errs.ErrAlreadyRedeemed, err)
		}
		if err != nil {
			return err
		}
		audit.Direction, audit.Amount = model.DirectionIn, amount
		_, err = tx.Commit(ledger.Change{Produced: keep, Audit: &audit})
		return err
	})
	if err != nil {
		return 0, err
	}
	e.log.Info("proofs redeemed", zap.String("mint", mintURL), zap.Uint64("amount", amount))
	return amount, nil
}

func (e *Engine) unlock(ps model.Proofs) (model.Proofs, error) {
	out := slices.Clone(ps)
	var key *mint.P2PKKey
	if e.lockKey != nil {
		key = e.lockKey()
	}
	for i, p := range out {
		if _, locked := mint.LockedPubkey(p); !locked {
			continue
		}
		if key == nil {
			return nil, errs.ErrNoLockKey
		}
		u, err := key.Unlock(model.Proofs{p})
		if err != nil {
			return nil, err
		}
		out[i] = u[0]
	}
	return out, nil
}

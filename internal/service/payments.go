package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/and161185/nutkeeper/internal/errs"
	"github.com/and161185/nutkeeper/internal/ledger"
	"github.com/and161185/nutkeeper/internal/mint"
	"github.com/and161185/nutkeeper/internal/model"
)

// PayInvoice melts proofs at mintURL to pay a Lightning invoice. Inputs are first
// swapped to the exact amount plus fee reserve; the mint returns the unused reserve
// as change.
func (w *WalletServiceImpl) PayInvoice(ctx context.Context, mintURL, invoice string) (Payment, error) {
	mintURL = mint.NormalizeURL(mintURL)
	if invoice == "" {
		return Payment{}, fmt.Errorf("%w: empty invoice", errs.ErrValidation)
	}
	if !w.trusts(mintURL) {
		return Payment{}, fmt.Errorf("%w: %s", errs.ErrUntrustedMint, mintURL)
	}
	session := w.sessions.Get(mintURL)
	q, err := session.RequestMeltQuote(ctx, invoice)
	if err != nil {
		return Payment{}, err
	}

	var pay Payment
	err = w.ledger.Update(ctx, mintURL, func(tx *ledger.Tx) error {
		need := q.Amount + q.FeeReserve
		sel := tx.Reserve(need)
		if err := sel.Err(); err != nil {
			return err
		}
		inputs := sel.Selected
		if !sel.Exact {
			keep, send, err := session.Swap(ctx, sel.Selected, mint.OutputSpec{
				Keep: mint.SplitAmount(sel.Total() - need),
				Send: mint.SplitAmount(need),
			})
			if err != nil {
				return err
			}
			swapped := append(keep, send...)
			if _, err := tx.Commit(ledger.Change{Consumed: sel.Selected, Produced: swapped}); err != nil {
				return w.parkUnsaved(mintURL, swapped, err)
			}
			inputs = send
		}

		res, err := session.Melt(ctx, q, inputs)
		if err != nil {
			return err
		}
		fee := model.Sum(inputs) - q.Amount - model.Sum(res.Change)
		pay = Payment{Paid: res.Paid, Amount: q.Amount, Fee: fee, Preimage: res.Preimage}
		_, err = tx.Commit(ledger.Change{
			Consumed: inputs,
			Produced: res.Change,
			Audit:    &ledger.Audit{Direction: model.DirectionOut, Amount: q.Amount, Fee: fee, Memo: "lightning payment"},
		})
		if err != nil && len(res.Change) > 0 {
			return w.parkUnsaved(mintURL, res.Change, err)
		}
		return err
	})
	w.metrics.Operation("melt", err)
	if err != nil {
		if errors.Is(err, errs.ErrFundsNotSaved) {
			return pay, err
		}
		return Payment{}, err
	}
	w.log.Info("invoice paid", zap.String("mint", mintURL), zap.String("quote", q.ID),
		zap.Uint64("amount", pay.Amount), zap.Uint64("fee", pay.Fee))
	return pay, nil
}

// parkUnsaved queues proofs that exist at the mint but failed to persist.
func (w *WalletServiceImpl) parkUnsaved(mintURL string, ps model.Proofs, cause error) error {
	if errors.Is(cause, errs.ErrFundsNotSaved) {
		return cause
	}
	if err := w.tokens.Park(mintURL, ps); err != nil {
		w.log.Error("failed to park unsaved proofs", zap.String("mint", mintURL), zap.Uint64("amount", model.Sum(ps)), zap.Error(err))
	}
	return fmt.Errorf("%w: %w", errs.ErrFundsNotSaved, cause)
}

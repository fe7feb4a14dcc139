package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/nutkeeper/internal/errs"
	"github.com/and161185/nutkeeper/internal/ledger"
	"github.com/and161185/nutkeeper/internal/mint"
	"github.com/and161185/nutkeeper/internal/model"
	"github.com/and161185/nutkeeper/internal/records"
)

// quoteNote is a pending deposit quote and the record persisting it.
type quoteNote struct {
	Quote  model.MintQuote
	Record uuid.UUID
}

// CreateDepositQuote requests a deposit quote at a trusted mint. The quote is kept in
// memory and as an expiring encrypted note so another device can complete it.
func (w *WalletServiceImpl) CreateDepositQuote(ctx context.Context, mintURL string, amount uint64) (model.MintQuote, error) {
	mintURL = mint.NormalizeURL(mintURL)
	if !w.trusts(mintURL) {
		return model.MintQuote{}, fmt.Errorf("%w: %s", errs.ErrUntrustedMint, mintURL)
	}
	q, err := w.sessions.Get(mintURL).RequestMintQuote(ctx, amount)
	if err != nil {
		return model.MintQuote{}, err
	}
	q.Mint = mintURL
	note := quoteNote{Quote: q}
	rec, err := w.rc.PublishSealed(ctx, records.Draft{Kind: model.KindQuoteNote, Payload: q, ExpiresAt: q.Expiry})
	if err != nil {
		w.log.Warn("deposit quote note not saved", zap.String("mint", mintURL), zap.String("quote", q.ID), zap.Error(err))
	} else {
		note.Record = rec.ID
	}
	w.mu.Lock()
	w.quotes[q.ID] = note
	w.mu.Unlock()
	w.log.Info("deposit quote created", zap.String("mint", mintURL), zap.String("quote", q.ID), zap.Uint64("amount", amount))
	return q, nil
}

// WatchDeposit polls the quote every interval.
func (w *WalletServiceImpl) WatchDeposit(ctx context.Context, quoteID string, interval time.Duration) (*mint.QuoteWatch, error) {
	note, err := w.quote(quoteID)
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return w.sessions.Get(note.Quote.Mint).WatchMintQuote(ctx, quoteID, interval), nil
}

// CompleteDeposit claims a paid quote and returns the amount credited. A quote the
// mint reports as issued or expired is forgotten.
func (w *WalletServiceImpl) CompleteDeposit(ctx context.Context, quoteID string) (uint64, error) {
	note, err := w.quote(quoteID)
	if err != nil {
		return 0, err
	}
	q := note.Quote
	err = w.ledger.Update(ctx, q.Mint, func(tx *ledger.Tx) error {
		ps, err := w.sessions.Get(q.Mint).Claim(ctx, q.ID, q.Amount)
		if err != nil {
			return err
		}
		_, err = tx.Commit(ledger.Change{
			Produced: ps,
			Audit:    &ledger.Audit{Direction: model.DirectionIn, Amount: model.Sum(ps), Memo: "deposit"},
		})
		return err
	})
	w.metrics.Operation("deposit", err)
	switch {
	case errors.Is(err, errs.ErrAlreadyRedeemed), errors.Is(err, errs.ErrQuoteExpired):
		w.forgetQuote(ctx, note)
		return 0, err
	case errors.Is(err, errs.ErrFundsNotSaved):
		w.forgetQuote(ctx, note)
		return q.Amount, err
	case err != nil:
		return 0, err
	}
	w.forgetQuote(ctx, note)
	w.log.Info("deposit completed", zap.String("mint", q.Mint), zap.String("quote", q.ID), zap.Uint64("amount", q.Amount))
	return q.Amount, nil
}

func (w *WalletServiceImpl) quote(id string) (quoteNote, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	note, ok := w.quotes[id]
	if !ok {
		return quoteNote{}, fmt.Errorf("quote %s: %w", id, errs.ErrNotFound)
	}
	return note, nil
}

func (w *WalletServiceImpl) forgetQuote(ctx context.Context, note quoteNote) {
	w.mu.Lock()
	delete(w.quotes, note.Quote.ID)
	w.mu.Unlock()
	if note.Record == uuid.Nil {
		return
	}
	if err := w.rc.Delete(context.WithoutCancel(ctx), note.Record); err != nil {
		w.log.Warn("deleting deposit quote note failed", zap.String("quote", note.Quote.ID), zap.Error(err))
	}
}

// loadQuotes restores unexpired deposit quotes from their notes.
func (w *WalletServiceImpl) loadQuotes(ctx context.Context) error {
	recs, err := w.rc.QueryOwn(ctx, model.KindQuoteNote)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, r := range recs {
		var q model.MintQuote
		if err := w.rc.Open(r, &q); err != nil || q.ID == "" {
			continue
		}
		q.Mint = mint.NormalizeURL(q.Mint)
		w.quotes[q.ID] = quoteNote{Quote: q, Record: r.ID}
	}
	return nil
}

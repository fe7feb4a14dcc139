package mint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/and161185/nutkeeper/internal/errs"
	"github.com/and161185/nutkeeper/internal/model"
)

// Session orchestrates calls to one mint. Read-only calls are retried with backoff;
// a mutating call that fails on the network is followed by a state check before
// anything is retried, since it may have applied mint-side.
type Session struct {
	backend Backend
	log     *zap.Logger
	backoff func() retry.Backoff
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithSessionLogger sets the logger.
func WithSessionLogger(l *zap.Logger) SessionOption { return func(s *Session) { s.log = l } }

// WithReadBackoff sets the retry schedule of read-only calls.
func WithReadBackoff(b func() retry.Backoff) SessionOption {
	return func(s *Session) { s.backoff = b }
}

// NewSession wraps backend.
func NewSession(backend Backend, opts ...SessionOption) *Session {
	s := &Session{backend: backend, log: zap.NewNop(), backoff: defaultReadBackoff}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With(zap.String("mint", backend.URL()))
	return s
}

func defaultReadBackoff() retry.Backoff {
	b := retry.NewExponential(250 * time.Millisecond)
	b = retry.WithCappedDuration(4*time.Second, b)
	return retry.WithMaxRetries(4, b)
}

// URL returns the mint URL.
func (s *Session) URL() string { return s.backend.URL() }

// RequestMintQuote asks the mint for a deposit quote.
func (s *Session) RequestMintQuote(ctx context.Context, amount uint64) (model.MintQuote, error) {
	if amount == 0 {
		return model.MintQuote{}, errs.ErrInvalidAmount
	}
	return s.backend.CreateMintQuote(ctx, amount)
}

// PollMintQuote returns the current state of a deposit quote.
func (s *Session) PollMintQuote(ctx context.Context, id string) (model.MintQuote, error) {
	var q model.MintQuote
	err := s.read(ctx, "poll", func(ctx context.Context) error {
		var err error
		q, err = s.backend.MintQuoteState(ctx, id)
		return err
	})
	return q, err
}

// Claim mints amount against a paid quote. An unpaid quote fails with ErrNotPaidYet.
func (s *Session) Claim(ctx context.Context, quoteID string, amount uint64) (model.Proofs, error) {
	if amount == 0 {
		return nil, errs.ErrInvalidAmount
	}
	if err := s.claimable(ctx, quoteID); err != nil {
		return nil, err
	}
	ps, err := s.backend.Mint(ctx, quoteID, amount)
	if err == nil || !errors.Is(err, errs.ErrNetwork) {
		return ps, err
	}
	s.log.Warn("mint call failed, checking quote", zap.String("quote", quoteID), zap.Error(err))
	// Outputs of the lost call are gone with their blinding factors; a still-paid quote
	// means the mint did not issue, so one retry with fresh outputs is safe.
	if cerr := s.claimable(ctx, quoteID); cerr != nil {
		if errors.Is(cerr, errs.ErrAlreadyRedeemed) {
			return nil, fmt.Errorf("claim %s: %w", quoteID, errs.ErrOutcomeUnknown)
		}
		return nil, cerr
	}
	return s.backend.Mint(ctx, quoteID, amount)
}

func (s *Session) claimable(ctx context.Context, quoteID string) error {
	q, err := s.PollMintQuote(ctx, quoteID)
	if err != nil {
		return err
	}
	switch q.State {
	case model.QuotePaid:
		return nil
	case model.QuoteIssued:
		return fmt.Errorf("quote %s: %w", quoteID, errs.ErrAlreadyRedeemed)
	case model.QuoteExpired:
		return fmt.Errorf("quote %s: %w", quoteID, errs.ErrQuoteExpired)
	}
	return fmt.Errorf("quote %s: %w", quoteID, errs.ErrNotPaidYet)
}

// RequestMeltQuote asks the mint to quote paying invoice.
func (s *Session) RequestMeltQuote(ctx context.Context, invoice string) (model.MintQuote, error) {
	if invoice == "" {
		return model.MintQuote{}, fmt.Errorf("%w: empty invoice", errs.ErrValidation)
	}
	return s.backend.CreateMeltQuote(ctx, invoice)
}

// Melt pays quote with proofs worth at least amount plus fee reserve. Unused reserve
// comes back as change proofs.
func (s *Session) Melt(ctx context.Context, quote model.MintQuote, proofs model.Proofs) (MeltResult, error) {
	if need := quote.Amount + quote.FeeReserve; model.Sum(proofs) < need {
		return MeltResult{}, fmt.Errorf("%w: melt needs %d, got %d", errs.ErrInsufficientFunds, need, model.Sum(proofs))
	}
	res, err := s.backend.Melt(ctx, quote, proofs)
	if err == nil || !errors.Is(err, errs.ErrNetwork) {
		return res, err
	}
	s.log.Warn("melt call failed, checking quote", zap.String("quote", quote.ID), zap.Error(err))
	q, qerr := s.pollMelt(ctx, quote.ID)
	if qerr != nil {
		return MeltResult{}, fmt.Errorf("melt %s: %w: %w", quote.ID, errs.ErrOutcomeUnknown, qerr)
	}
	switch q.State {
	case model.QuotePaid:
		// Paid but the response was lost: inputs are spent, the change outputs are gone.
		return MeltResult{Paid: true}, nil
	case model.QuoteInFlight:
		return MeltResult{}, fmt.Errorf("melt %s: %w: payment in flight", quote.ID, errs.ErrOutcomeUnknown)
	}
	spent, cerr := s.anySpent(ctx, proofs)
	switch {
	case cerr != nil:
		return MeltResult{}, fmt.Errorf("melt %s: %w: %w", quote.ID, errs.ErrOutcomeUnknown, cerr)
	case spent:
		return MeltResult{}, fmt.Errorf("melt %s: %w: inputs spent", quote.ID, errs.ErrOutcomeUnknown)
	}
	return MeltResult{}, err
}

func (s *Session) pollMelt(ctx context.Context, id string) (model.MintQuote, error) {
	var q model.MintQuote
	err := s.read(ctx, "melt-state", func(ctx context.Context) error {
		var err error
		q, err = s.backend.MeltQuoteState(ctx, id)
		return err
	})
	return q, err
}

// Swap exchanges proofs for new ones of the denominations in out. The totals must match.
func (s *Session) Swap(ctx context.Context, proofs model.Proofs, out OutputSpec) (keep, send model.Proofs, err error) {
	if len(proofs) == 0 || out.Total() != model.Sum(proofs) {
		return nil, nil, fmt.Errorf("%w: swap of %d into %d", errs.ErrInvalidAmount, model.Sum(proofs), out.Total())
	}
	keep, send, err = s.backend.Swap(ctx, proofs, out)
	if err == nil || !errors.Is(err, errs.ErrNetwork) {
		return keep, send, err
	}
	s.log.Warn("swap call failed, checking inputs", zap.Int("inputs", len(proofs)), zap.Error(err))
	spent, cerr := s.anySpent(ctx, proofs)
	switch {
	case cerr != nil:
		return nil, nil, fmt.Errorf("swap: %w: %w", errs.ErrOutcomeUnknown, cerr)
	case spent:
		return nil, nil, fmt.Errorf("swap: %w: inputs spent", errs.ErrOutcomeUnknown)
	}
	return s.backend.Swap(ctx, proofs, out)
}

// CheckSpent returns the mint's state for each proof, in order.
func (s *Session) CheckSpent(ctx context.Context, proofs model.Proofs) ([]model.ProofState, error) {
	if len(proofs) == 0 {
		return nil, nil
	}
	var states []model.ProofState
	err := s.read(ctx, "checkstate", func(ctx context.Context) error {
		var err error
		states, err = s.backend.CheckState(ctx, proofs)
		return err
	})
	return states, err
}

func (s *Session) anySpent(ctx context.Context, proofs model.Proofs) (bool, error) {
	states, err := s.CheckSpent(ctx, proofs)
	if err != nil {
		return false, err
	}
	for _, st := range states {
		if st != model.ProofUnspent {
			return true, nil
		}
	}
	return false, nil
}

func (s *Session) read(ctx context.Context, op string, f func(ctx context.Context) error) error {
	return retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		err := f(ctx)
		if err != nil && (errors.Is(err, errs.ErrNetwork) || errors.Is(err, errs.ErrRateLimited)) {
			s.log.Debug("mint read retry", zap.String("op", op), zap.Error(err))
			return retry.RetryableError(err)
		}
		return err
	})
}

// WatchState is the terminal state of a QuoteWatch.
type WatchState string

const (
	WatchPaid      WatchState = "paid"
	WatchExpired   WatchState = "expired"
	WatchCancelled WatchState = "cancelled"
)

// WatchResult is delivered once a watch terminates.
type WatchResult struct {
	State WatchState
	Quote model.MintQuote
}

// QuoteWatch polls a deposit quote until it is paid or expires, or the watch is
// cancelled. Cancelling has no side effects.
type QuoteWatch struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	res    WatchResult
}

// WatchMintQuote starts polling quote id every interval.
func (s *Session) WatchMintQuote(ctx context.Context, id string, interval time.Duration) *QuoteWatch {
	ctx, cancel := context.WithCancel(ctx)
	w := &QuoteWatch{cancel: cancel, done: make(chan struct{})}
	go w.run(ctx, s, id, interval)
	return w
}

func (w *QuoteWatch) run(ctx context.Context, s *Session, id string, interval time.Duration) {
	defer close(w.done)
	t := time.NewTicker(interval)
	defer t.Stop()
	var last model.MintQuote
	for {
		q, err := s.backend.MintQuoteState(ctx, id)
		switch {
		case err != nil && ctx.Err() == nil:
			s.log.Debug("quote poll failed", zap.String("quote", id), zap.Error(err))
		case err == nil:
			last = q
			switch q.State {
			case model.QuotePaid, model.QuoteIssued:
				w.res = WatchResult{State: WatchPaid, Quote: q}
				return
			case model.QuoteExpired:
				w.res = WatchResult{State: WatchExpired, Quote: q}
				return
			}
		}
		select {
		case <-ctx.Done():
			w.res = WatchResult{State: WatchCancelled, Quote: last}
			return
		case <-t.C:
		}
	}
}

// Cancel stops the watch.
func (w *QuoteWatch) Cancel() { w.once.Do(w.cancel) }

// Done is closed once the watch reaches a terminal state.
func (w *QuoteWatch) Done() <-chan struct{} { return w.done }

// Wait blocks until the watch terminates and returns its result.
func (w *QuoteWatch) Wait() WatchResult {
	<-w.done
	w.Cancel()
	return w.res
}

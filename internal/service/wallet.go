// Package service contains the wallet-facing application service.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/nutkeeper/internal/errs"
	"github.com/and161185/nutkeeper/internal/history"
	"github.com/and161185/nutkeeper/internal/identity"
	"github.com/and161185/nutkeeper/internal/ledger"
	"github.com/and161185/nutkeeper/internal/metrics"
	"github.com/and161185/nutkeeper/internal/mint"
	"github.com/and161185/nutkeeper/internal/model"
	"github.com/and161185/nutkeeper/internal/nutzap"
	"github.com/and161185/nutkeeper/internal/records"
	"github.com/and161185/nutkeeper/internal/recovery"
	"github.com/and161185/nutkeeper/internal/repository"
	"github.com/and161185/nutkeeper/internal/tokens"
	"github.com/and161185/nutkeeper/internal/transfer"
)

// WalletService defines the operations offered to the wallet UI and the daemon API.
type WalletService interface {
	// Open loads the wallet config, creating it and the lock key on first use, and
	// rebuilds the ledger.
	Open(ctx context.Context) error
	// GetBalance returns the balance at mintURL, or in total when mintURL is "".
	GetBalance(mintURL string) uint64
	// Mints returns the trusted mints.
	Mints() []string
	// AddMint trusts url.
	AddMint(ctx context.Context, url string) error
	// RemoveMint stops trusting url; it fails while url holds funds.
	RemoveMint(ctx context.Context, url string) error
	// CreateDepositQuote requests a Lightning invoice for amount at mintURL.
	CreateDepositQuote(ctx context.Context, mintURL string, amount uint64) (model.MintQuote, error)
	// WatchDeposit polls a deposit quote until it is paid, expires or is cancelled.
	WatchDeposit(ctx context.Context, quoteID string, interval time.Duration) (*mint.QuoteWatch, error)
	// CompleteDeposit claims the proofs of a paid deposit quote.
	CompleteDeposit(ctx context.Context, quoteID string) (uint64, error)
	// SendAmount takes amount out of mintURL as an encoded token.
	SendAmount(ctx context.Context, mintURL string, amount uint64, memo string) (string, error)
	// ReceiveToken redeems an encoded token.
	ReceiveToken(ctx context.Context, token string) (uint64, error)
	// PayInvoice pays a Lightning invoice from mintURL.
	PayInvoice(ctx context.Context, mintURL, invoice string) (Payment, error)
	// SendNutzap push-pays recipient at a mint both sides trust.
	SendNutzap(ctx context.Context, recipient string, amount uint64, note string) (nutzap.SendResult, error)
	// ListenForNutzaps redeems inbound nutzaps every interval until stopped.
	ListenForNutzaps(ctx context.Context, interval time.Duration, onOutcome func(nutzap.Outcome)) *nutzap.Listener
	// ProcessNutzaps runs one pass over inbound nutzaps.
	ProcessNutzaps(ctx context.Context) ([]nutzap.Outcome, error)
	// GetHistory returns the spending history, newest first.
	GetHistory(ctx context.Context) ([]model.HistoryEntry, error)
	// Reconcile rebuilds every mint from records and mint spent-state.
	Reconcile(ctx context.Context) error
	// Recover replays parked records and transfers, then reconciles.
	Recover(ctx context.Context) (RecoveryReport, error)
}

// Payment reports a paid invoice.
type Payment struct {
	Paid     bool
	Amount   uint64
	Fee      uint64
	Preimage string
}

// RecoveryReport counts what Recover restored.
type RecoveryReport struct {
	Tokens    int
	Transfers int
}

// Deps are the collaborators of a wallet.
type Deps struct {
	Store    repository.RecordStore
	Signer   identity.Signer
	Sessions *mint.Sessions
	Queue    recovery.Queue
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	// DefaultMints are trusted in addition to the stored config.
	DefaultMints []string
	// RecordBackoff overrides the record store retry schedule.
	RecordBackoff records.Backoff
	// HistoryTimeout bounds a history write; defaults to 10s.
	HistoryTimeout time.Duration
}

// WalletServiceImpl implements WalletService.
type WalletServiceImpl struct {
	rc       *records.Client
	sessions *mint.Sessions
	queue    recovery.Queue
	tokens   *tokens.Manager
	ledger   *ledger.Ledger
	history  *history.Recorder
	transfer *transfer.Engine
	nutzap   *nutzap.Engine
	log      *zap.Logger
	metrics  *metrics.Metrics
	defaults []string

	cfgMu    sync.Mutex // serializes config rewrites
	mu       sync.RWMutex
	config   model.WalletConfig
	configID uuid.UUID
	lockKey  *mint.P2PKKey
	quotes   map[string]quoteNote
}

var _ WalletService = (*WalletServiceImpl)(nil)

// NewWalletService wires a wallet from deps. Call Open before use.
func NewWalletService(d Deps) *WalletServiceImpl {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	var ropts []records.Option
	if d.RecordBackoff != nil {
		ropts = append(ropts, records.WithBackoff(d.RecordBackoff))
	}
	if d.HistoryTimeout <= 0 {
		d.HistoryTimeout = 10 * time.Second
	}

	w := &WalletServiceImpl{
		rc:       records.New(d.Store, d.Signer, log.Named("records"), ropts...),
		sessions: d.Sessions,
		queue:    d.Queue,
		log:      log,
		metrics:  d.Metrics,
		defaults: d.DefaultMints,
		quotes:   map[string]quoteNote{},
	}
	w.tokens = tokens.New(w.rc, d.Queue, log.Named("tokens"), d.Metrics)
	w.history = history.New(w.rc, log.Named("history"), d.HistoryTimeout)
	w.ledger = ledger.New(w.tokens,
		func(url string) ledger.SpentChecker { return w.sessions.Get(url) },
		ledger.WithLogger(log.Named("ledger")),
		ledger.WithMetrics(d.Metrics),
		ledger.WithObserver(w.history.Observe),
	)
	w.transfer = transfer.New(w.ledger,
		func(url string) transfer.MintClient { return w.sessions.Get(url) },
		w.tokens,
		transfer.WithLogger(log.Named("transfer")),
		transfer.WithMetrics(d.Metrics),
		transfer.WithLockKey(w.currentLockKey),
		transfer.WithTrust(w.trusts),
	)
	w.nutzap = nutzap.New(w.rc, w.transfer, w.ledger, d.Queue,
		nutzap.WithLogger(log.Named("nutzap")),
		nutzap.WithMetrics(d.Metrics),
		nutzap.WithLockKey(w.currentLockKey),
		nutzap.WithTrust(w.trusts),
		nutzap.WithRedeemedLog(w.history),
	)
	return w
}

// Identity returns the wallet owner's public key.
func (w *WalletServiceImpl) Identity() string { return w.rc.Self() }

// GetBalance returns the held amount at mintURL, or across all mints for "".
func (w *WalletServiceImpl) GetBalance(mintURL string) uint64 { return w.ledger.Balance(mintURL) }

// SendAmount delegates to the transfer engine.
func (w *WalletServiceImpl) SendAmount(ctx context.Context, mintURL string, amount uint64, memo string) (string, error) {
	return w.transfer.Send(ctx, mintURL, amount, memo)
}

// ReceiveToken delegates to the transfer engine.
func (w *WalletServiceImpl) ReceiveToken(ctx context.Context, token string) (uint64, error) {
	return w.transfer.Receive(ctx, token)
}

// SendNutzap delegates to the nutzap engine.
func (w *WalletServiceImpl) SendNutzap(ctx context.Context, recipient string, amount uint64, note string) (nutzap.SendResult, error) {
	if recipient == "" {
		return nutzap.SendResult{}, fmt.Errorf("%w: empty recipient", errs.ErrValidation)
	}
	return w.nutzap.Send(ctx, nutzap.SendRequest{Recipient: recipient, Amount: amount, Note: note})
}

// ListenForNutzaps starts the inbound nutzap listener.
func (w *WalletServiceImpl) ListenForNutzaps(ctx context.Context, interval time.Duration, onOutcome func(nutzap.Outcome)) *nutzap.Listener {
	return w.nutzap.Listen(ctx, interval, onOutcome)
}

// ProcessNutzaps runs one nutzap pass.
func (w *WalletServiceImpl) ProcessNutzaps(ctx context.Context) ([]nutzap.Outcome, error) {
	return w.nutzap.Process(ctx)
}

// GetHistory lists the spending history.
func (w *WalletServiceImpl) GetHistory(ctx context.Context) ([]model.HistoryEntry, error) {
	return w.history.List(ctx)
}

// Reconcile rebuilds the ledger.
func (w *WalletServiceImpl) Reconcile(ctx context.Context) error { return w.ledger.Reconcile(ctx) }

// Recover replays parked work and reconciles afterwards even when a replay failed.
func (w *WalletServiceImpl) Recover(ctx context.Context) (RecoveryReport, error) {
	var rep RecoveryReport
	replayed, terr := w.tokens.Replay(ctx)
	rep.Tokens = len(replayed)
	n, nerr := w.nutzap.Republish(ctx)
	rep.Transfers = n
	rerr := w.ledger.Reconcile(ctx)
	if rep.Tokens > 0 || rep.Transfers > 0 {
		w.log.Info("recovered parked work", zap.Int("tokens", rep.Tokens), zap.Int("transfers", rep.Transfers))
	}
	if err := errors.Join(terr, nerr, rerr); err != nil {
		return rep, fmt.Errorf("recover: %w", err)
	}
	return rep, nil
}

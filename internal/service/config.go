package service

import (
	"context"
	"fmt"
	"net/url"
	"slices"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/nutkeeper/internal/errs"
	"github.com/and161185/nutkeeper/internal/ledger"
	"github.com/and161185/nutkeeper/internal/mint"
	"github.com/and161185/nutkeeper/internal/model"
	"github.com/and161185/nutkeeper/internal/records"
	"github.com/and161185/nutkeeper/internal/recovery"
)

// Open loads the newest wallet config, merges the default mints, creates a lock key
// when none exists and makes sure the public nutzap info matches. Pending deposit
// quotes are restored and the ledger is rebuilt; a failed rebuild is only logged.
func (w *WalletServiceImpl) Open(ctx context.Context) error {
	w.cfgMu.Lock()
	defer w.cfgMu.Unlock()

	cfg, id, err := w.loadConfig(ctx)
	if err != nil {
		return err
	}
	changed := id == uuid.Nil
	for _, m := range w.defaults {
		if m = mint.NormalizeURL(m); m != "" && !cfg.Trusts(m) {
			cfg, changed = cfg.WithMint(m), true
		}
	}
	if cfg.LockKey == "" {
		k, err := mint.NewP2PKKey()
		if err != nil {
			return err
		}
		cfg.LockKey, changed = k.Hex(), true
		w.log.Info("generated nutzap lock key", zap.String("pubkey", k.PublicKey()))
	}
	key, err := mint.ParseP2PKKey(cfg.LockKey)
	if err != nil {
		return fmt.Errorf("wallet config lock key: %w", err)
	}

	w.mu.Lock()
	w.config, w.configID, w.lockKey = cfg, id, key
	w.mu.Unlock()

	if changed {
		if err := w.saveConfigLocked(ctx, cfg); err != nil {
			return err
		}
	}
	if err := w.syncInfoLocked(ctx, changed); err != nil {
		w.log.Warn("publishing nutzap info failed", zap.Error(err))
	}
	if err := w.loadQuotes(ctx); err != nil {
		w.log.Warn("loading deposit quotes failed", zap.Error(err))
	}
	if err := w.ledger.Reconcile(ctx); err != nil {
		w.log.Warn("initial reconcile incomplete", zap.Error(err))
	}
	w.log.Info("wallet opened", zap.Strings("mints", cfg.Mints), zap.Uint64("balance", w.ledger.Balance("")))
	return nil
}

// loadConfig returns the newest readable config and deletes older ones.
func (w *WalletServiceImpl) loadConfig(ctx context.Context) (model.WalletConfig, uuid.UUID, error) {
	recs, err := w.rc.QueryOwn(ctx, model.KindWalletConfig)
	if err != nil {
		return model.WalletConfig{}, uuid.Nil, err
	}
	var cfg model.WalletConfig
	id := uuid.Nil
	for _, r := range slices.Backward(recs) {
		if id != uuid.Nil {
			if err := w.rc.Delete(ctx, r.ID); err != nil {
				w.log.Warn("deleting stale wallet config failed", zap.Stringer("id", r.ID), zap.Error(err))
			}
			continue
		}
		var c model.WalletConfig
		if err := w.rc.Open(r, &c); err != nil {
			w.log.Warn("skipping unreadable wallet config", zap.Stringer("id", r.ID), zap.Error(err))
			continue
		}
		cfg, id = c, r.ID
	}
	for i, m := range cfg.Mints {
		cfg.Mints[i] = mint.NormalizeURL(m)
	}
	return cfg, id, nil
}

// saveConfigLocked publishes cfg, then deletes the config it replaces.
func (w *WalletServiceImpl) saveConfigLocked(ctx context.Context, cfg model.WalletConfig) error {
	rec, err := w.rc.PublishSealed(ctx, records.Draft{Kind: model.KindWalletConfig, Payload: cfg})
	if err != nil {
		return fmt.Errorf("save wallet config: %w", err)
	}
	w.mu.Lock()
	old := w.configID
	w.config, w.configID = cfg, rec.ID
	w.mu.Unlock()
	if old != uuid.Nil {
		if err := w.rc.Delete(ctx, old); err != nil {
			w.log.Warn("deleting replaced wallet config failed", zap.Stringer("id", old), zap.Error(err))
		}
	}
	return nil
}

// syncInfoLocked republishes the nutzap info when forced or when the published one
// differs from the config.
func (w *WalletServiceImpl) syncInfoLocked(ctx context.Context, force bool) error {
	w.mu.RLock()
	pub, mints := w.lockKey.PublicKey(), slices.Clone(w.config.Mints)
	w.mu.RUnlock()
	if !force {
		info, err := w.nutzap.ResolveInfo(ctx, w.rc.Self())
		if err == nil && info.LockPubkey == pub && slices.Equal(info.Mints, mints) {
			return nil
		}
	}
	_, err := w.nutzap.PublishInfo(ctx, pub, mints)
	return err
}

// Mints returns the trusted mints.
func (w *WalletServiceImpl) Mints() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return slices.Clone(w.config.Mints)
}

// AddMint trusts rawURL and republishes the nutzap info.
func (w *WalletServiceImpl) AddMint(ctx context.Context, rawURL string) error {
	u, err := validateMintURL(rawURL)
	if err != nil {
		return err
	}
	w.cfgMu.Lock()
	defer w.cfgMu.Unlock()
	w.mu.RLock()
	cfg := w.config
	w.mu.RUnlock()
	if cfg.Trusts(u) {
		return nil
	}
	if err := w.saveConfigLocked(ctx, cfg.WithMint(u)); err != nil {
		return err
	}
	w.log.Info("mint added", zap.String("mint", u))
	return w.syncInfoLocked(ctx, true)
}

// RemoveMint stops trusting rawURL. Mints holding funds, including proofs parked for
// recovery, cannot be removed. The mint's ledger lock is held throughout.
func (w *WalletServiceImpl) RemoveMint(ctx context.Context, rawURL string) error {
	u := mint.NormalizeURL(rawURL)
	w.cfgMu.Lock()
	defer w.cfgMu.Unlock()
	return w.ledger.Update(ctx, u, func(tx *ledger.Tx) error {
		bal := tx.Balance()
		parked, err := w.queue.Pending(recovery.EntryTokens)
		if err != nil {
			return err
		}
		for _, e := range parked {
			if mint.NormalizeURL(e.Mint) == u {
				bal += e.Amount
			}
		}
		if bal > 0 {
			return fmt.Errorf("%w: %d held at %s", errs.ErrNonZeroBalance, bal, u)
		}
		w.mu.RLock()
		cfg := w.config
		w.mu.RUnlock()
		if !cfg.Trusts(u) {
			return fmt.Errorf("mint %s: %w", u, errs.ErrNotFound)
		}
		if err := w.saveConfigLocked(ctx, cfg.WithoutMint(u)); err != nil {
			return err
		}
		w.log.Info("mint removed", zap.String("mint", u))
		return w.syncInfoLocked(ctx, true)
	})
}

// LockPubkey returns the public key inbound nutzaps are locked to.
func (w *WalletServiceImpl) LockPubkey() string {
	if k := w.currentLockKey(); k != nil {
		return k.PublicKey()
	}
	return ""
}

func (w *WalletServiceImpl) trusts(u string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config.Trusts(mint.NormalizeURL(u))
}

func (w *WalletServiceImpl) currentLockKey() *mint.P2PKKey {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lockKey
}

func validateMintURL(raw string) (string, error) {
	u := mint.NormalizeURL(raw)
	p, err := url.Parse(u)
	if err != nil || (p.Scheme != "https" && p.Scheme != "http") || p.Host == "" {
		return "", fmt.Errorf("%w: bad mint url %q", errs.ErrValidation, raw)
	}
	return u, nil
}

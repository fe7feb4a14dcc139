package nutzap

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/and161185/nutkeeper/internal/errs"
	"github.com/and161185/nutkeeper/internal/mint"
	"github.com/and161185/nutkeeper/internal/model"
	"github.com/and161185/nutkeeper/internal/records"
)

// PublishInfo advertises lockPub and mints as the way to pay this identity. Older
// info records are deleted after the new one is stored.
func (e *Engine) PublishInfo(ctx context.Context, lockPub string, mints []string) (model.NutzapInfo, error) {
	if lockPub == "" {
		return model.NutzapInfo{}, errs.ErrNoLockKey
	}
	info := model.NutzapInfo{LockPubkey: lockPub, Mints: normalizeAll(mints)}
	rec, err := e.rc.PublishPlain(ctx, records.Draft{Kind: model.KindNutzapInfo, Payload: info})
	if err != nil {
		return model.NutzapInfo{}, err
	}
	info.Author, info.CreatedAt = rec.Author, rec.CreatedAt

	old, err := e.rc.QueryOwn(ctx, model.KindNutzapInfo)
	if err != nil {
		e.log.Warn("listing old nutzap info failed", zap.Error(err))
		return info, nil
	}
	for _, r := range old {
		if r.ID == rec.ID {
			continue
		}
		if err := e.rc.Delete(ctx, r.ID); err != nil {
			e.log.Warn("deleting old nutzap info failed", zap.Stringer("id", r.ID), zap.Error(err))
		}
	}
	return info, nil
}

// ResolveInfo returns the newest readable info published by pubkey.
func (e *Engine) ResolveInfo(ctx context.Context, pubkey string) (model.NutzapInfo, error) {
	recs, err := e.rc.Query(ctx, model.Filter{Kinds: []model.Kind{model.KindNutzapInfo}, Authors: []string{pubkey}})
	if err != nil {
		return model.NutzapInfo{}, err
	}
	for _, r := range slices.Backward(recs) {
		var info model.NutzapInfo
		if err := e.rc.Open(r, &info); err != nil || info.LockPubkey == "" {
			continue
		}
		info.Author, info.CreatedAt = r.Author, r.CreatedAt
		info.Mints = normalizeAll(info.Mints)
		return info, nil
	}
	return model.NutzapInfo{}, fmt.Errorf("nutzap info of %s: %w", pubkey, errs.ErrNotFound)
}

func normalizeAll(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if u = mint.NormalizeURL(u); u != "" && !slices.Contains(out, u) {
			out = append(out, u)
		}
	}
	return out
}

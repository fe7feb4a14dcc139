// Package model defines domain entities used by services and repositories.
package model

import (
	"slices"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Kind addresses a class of records on the record store.
type Kind int

// Record kinds used by the wallet.
const (
	KindQuoteNote    Kind = 7374  // encrypted to self, expiring
	KindTokenRecord  Kind = 7375  // encrypted to self
	KindHistory      Kind = 7376  // encrypted to self, append-only
	KindTransfer     Kind = 9321  // encrypted to recipient
	KindNutzapInfo   Kind = 10019 // plaintext, discoverable
	KindWalletConfig Kind = 17375 // encrypted to self
)

// EncryptedBlob is an opaque ciphertext produced on the client side.
type EncryptedBlob []byte

// Record is a single entry on the record store.
type Record struct {
	ID        uuid.UUID // client-generated PK
	Seq       int64     // store-assigned, strictly increasing
	Kind      Kind
	Author    string // hex public key of the writer
	Recipient string // hex public key the record is addressed to ("" = none)
	Content   []byte // EncryptedBlob when Encrypted, JSON otherwise
	Encrypted bool
	Deleted   bool // tombstone flag
	CreatedAt time.Time
	ExpiresAt time.Time // zero = never
}

// Expired reports whether the record passed its expiry at now.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Filter selects records on the record store. Empty fields match everything.
type Filter struct {
	Kinds          []Kind
	Authors        []string
	Recipient      string
	IDs            []uuid.UUID
	SinceSeq       int64 // exclusive
	IncludeDeleted bool
	Limit          int
}

// Match reports whether r satisfies the filter at now.
func (f Filter) Match(r Record, now time.Time) bool {
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, r.Kind) {
		return false
	}
	if len(f.Authors) > 0 && !slices.Contains(f.Authors, r.Author) {
		return false
	}
	if f.Recipient != "" && f.Recipient != r.Recipient {
		return false
	}
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, r.ID) {
		return false
	}
	if r.Seq <= f.SinceSeq {
		return false
	}
	if r.Deleted && !f.IncludeDeleted {
		return false
	}
	return !r.Expired(now)
}

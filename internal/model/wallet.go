package model

import (
	"slices"
	"time"

	"github.com/elnosh/gonuts/cashu"
	"github.com/gofrs/uuid/v5"
)

// DefaultUnit is the only unit the wallet accounts in.
const DefaultUnit = "sat"

// Proof is a bearer credential issued by a mint. Secret and C are opaque.
type Proof = cashu.Proof

// Proofs is a set of proofs from a single mint.
type Proofs = cashu.Proofs

// ProofKey returns the identity of a proof. Two proofs with the same secret are the same
// credential no matter which record lists them.
func ProofKey(p Proof) string { return p.Secret }

// Sum returns the total amount of ps.
func Sum(ps Proofs) uint64 {
	var total uint64
	for _, p := range ps {
		total += p.Amount
	}
	return total
}

// TokenRecord is the decrypted payload of a token record plus store metadata.
type TokenRecord struct {
	ID         uuid.UUID   `json:"-"`
	Seq        int64       `json:"-"`
	CreatedAt  time.Time   `json:"-"`
	Mint       string      `json:"mint"`
	Unit       string      `json:"unit,omitempty"`
	Proofs     Proofs      `json:"proofs"`
	Supersedes []uuid.UUID `json:"del,omitempty"`
}

// Amount returns the sum of the record's proofs.
func (t TokenRecord) Amount() uint64 { return Sum(t.Proofs) }

// WalletConfig is the per-identity wallet configuration (encrypted to self).
type WalletConfig struct {
	Mints   []string `json:"mints"`
	LockKey string   `json:"privkey,omitempty"` // hex secp256k1 private key for nutzaps
	Unit    string   `json:"unit,omitempty"`
}

// Trusts reports whether url is one of the configured mints.
func (c WalletConfig) Trusts(url string) bool { return slices.Contains(c.Mints, url) }

// WithMint returns a copy of c with url added.
func (c WalletConfig) WithMint(url string) WalletConfig {
	out := c
	out.Mints = slices.Clone(c.Mints)
	if !out.Trusts(url) {
		out.Mints = append(out.Mints, url)
	}
	return out
}

// WithoutMint returns a copy of c with url removed.
func (c WalletConfig) WithoutMint(url string) WalletConfig {
	out := c
	out.Mints = slices.DeleteFunc(slices.Clone(c.Mints), func(m string) bool { return m == url })
	return out
}

// QuoteKind distinguishes deposit and withdrawal quotes.
type QuoteKind string

const (
	QuoteMint QuoteKind = "mint"
	QuoteMelt QuoteKind = "melt"
)

// QuoteState is the lifecycle state of a quote.
type QuoteState string

const (
	QuotePending  QuoteState = "pending"
	QuotePaid     QuoteState = "paid"
	QuoteIssued   QuoteState = "issued"
	QuoteExpired  QuoteState = "expired"
	QuoteInFlight QuoteState = "in_flight" // melt payment started, not settled
)

// MintQuote is a transient handle for a pending mint or melt operation.
type MintQuote struct {
	ID         string     `json:"quote"`
	Mint       string     `json:"mint"`
	Kind       QuoteKind  `json:"kind"`
	Amount     uint64     `json:"amount"`
	FeeReserve uint64     `json:"fee_reserve,omitempty"`
	Request    string     `json:"request"`
	State      QuoteState `json:"state"`
	Expiry     time.Time  `json:"expiry"`
}

// Expired reports whether the quote is past its expiry at now.
func (q MintQuote) Expired(now time.Time) bool {
	return q.State == QuoteExpired || (!q.Expiry.IsZero() && !now.Before(q.Expiry))
}

// ProofState is the mint-reported spent state of a proof.
type ProofState string

const (
	ProofUnspent ProofState = "unspent"
	ProofPending ProofState = "pending"
	ProofSpent   ProofState = "spent"
)

// NutzapInfo is the public record advertising how to push-pay an identity.
type NutzapInfo struct {
	Author     string    `json:"-"`
	CreatedAt  time.Time `json:"-"`
	LockPubkey string    `json:"pubkey"`
	Mints      []string  `json:"mints"`
}

// TransferEvent is a nutzap: proofs locked to Recipient's lock key.
type TransferEvent struct {
	ID                  uuid.UUID `json:"-"`
	Seq                 int64     `json:"-"`
	Sender              string    `json:"-"`
	Recipient           string    `json:"-"`
	CreatedAt           time.Time `json:"-"`
	Mint                string    `json:"mint"`
	Unit                string    `json:"unit,omitempty"`
	Proofs              Proofs    `json:"proofs"`
	Note                string    `json:"content,omitempty"`
	ReferencedContentID string    `json:"e,omitempty"`
}

// Amount returns the value carried by the transfer.
func (e TransferEvent) Amount() uint64 { return Sum(e.Proofs) }

// Direction of a ledger mutation.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// HistoryEntry is an append-only audit record of one committed ledger mutation.
type HistoryEntry struct {
	ID               uuid.UUID   `json:"-"`
	CreatedAt        time.Time   `json:"-"`
	Direction        Direction   `json:"direction"`
	Amount           uint64      `json:"amount"`
	Fee              uint64      `json:"fee,omitempty"`
	Mint             string      `json:"mint"`
	Created          []uuid.UUID `json:"created,omitempty"`
	Destroyed        []uuid.UUID `json:"destroyed,omitempty"`
	RedeemedTransfer *uuid.UUID  `json:"redeemed,omitempty"`
	Memo             string      `json:"memo,omitempty"`
}

// Token is a portable bearer token for a single mint.
type Token struct {
	Mint   string
	Unit   string
	Memo   string
	Proofs Proofs
}

// Amount returns the value carried by the token.
func (t Token) Amount() uint64 { return Sum(t.Proofs) }

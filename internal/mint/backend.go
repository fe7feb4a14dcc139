// Package mint is the per-mint protocol client: quotes, minting, melting, swapping and
// spent-state checks, with failures classified for the ledger.
package mint

import (
	"context"

	"github.com/and161185/nutkeeper/internal/model"
)

// OutputSpec describes the proofs a swap should produce.
type OutputSpec struct {
	Keep   []uint64 // denominations returned to the wallet
	Send   []uint64 // denominations for the counterparty
	LockTo string   // when set, Send outputs are P2PK-locked to this public key
}

// Total returns the value of all requested outputs.
func (o OutputSpec) Total() uint64 {
	var t uint64
	for _, a := range o.Keep {
		t += a
	}
	for _, a := range o.Send {
		t += a
	}
	return t
}

// MeltResult is the outcome of paying an invoice.
type MeltResult struct {
	Paid     bool
	Preimage string
	Change   model.Proofs
}

// Backend is the remote mint API bound to one mint URL. Cryptography (blinding and
// unblinding) happens inside the backend.
type Backend interface {
	URL() string
	CreateMintQuote(ctx context.Context, amount uint64) (model.MintQuote, error)
	MintQuoteState(ctx context.Context, id string) (model.MintQuote, error)
	Mint(ctx context.Context, quoteID string, amount uint64) (model.Proofs, error)
	CreateMeltQuote(ctx context.Context, invoice string) (model.MintQuote, error)
	MeltQuoteState(ctx context.Context, id string) (model.MintQuote, error)
	Melt(ctx context.Context, quote model.MintQuote, inputs model.Proofs) (MeltResult, error)
	Swap(ctx context.Context, inputs model.Proofs, out OutputSpec) (keep, send model.Proofs, err error)
	CheckState(ctx context.Context, ps model.Proofs) ([]model.ProofState, error)
}

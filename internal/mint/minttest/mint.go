// Package minttest provides an in-memory mint speaking the NUT HTTP API, with real
// blind signatures, spent tracking, quotes and fault injection.
package minttest

import (
	"encoding/hex"
	"fmt"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/gonuts/cashu"
	"github.com/elnosh/gonuts/cashu/nuts/nut04"
	"github.com/elnosh/gonuts/cashu/nuts/nut05"
	"github.com/elnosh/gonuts/crypto"
	"github.com/sethvargo/go-retry"

	"github.com/and161185/nutkeeper/internal/crypto/clientcrypto"
	"github.com/and161185/nutkeeper/internal/mint"
	"github.com/and161185/nutkeeper/internal/model"
)

// Operations that faults can be injected into.
const (
	OpKeys           = "keys"
	OpMintQuote      = "mintquote"
	OpMintQuoteState = "mintquotestate"
	OpMint           = "mint"
	OpMeltQuote      = "meltquote"
	OpMeltQuoteState = "meltquotestate"
	OpMelt           = "melt"
	OpSwap           = "swap"
	OpCheckState     = "checkstate"
)

// Fault is a one-shot failure of an operation.
type Fault int

const (
	// FailBefore answers 503 without applying the operation.
	FailBefore Fault = iota + 1
	// FailAfter applies the operation, then answers 503.
	FailAfter
)

type quoteState int

const (
	unpaid quoteState = iota
	paid
	issued
	inFlight
)

func (s quoteState) mintState() nut04.State {
	switch s {
	case paid:
		return nut04.Paid
	case issued:
		return nut04.Issued
	}
	return nut04.Unpaid
}

func (s quoteState) meltState() nut05.State {
	switch s {
	case paid:
		return nut05.Paid
	case inFlight:
		return nut05.Pending
	}
	return nut05.Unpaid
}

type quote struct {
	id         string
	kind       model.QuoteKind
	amount     uint64
	feeReserve uint64
	request    string
	state      quoteState
	expiry     time.Time
	preimage   string
	held       []string // Ys of inputs of a pending melt
}

// Mint is a fake mint. URL is set once the server is started.
type Mint struct {
	URL string

	mu         sync.Mutex
	keys       map[uint64]*secp256k1.PrivateKey
	keyset     mint.Keyset
	quotes     map[string]*quote
	spent      map[string]bool // by Y
	pending    map[string]bool // by Y, inputs of held melts
	feeReserve uint64
	fee        uint64
	holdMelts  bool
	quoteTTL   time.Duration
	faults     map[string][]Fault
	calls      map[string]int
	now        func() time.Time
}

// New constructs a mint with one sat keyset of 2^0..2^20.
func New() *Mint {
	m := &Mint{
		keys:     map[uint64]*secp256k1.PrivateKey{},
		quotes:   map[string]*quote{},
		spent:    map[string]bool{},
		pending:  map[string]bool{},
		quoteTTL: 10 * time.Minute,
		faults:   map[string][]Fault{},
		calls:    map[string]int{},
		now:      time.Now,
	}
	pubs := map[uint64]*secp256k1.PublicKey{}
	for i := 0; i <= 20; i++ {
		k, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			panic(err)
		}
		m.keys[1<<i] = k
		pubs[1<<i] = k.PubKey()
	}
	m.keyset = mint.Keyset{ID: mint.KeysetID(pubs), Unit: model.DefaultUnit, Keys: pubs}
	return m
}

// Start runs m behind an httptest server closed at test cleanup.
func Start(t testing.TB) *Mint {
	t.Helper()
	m := New()
	srv := httptest.NewServer(m.Handler())
	t.Cleanup(srv.Close)
	m.URL = srv.URL
	return m
}

// Session returns a client session for m with a fast read backoff.
func (m *Mint) Session() *mint.Session {
	return mint.NewSession(mint.NewHTTPBackend(m.URL), mint.WithReadBackoff(FastBackoff))
}

// FastBackoff is a short retry schedule for tests.
func FastBackoff() retry.Backoff {
	return retry.WithMaxRetries(2, retry.NewConstant(time.Millisecond))
}

// Keyset returns the mint's public keyset.
func (m *Mint) Keyset() mint.Keyset { return m.keyset }

// Inject queues a one-shot fault for op.
func (m *Mint) Inject(op string, f Fault) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = append(m.faults[op], f)
}

// Calls returns how many requests op has received.
func (m *Mint) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// PayQuote marks a deposit quote paid.
func (m *Mint) PayQuote(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotes[id]
	if !ok || q.kind != model.QuoteMint {
		return fmt.Errorf("minttest: no mint quote %s", id)
	}
	if q.state == unpaid {
		q.state = paid
	}
	return nil
}

// ExpireQuote moves a quote's expiry into the past.
func (m *Mint) ExpireQuote(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.quotes[id]; ok {
		q.expiry = m.now().Add(-time.Second)
	}
}

// SetFees sets the fee reserve quoted for melts and the fee actually charged.
func (m *Mint) SetFees(reserve, actual uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feeReserve, m.fee = reserve, actual
}

// HoldMelts leaves melt payments pending until SettleMelt.
func (m *Mint) HoldMelts(hold bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holdMelts = hold
}

// SettleMelt completes a held melt payment.
func (m *Mint) SettleMelt(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.quotes[id]; ok && q.state == inFlight {
		q.state = paid
		for _, y := range q.held {
			m.spent[y] = true
			delete(m.pending, y)
		}
		q.held = nil
	}
}

// Spent reports whether the mint has seen p spent.
func (m *Mint) Spent(p model.Proof) bool {
	y, err := mint.Y(p.Secret)
	if err != nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spent[y]
}

// Invoice returns a fake Lightning invoice for amount that the mint can quote.
func Invoice(amount uint64) string {
	b, _ := clientcrypto.Rand(8)
	return "lnfake" + strconv.FormatUint(amount, 10) + "n1" + hex.EncodeToString(b)
}

func invoiceAmount(inv string) (uint64, bool) {
	rest, ok := strings.CutPrefix(inv, "lnfake")
	if !ok {
		return 0, false
	}
	num, _, ok := strings.Cut(rest, "n1")
	if !ok {
		return 0, false
	}
	a, err := strconv.ParseUint(num, 10, 64)
	return a, err == nil && a > 0
}

func (m *Mint) newQuote(kind model.QuoteKind, amount uint64, request string) *quote {
	b, _ := clientcrypto.Rand(16)
	q := &quote{
		id:      hex.EncodeToString(b),
		kind:    kind,
		amount:  amount,
		request: request,
		state:   unpaid,
		expiry:  m.now().Add(m.quoteTTL),
	}
	if kind == model.QuoteMelt {
		q.feeReserve = m.feeReserve
	}
	m.quotes[q.id] = q
	return q
}

// sign blind-signs outputs with the keyset keys. Caller holds mu.
func (m *Mint) sign(outputs cashu.BlindedMessages) (cashu.BlindedSignatures, *mint.Error) {
	sigs := make(cashu.BlindedSignatures, len(outputs))
	seen := map[string]bool{}
	for i, o := range outputs {
		if o.Id != m.keyset.ID {
			return nil, &mint.Error{Status: 400, Code: mint.CodeKeysetUnknown, Detail: "unknown keyset"}
		}
		k, ok := m.keys[o.Amount]
		if !ok {
			return nil, &mint.Error{Status: 400, Code: mint.CodeUnbalanced, Detail: "bad output amount"}
		}
		if seen[o.B_] {
			return nil, &mint.Error{Status: 400, Code: mint.CodeOutputsSigned, Detail: "duplicate outputs"}
		}
		seen[o.B_] = true
		raw, err := hex.DecodeString(o.B_)
		if err != nil {
			return nil, &mint.Error{Status: 400, Code: mint.CodeProofInvalid, Detail: "bad output"}
		}
		B, err := secp256k1.ParsePubKey(raw)
		if err != nil {
			return nil, &mint.Error{Status: 400, Code: mint.CodeProofInvalid, Detail: "bad output"}
		}
		C := crypto.SignBlindedMessage(B, k)
		sigs[i] = cashu.BlindedSignature{Amount: o.Amount, Id: m.keyset.ID, C_: hex.EncodeToString(C.SerializeCompressed())}
	}
	return sigs, nil
}

// verify checks inputs and returns their Ys. Caller holds mu.
func (m *Mint) verify(inputs cashu.Proofs) ([]string, *mint.Error) {
	ys := make([]string, len(inputs))
	seen := map[string]bool{}
	for i, in := range inputs {
		k, ok := m.keys[in.Amount]
		if !ok || in.Id != m.keyset.ID {
			return nil, &mint.Error{Status: 400, Code: mint.CodeProofInvalid, Detail: "unknown proof keyset"}
		}
		raw, err := hex.DecodeString(in.C)
		if err != nil {
			return nil, &mint.Error{Status: 400, Code: mint.CodeProofInvalid, Detail: "bad proof"}
		}
		C, err := secp256k1.ParsePubKey(raw)
		if err != nil || !crypto.Verify(in.Secret, k, C) {
			return nil, &mint.Error{Status: 400, Code: mint.CodeProofInvalid, Detail: "proof could not be verified"}
		}
		y, err := mint.Y(in.Secret)
		if err != nil {
			return nil, &mint.Error{Status: 400, Code: mint.CodeProofInvalid, Detail: "bad secret"}
		}
		if m.spent[y] || seen[y] {
			return nil, &mint.Error{Status: 400, Code: mint.CodeProofSpent, Detail: "token already spent"}
		}
		if m.pending[y] {
			return nil, &mint.Error{Status: 400, Code: mint.CodeProofSpent, Detail: "token is pending"}
		}
		if err := mint.VerifyWitness(in); err != nil {
			return nil, &mint.Error{Status: 400, Code: mint.CodeWitnessInvalid, Detail: err.Error()}
		}
		seen[y] = true
		ys[i] = y
	}
	return ys, nil
}

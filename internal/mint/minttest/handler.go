package minttest

import (
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/elnosh/gonuts/cashu"
	"github.com/elnosh/gonuts/cashu/nuts/nut01"
	"github.com/elnosh/gonuts/cashu/nuts/nut03"
	"github.com/elnosh/gonuts/cashu/nuts/nut04"
	"github.com/elnosh/gonuts/cashu/nuts/nut05"
	"github.com/elnosh/gonuts/cashu/nuts/nut07"

	"github.com/and161185/nutkeeper/internal/crypto/clientcrypto"
	"github.com/and161185/nutkeeper/internal/mint"
	"github.com/and161185/nutkeeper/internal/model"
)

// Handler serves the NUT endpoints used by the wallet.
func (m *Mint) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/keys", m.wrap(OpKeys, m.handleKeys))
	mux.HandleFunc("POST /v1/mint/quote/bolt11", m.wrap(OpMintQuote, m.handleMintQuote))
	mux.HandleFunc("GET /v1/mint/quote/bolt11/{id}", m.wrap(OpMintQuoteState, m.handleMintQuoteState))
	mux.HandleFunc("POST /v1/mint/bolt11", m.wrap(OpMint, m.handleMint))
	mux.HandleFunc("POST /v1/melt/quote/bolt11", m.wrap(OpMeltQuote, m.handleMeltQuote))
	mux.HandleFunc("GET /v1/melt/quote/bolt11/{id}", m.wrap(OpMeltQuoteState, m.handleMeltQuoteState))
	mux.HandleFunc("POST /v1/melt/bolt11", m.wrap(OpMelt, m.handleMelt))
	mux.HandleFunc("POST /v1/swap", m.wrap(OpSwap, m.handleSwap))
	mux.HandleFunc("POST /v1/checkstate", m.wrap(OpCheckState, m.handleCheckState))
	return mux
}

type handlerFunc func(r *http.Request) (any, *mint.Error)

// wrap serializes requests, counts calls and applies injected faults. Handlers return
// pointers so the gonuts state marshalers apply.
func (m *Mint) wrap(op string, h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.calls[op]++
		var fault Fault
		if q := m.faults[op]; len(q) > 0 {
			fault, m.faults[op] = q[0], q[1:]
		}
		if fault == FailBefore {
			m.mu.Unlock()
			writeErr(w, &mint.Error{Status: http.StatusServiceUnavailable, Detail: "unavailable"})
			return
		}
		out, merr := h(r)
		m.mu.Unlock()

		switch {
		case fault == FailAfter:
			writeErr(w, &mint.Error{Status: http.StatusServiceUnavailable, Detail: "unavailable"})
		case merr != nil:
			writeErr(w, merr)
		default:
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(out)
		}
	}
}

func writeErr(w http.ResponseWriter, e *mint.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(cashu.Error{Detail: e.Detail, Code: e.Code})
}

func decode(r *http.Request, v any) *mint.Error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &mint.Error{Status: http.StatusBadRequest, Detail: "bad request"}
	}
	return nil
}

func badRequest(code cashu.CashuErrCode, detail string) *mint.Error {
	return &mint.Error{Status: http.StatusBadRequest, Code: code, Detail: detail}
}

func (m *Mint) handleKeys(*http.Request) (any, *mint.Error) {
	return &nut01.GetKeysResponse{Keysets: []nut01.Keyset{m.keyset.Wire()}}, nil
}

func (m *Mint) handleMintQuote(r *http.Request) (any, *mint.Error) {
	var req nut04.PostMintQuoteBolt11Request
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	if req.Amount == 0 {
		return nil, badRequest(mint.CodeAmountOutOfLimits, "amount must be positive")
	}
	q := m.newQuote(model.QuoteMint, req.Amount, Invoice(req.Amount))
	return m.mintQuoteJSON(q), nil
}

func (m *Mint) handleMintQuoteState(r *http.Request) (any, *mint.Error) {
	q, ok := m.quotes[r.PathValue("id")]
	if !ok || q.kind != model.QuoteMint {
		return nil, &mint.Error{Status: http.StatusNotFound, Detail: "quote not found"}
	}
	return m.mintQuoteJSON(q), nil
}

func (m *Mint) mintQuoteJSON(q *quote) *nut04.PostMintQuoteBolt11Response {
	return &nut04.PostMintQuoteBolt11Response{Quote: q.id, Request: q.request, State: q.state.mintState(), Expiry: uint64(q.expiry.Unix())}
}

func (m *Mint) handleMint(r *http.Request) (any, *mint.Error) {
	var req nut04.PostMintBolt11Request
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	q, ok := m.quotes[req.Quote]
	if !ok || q.kind != model.QuoteMint {
		return nil, &mint.Error{Status: http.StatusNotFound, Detail: "quote not found"}
	}
	switch {
	case q.state == issued:
		return nil, badRequest(mint.CodeQuoteIssued, "quote already issued")
	case q.state == unpaid && !m.now().Before(q.expiry):
		return nil, badRequest(mint.CodeQuoteExpired, "quote expired")
	case q.state == unpaid:
		return nil, badRequest(mint.CodeQuoteNotPaid, "quote not paid")
	}
	if req.Outputs.Amount() != q.amount {
		return nil, badRequest(mint.CodeUnbalanced, "outputs do not match quote amount")
	}
	sigs, err := m.sign(req.Outputs)
	if err != nil {
		return nil, err
	}
	q.state = issued
	return &nut04.PostMintBolt11Response{Signatures: sigs}, nil
}

func (m *Mint) handleMeltQuote(r *http.Request) (any, *mint.Error) {
	var req nut05.PostMeltQuoteBolt11Request
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	amount, ok := invoiceAmount(req.Request)
	if !ok {
		return nil, badRequest(0, "invalid invoice")
	}
	q := m.newQuote(model.QuoteMelt, amount, req.Request)
	return m.meltQuoteJSON(q, nil), nil
}

func (m *Mint) handleMeltQuoteState(r *http.Request) (any, *mint.Error) {
	q, ok := m.quotes[r.PathValue("id")]
	if !ok || q.kind != model.QuoteMelt {
		return nil, &mint.Error{Status: http.StatusNotFound, Detail: "quote not found"}
	}
	return m.meltQuoteJSON(q, nil), nil
}

func (m *Mint) meltQuoteJSON(q *quote, change cashu.BlindedSignatures) *nut05.PostMeltQuoteBolt11Response {
	return &nut05.PostMeltQuoteBolt11Response{
		Quote:      q.id,
		Amount:     q.amount,
		FeeReserve: q.feeReserve,
		State:      q.state.meltState(),
		Expiry:     uint64(q.expiry.Unix()),
		Preimage:   q.preimage,
		Change:     change,
	}
}

func (m *Mint) handleMelt(r *http.Request) (any, *mint.Error) {
	var req nut05.PostMeltBolt11Request
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	q, ok := m.quotes[req.Quote]
	if !ok || q.kind != model.QuoteMelt {
		return nil, &mint.Error{Status: http.StatusNotFound, Detail: "quote not found"}
	}
	switch {
	case q.state == paid:
		return nil, badRequest(mint.CodeInvoicePaid, "invoice already paid")
	case q.state == inFlight:
		return nil, badRequest(mint.CodeQuotePending, "payment in flight")
	case !m.now().Before(q.expiry):
		return nil, badRequest(mint.CodeQuoteExpired, "quote expired")
	}
	ys, err := m.verify(req.Inputs)
	if err != nil {
		return nil, err
	}
	in := req.Inputs.Amount()
	if in < q.amount+q.feeReserve {
		return nil, badRequest(mint.CodeUnbalanced, "inputs do not cover amount and fee reserve")
	}
	if m.holdMelts {
		for _, y := range ys {
			m.pending[y] = true
		}
		q.held = ys
		q.state = inFlight
		return m.meltQuoteJSON(q, nil), nil
	}
	for _, y := range ys {
		m.spent[y] = true
	}
	b, _ := clientcrypto.Rand(32)
	q.preimage = hex.EncodeToString(b)
	q.state = paid

	fee := min(m.fee, q.feeReserve)
	var change cashu.BlindedSignatures
	if back := in - q.amount - fee; back > 0 {
		amounts := mint.SplitAmount(back)
		outs := req.Outputs
		if len(outs) > len(amounts) {
			outs = outs[:len(amounts)]
		}
		rewritten := make(cashu.BlindedMessages, len(outs))
		for i, o := range outs {
			o.Amount = amounts[i]
			rewritten[i] = o
		}
		sigs, err := m.sign(rewritten)
		if err != nil {
			return nil, err
		}
		change = sigs
	}
	return m.meltQuoteJSON(q, change), nil
}

func (m *Mint) handleSwap(r *http.Request) (any, *mint.Error) {
	var req nut03.PostSwapRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	ys, err := m.verify(req.Inputs)
	if err != nil {
		return nil, err
	}
	if len(req.Inputs) == 0 || req.Inputs.Amount() != req.Outputs.Amount() {
		return nil, badRequest(mint.CodeUnbalanced, "transaction is not balanced")
	}
	sigs, err := m.sign(req.Outputs)
	if err != nil {
		return nil, err
	}
	for _, y := range ys {
		m.spent[y] = true
	}
	return &nut03.PostSwapResponse{Signatures: sigs}, nil
}

func (m *Mint) handleCheckState(r *http.Request) (any, *mint.Error) {
	var req nut07.PostCheckStateRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	out := &nut07.PostCheckStateResponse{States: make([]nut07.ProofState, len(req.Ys))}
	for i, y := range req.Ys {
		st := nut07.Unspent
		switch {
		case m.spent[y]:
			st = nut07.Spent
		case m.pending[y]:
			st = nut07.Pending
		}
		out.States[i] = nut07.ProofState{Y: y, State: st}
	}
	return out, nil
}

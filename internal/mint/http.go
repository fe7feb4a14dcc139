package mint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnosh/gonuts/cashu"
	"github.com/elnosh/gonuts/cashu/nuts/nut01"
	"github.com/elnosh/gonuts/cashu/nuts/nut03"
	"github.com/elnosh/gonuts/cashu/nuts/nut04"
	"github.com/elnosh/gonuts/cashu/nuts/nut05"
	"github.com/elnosh/gonuts/cashu/nuts/nut07"
	"go.uber.org/zap"

	"github.com/and161185/nutkeeper/internal/errs"
	"github.com/and161185/nutkeeper/internal/limiter"
	"github.com/and161185/nutkeeper/internal/model"
)

// HTTPBackend talks to a mint over its NUT JSON endpoints.
type HTTPBackend struct {
	url    string
	unit   string
	client *http.Client
	lim    limiter.Limiter
	log    *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	active  *Keyset
	keysets map[string]Keyset
}

var _ Backend = (*HTTPBackend)(nil)

// HTTPOption configures an HTTPBackend.
type HTTPOption func(*HTTPBackend)

// WithHTTPClient sets the HTTP client (and with it the per-request timeout).
func WithHTTPClient(c *http.Client) HTTPOption { return func(b *HTTPBackend) { b.client = c } }

// WithLimiter paces requests; the mint URL is the key.
func WithLimiter(l limiter.Limiter) HTTPOption { return func(b *HTTPBackend) { b.lim = l } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) HTTPOption { return func(b *HTTPBackend) { b.log = l } }

// NewHTTPBackend constructs a backend for the mint at url.
func NewHTTPBackend(url string, opts ...HTTPOption) *HTTPBackend {
	b := &HTTPBackend{
		url:     strings.TrimRight(url, "/"),
		unit:    model.DefaultUnit,
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     zap.NewNop(),
		now:     time.Now,
		keysets: map[string]Keyset{},
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// URL returns the mint URL.
func (b *HTTPBackend) URL() string { return b.url }

func (b *HTTPBackend) CreateMintQuote(ctx context.Context, amount uint64) (model.MintQuote, error) {
	var resp nut04.PostMintQuoteBolt11Response
	req := nut04.PostMintQuoteBolt11Request{Amount: amount, Unit: b.unit}
	if err := b.do(ctx, http.MethodPost, "/v1/mint/quote/bolt11", req, &resp); err != nil {
		return model.MintQuote{}, err
	}
	q := b.mintQuote(resp)
	q.Amount = amount
	return q, nil
}

func (b *HTTPBackend) MintQuoteState(ctx context.Context, id string) (model.MintQuote, error) {
	var resp nut04.PostMintQuoteBolt11Response
	if err := b.do(ctx, http.MethodGet, "/v1/mint/quote/bolt11/"+id, nil, &resp); err != nil {
		return model.MintQuote{}, err
	}
	return b.mintQuote(resp), nil
}

func (b *HTTPBackend) Mint(ctx context.Context, quoteID string, amount uint64) (model.Proofs, error) {
	ks, err := b.activeKeyset(ctx)
	if err != nil {
		return nil, err
	}
	outs, err := NewOutputs(ks.ID, SplitAmount(amount), "")
	if err != nil {
		return nil, err
	}
	var resp nut04.PostMintBolt11Response
	if err := b.do(ctx, http.MethodPost, "/v1/mint/bolt11", nut04.PostMintBolt11Request{Quote: quoteID, Outputs: outs.Messages}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Signatures) != outs.Len() {
		return nil, fmt.Errorf("mint returned %d signatures for %d outputs", len(resp.Signatures), outs.Len())
	}
	return outs.Unblind(ks, resp.Signatures)
}

func (b *HTTPBackend) CreateMeltQuote(ctx context.Context, invoice string) (model.MintQuote, error) {
	var resp nut05.PostMeltQuoteBolt11Response
	req := nut05.PostMeltQuoteBolt11Request{Request: invoice, Unit: b.unit}
	if err := b.do(ctx, http.MethodPost, "/v1/melt/quote/bolt11", req, &resp); err != nil {
		return model.MintQuote{}, err
	}
	q := b.meltQuote(resp)
	q.Request = invoice
	return q, nil
}

func (b *HTTPBackend) MeltQuoteState(ctx context.Context, id string) (model.MintQuote, error) {
	var resp nut05.PostMeltQuoteBolt11Response
	if err := b.do(ctx, http.MethodGet, "/v1/melt/quote/bolt11/"+id, nil, &resp); err != nil {
		return model.MintQuote{}, err
	}
	return b.meltQuote(resp), nil
}

func (b *HTTPBackend) Melt(ctx context.Context, quote model.MintQuote, inputs model.Proofs) (MeltResult, error) {
	ks, err := b.activeKeyset(ctx)
	if err != nil {
		return MeltResult{}, err
	}
	blank := make([]uint64, BlankOutputs(quote.FeeReserve))
	for i := range blank {
		blank[i] = 1
	}
	outs, err := NewOutputs(ks.ID, blank, "")
	if err != nil {
		return MeltResult{}, err
	}
	var resp nut05.PostMeltQuoteBolt11Response
	req := nut05.PostMeltBolt11Request{Quote: quote.ID, Inputs: inputs, Outputs: outs.Messages}
	if err := b.do(ctx, http.MethodPost, "/v1/melt/bolt11", req, &resp); err != nil {
		return MeltResult{}, err
	}
	switch resp.State {
	case nut05.Paid:
	case nut05.Pending:
		return MeltResult{}, fmt.Errorf("melt %s: %w: payment pending", quote.ID, errs.ErrOutcomeUnknown)
	default:
		return MeltResult{}, fmt.Errorf("melt %s: %w: payment failed", quote.ID, errs.ErrMintRejected)
	}
	change, err := outs.Unblind(ks, resp.Change)
	if err != nil {
		return MeltResult{}, err
	}
	return MeltResult{Paid: true, Preimage: resp.Preimage, Change: change}, nil
}

func (b *HTTPBackend) Swap(ctx context.Context, inputs model.Proofs, out OutputSpec) (model.Proofs, model.Proofs, error) {
	ks, err := b.activeKeyset(ctx)
	if err != nil {
		return nil, nil, err
	}
	keepOuts, err := NewOutputs(ks.ID, out.Keep, "")
	if err != nil {
		return nil, nil, err
	}
	sendOuts, err := NewOutputs(ks.ID, out.Send, out.LockTo)
	if err != nil {
		return nil, nil, err
	}
	msgs := append(append(cashu.BlindedMessages{}, keepOuts.Messages...), sendOuts.Messages...)
	var resp nut03.PostSwapResponse
	if err := b.do(ctx, http.MethodPost, "/v1/swap", nut03.PostSwapRequest{Inputs: inputs, Outputs: msgs}, &resp); err != nil {
		return nil, nil, err
	}
	if len(resp.Signatures) != len(msgs) {
		return nil, nil, fmt.Errorf("mint returned %d signatures for %d outputs", len(resp.Signatures), len(msgs))
	}
	k := keepOuts.Len()
	keep, err := keepOuts.Unblind(ks, resp.Signatures[:k])
	if err != nil {
		return nil, nil, err
	}
	send, err := sendOuts.Unblind(ks, resp.Signatures[k:])
	if err != nil {
		return nil, nil, err
	}
	return keep, send, nil
}

func (b *HTTPBackend) CheckState(ctx context.Context, ps model.Proofs) ([]model.ProofState, error) {
	ys := make([]string, len(ps))
	for i, p := range ps {
		y, err := Y(p.Secret)
		if err != nil {
			return nil, err
		}
		ys[i] = y
	}
	var resp nut07.PostCheckStateResponse
	if err := b.do(ctx, http.MethodPost, "/v1/checkstate", nut07.PostCheckStateRequest{Ys: ys}, &resp); err != nil {
		return nil, err
	}
	byY := make(map[string]nut07.State, len(resp.States))
	for _, s := range resp.States {
		byY[s.Y] = s.State
	}
	out := make([]model.ProofState, len(ys))
	for i, y := range ys {
		st, ok := byY[y]
		switch {
		case !ok:
			return nil, fmt.Errorf("%w: checkstate omitted a proof", errs.ErrNetwork)
		case st == nut07.Spent:
			out[i] = model.ProofSpent
		case st == nut07.Pending:
			out[i] = model.ProofPending
		case st == nut07.Unspent:
			out[i] = model.ProofUnspent
		default:
			return nil, fmt.Errorf("%w: checkstate state %s", errs.ErrNetwork, st)
		}
	}
	return out, nil
}

func (b *HTTPBackend) activeKeyset(ctx context.Context) (Keyset, error) {
	b.mu.Lock()
	if b.active != nil {
		ks := *b.active
		b.mu.Unlock()
		return ks, nil
	}
	b.mu.Unlock()

	var resp nut01.GetKeysResponse
	if err := b.do(ctx, http.MethodGet, "/v1/keys", nil, &resp); err != nil {
		return Keyset{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, kj := range resp.Keysets {
		ks, err := ParseKeyset(kj)
		if err != nil {
			return Keyset{}, err
		}
		b.keysets[ks.ID] = ks
		if b.active == nil && ks.Unit == b.unit {
			b.active = &ks
		}
	}
	if b.active == nil {
		return Keyset{}, fmt.Errorf("mint %s has no %s keyset", b.url, b.unit)
	}
	return *b.active, nil
}

func (b *HTTPBackend) mintQuote(r nut04.PostMintQuoteBolt11Response) model.MintQuote {
	q := model.MintQuote{
		ID:      r.Quote,
		Mint:    b.url,
		Kind:    model.QuoteMint,
		Request: r.Request,
	}
	if r.Expiry > 0 {
		q.Expiry = time.Unix(int64(r.Expiry), 0)
	}
	switch r.State {
	case nut04.Paid:
		q.State = model.QuotePaid
	case nut04.Issued:
		q.State = model.QuoteIssued
	default:
		q.State = model.QuotePending
		if q.Expired(b.now()) {
			q.State = model.QuoteExpired
		}
	}
	return q
}

func (b *HTTPBackend) meltQuote(r nut05.PostMeltQuoteBolt11Response) model.MintQuote {
	q := model.MintQuote{
		ID:         r.Quote,
		Mint:       b.url,
		Kind:       model.QuoteMelt,
		Amount:     r.Amount,
		FeeReserve: r.FeeReserve,
	}
	if r.Expiry > 0 {
		q.Expiry = time.Unix(int64(r.Expiry), 0)
	}
	switch r.State {
	case nut05.Paid:
		q.State = model.QuotePaid
	case nut05.Pending:
		q.State = model.QuoteInFlight
	default:
		q.State = model.QuotePending
		if q.Expired(b.now()) {
			q.State = model.QuoteExpired
		}
	}
	return q
}

func (b *HTTPBackend) do(ctx context.Context, method, path string, in, out any) error {
	if b.lim != nil {
		if err := b.lim.Wait(ctx, b.url); err != nil {
			return err
		}
	}
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.url+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := b.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %s %s: %w", errs.ErrNetwork, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var er cashu.Error
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&er)
		if er.Detail == "" {
			er.Detail = http.StatusText(resp.StatusCode)
		}
		b.log.Debug("mint error", zap.String("mint", b.url), zap.String("path", path),
			zap.Int("status", resp.StatusCode), zap.Int("code", int(er.Code)))
		return &Error{Status: resp.StatusCode, Code: er.Code, Detail: er.Detail}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %w", errs.ErrNetwork, path, err)
	}
	return nil
}

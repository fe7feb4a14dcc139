// Package convert maps wallet domain values onto api wire messages.
package convert

import (
	"time"

	"github.com/and161185/nutkeeper/internal/api"
	"github.com/and161185/nutkeeper/internal/model"
	"github.com/and161185/nutkeeper/internal/nutzap"
	"github.com/and161185/nutkeeper/internal/service"
)

// --- helpers ---

func ts(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}

// --- Balances ---

// ToAPIBalance reports total and per-mint balances; balance is looked up per mint.
func ToAPIBalance(total uint64, mints []string, balance func(string) uint64) *api.GetBalanceResponse {
	out := &api.GetBalanceResponse{Balance: total}
	for _, m := range mints {
		out.Mints = append(out.Mints, api.MintBalance{Mint: m, Balance: balance(m)})
	}
	return out
}

// --- Quotes / payments ---

// ToAPIQuote converts a mint quote.
func ToAPIQuote(q model.MintQuote) *api.Quote {
	return &api.Quote{
		ID:      q.ID,
		Mint:    q.Mint,
		Amount:  q.Amount,
		Request: q.Request,
		State:   string(q.State),
		Expiry:  ts(q.Expiry),
	}
}

// ToAPIPayment converts a paid invoice.
func ToAPIPayment(p service.Payment) *api.PaymentResponse {
	return &api.PaymentResponse{Paid: p.Paid, Amount: p.Amount, Fee: p.Fee, Preimage: p.Preimage}
}

// --- Nutzaps ---

// ToAPISendNutzap converts a sent nutzap.
func ToAPISendNutzap(r nutzap.SendResult) *api.SendNutzapResponse {
	return &api.SendNutzapResponse{Transfer: r.Transfer.String(), Mint: r.Mint, Amount: r.Amount}
}

// ToAPIOutcome converts one processed transfer; the error becomes its message.
func ToAPIOutcome(o nutzap.Outcome) api.NutzapOutcome {
	out := api.NutzapOutcome{
		Transfer: o.Transfer.String(),
		Sender:   o.Sender,
		Mint:     o.Mint,
		Amount:   o.Amount,
		Note:     o.Note,
		State:    string(o.State),
	}
	if o.Err != nil {
		out.Error = o.Err.Error()
	}
	return out
}

// ToAPIOutcomes converts a processing pass.
func ToAPIOutcomes(outs []nutzap.Outcome) *api.ProcessNutzapsResponse {
	out := &api.ProcessNutzapsResponse{Outcomes: make([]api.NutzapOutcome, 0, len(outs))}
	for _, o := range outs {
		out.Outcomes = append(out.Outcomes, ToAPIOutcome(o))
	}
	return out
}

// --- History ---

// ToAPIHistoryEntry converts a history entry.
func ToAPIHistoryEntry(e model.HistoryEntry) api.HistoryEntry {
	out := api.HistoryEntry{
		ID:        e.ID.String(),
		CreatedAt: ts(e.CreatedAt),
		Direction: string(e.Direction),
		Amount:    e.Amount,
		Fee:       e.Fee,
		Mint:      e.Mint,
		Memo:      e.Memo,
	}
	if e.RedeemedTransfer != nil {
		out.Nutzap = e.RedeemedTransfer.String()
	}
	return out
}

// ToAPIHistory converts at most limit entries; limit 0 keeps all.
func ToAPIHistory(es []model.HistoryEntry, limit int) *api.GetHistoryResponse {
	if limit > 0 && len(es) > limit {
		es = es[:limit]
	}
	out := &api.GetHistoryResponse{Entries: make([]api.HistoryEntry, 0, len(es))}
	for _, e := range es {
		out.Entries = append(out.Entries, ToAPIHistoryEntry(e))
	}
	return out
}

package api

import "time"

type Empty struct{}

type GetBalanceRequest struct {
	// Mint selects one mint; empty means the total.
	Mint string `json:"mint,omitempty"`
}

type MintBalance struct {
	Mint    string `json:"mint"`
	Balance uint64 `json:"balance"`
}

type GetBalanceResponse struct {
	Balance uint64        `json:"balance"`
	Mints   []MintBalance `json:"mints,omitempty"`
}

type MintRequest struct {
	Mint string `json:"mint"`
}

type CreateDepositQuoteRequest struct {
	Mint   string `json:"mint"`
	Amount uint64 `json:"amount"`
}

// Quote is a deposit quote; Request is the invoice to pay.
type Quote struct {
	ID      string     `json:"id"`
	Mint    string     `json:"mint"`
	Amount  uint64     `json:"amount"`
	Request string     `json:"request"`
	State   string     `json:"state"`
	Expiry  *time.Time `json:"expiry,omitempty"`
}

type CompleteDepositRequest struct {
	QuoteID string `json:"quote_id"`
}

type AmountResponse struct {
	Amount uint64 `json:"amount"`
}

type SendAmountRequest struct {
	Mint   string `json:"mint"`
	Amount uint64 `json:"amount"`
	Memo   string `json:"memo,omitempty"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

type ReceiveTokenRequest struct {
	Token string `json:"token"`
}

type PayInvoiceRequest struct {
	Mint    string `json:"mint"`
	Invoice string `json:"invoice"`
}

type PaymentResponse struct {
	Paid     bool   `json:"paid"`
	Amount   uint64 `json:"amount"`
	Fee      uint64 `json:"fee"`
	Preimage string `json:"preimage,omitempty"`
}

type SendNutzapRequest struct {
	Recipient string `json:"recipient"`
	Amount    uint64 `json:"amount"`
	Note      string `json:"note,omitempty"`
}

type SendNutzapResponse struct {
	Transfer string `json:"transfer"`
	Mint     string `json:"mint"`
	Amount   uint64 `json:"amount"`
}

type NutzapOutcome struct {
	Transfer string `json:"transfer"`
	Sender   string `json:"sender"`
	Mint     string `json:"mint,omitempty"`
	Amount   uint64 `json:"amount,omitempty"`
	Note     string `json:"note,omitempty"`
	State    string `json:"state"`
	Error    string `json:"error,omitempty"`
}

type ProcessNutzapsResponse struct {
	Outcomes []NutzapOutcome `json:"outcomes"`
}

type GetHistoryRequest struct {
	// Limit caps the number of entries; 0 returns all.
	Limit int `json:"limit,omitempty"`
}

type HistoryEntry struct {
	ID        string     `json:"id"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	Direction string     `json:"direction"`
	Amount    uint64     `json:"amount"`
	Fee       uint64     `json:"fee,omitempty"`
	Mint      string     `json:"mint"`
	Memo      string     `json:"memo,omitempty"`
	Nutzap    string     `json:"nutzap,omitempty"`
}

type GetHistoryResponse struct {
	Entries []HistoryEntry `json:"entries"`
}

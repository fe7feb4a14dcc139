package mint

import (
	"fmt"
	"net/http"

	"github.com/elnosh/gonuts/cashu"

	"github.com/and161185/nutkeeper/internal/errs"
)

// Error is a failure reported by a mint.
type Error struct {
	Status int
	Code   cashu.CashuErrCode
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("mint: %s (code %d, http %d)", e.Detail, e.Code, e.Status)
}

// Unwrap maps the mint's error code onto the wallet taxonomy.
func (e *Error) Unwrap() error {
	switch e.Code {
	case CodeProofSpent, CodeProofInvalid, CodeWitnessInvalid, CodeOutputsSigned:
		return errs.ErrMintRejected
	case CodeQuoteNotPaid:
		return errs.ErrNotPaidYet
	case CodeQuoteIssued, CodeInvoicePaid:
		return errs.ErrAlreadyRedeemed
	case CodeQuoteExpired:
		return errs.ErrQuoteExpired
	case CodeQuotePending:
		return errs.ErrOutcomeUnknown
	case CodeUnbalanced, CodeAmountOutOfLimits:
		return errs.ErrInvalidAmount
	}
	if e.Status == http.StatusNotFound {
		return errs.ErrNotFound
	}
	if e.Status >= http.StatusInternalServerError || e.Status == http.StatusTooManyRequests {
		return errs.ErrNetwork
	}
	return errs.ErrMintRejected
}

package mint

import (
	"github.com/elnosh/gonuts/cashu"
	"github.com/elnosh/gonuts/cashu/nuts/nut11"
)

// Error codes mints answer with.
const (
	CodeProofSpent        = cashu.ProofAlreadyUsedErrCode
	CodeOutputsSigned     = cashu.BlindedMessageAlreadySignedErrCode
	CodeUnbalanced        = cashu.InsufficientProofAmountErrCode
	CodeProofInvalid      = cashu.InvalidProofErrCode
	CodeWitnessInvalid    = nut11.NUT11ErrCode
	CodeQuoteNotPaid      = cashu.MintQuoteRequestNotPaidErrCode
	CodeQuoteIssued       = cashu.MintQuoteAlreadyIssuedErrCode
	CodeQuotePending      = cashu.MeltQuotePendingErrCode
	CodeInvoicePaid       = cashu.MeltQuoteAlreadyPaidErrCode
	CodeKeysetUnknown     = cashu.UnknownKeysetErrCode
	CodeAmountOutOfLimits = cashu.AmountLimitExceeded

	CodeQuoteExpired cashu.CashuErrCode = 20007
)

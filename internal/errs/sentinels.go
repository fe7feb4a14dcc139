// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict indicates the local view is stale (a record or proof changed underneath).
	ErrVersionConflict = errors.New("version conflict")

	// ErrUnauthorized indicates failed authentication/authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates the caller must back off before retrying.
	ErrRateLimited = errors.New("rate limited")

	// ErrAlreadyExists indicates a unique constraint violation.
	ErrAlreadyExists = errors.New("already exists")

	// ErrValidation prefixes rejected input ("validation: ...").
	ErrValidation = errors.New("validation")
)

// Wallet sentinels.
var (
	// ErrInsufficientFunds is returned when the held balance at a mint cannot cover an amount.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidAmount indicates a zero or otherwise unusable amount.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrNotPaidYet indicates a mint quote is still unpaid; retry later.
	ErrNotPaidYet = errors.New("quote not paid yet")

	// ErrQuoteExpired indicates a mint or melt quote passed its expiry.
	ErrQuoteExpired = errors.New("quote expired")

	// ErrMintRejected indicates the mint refused the inputs (already spent or invalid).
	// It is never retried with the same proof set and forces reconciliation.
	ErrMintRejected = errors.New("mint rejected")

	// ErrNetwork indicates a transport failure or timeout talking to a mint or relay.
	ErrNetwork = errors.New("network error")

	// ErrOutcomeUnknown indicates a mutating mint call timed out and the follow-up
	// state check could not establish whether it applied.
	ErrOutcomeUnknown = errors.New("mint outcome unknown")

	// ErrFundsNotSaved indicates new proofs exist but are not yet durably recorded.
	// They are parked in the recovery queue.
	ErrFundsNotSaved = errors.New("funds received but not yet saved")

	// ErrUntrustedMint indicates the mint is not in the wallet's trusted set.
	ErrUntrustedMint = errors.New("untrusted mint")

	// ErrAlreadyRedeemed indicates a token or transfer was already claimed.
	ErrAlreadyRedeemed = errors.New("already redeemed")

	// ErrNoCommonMint indicates sender and recipient share no trusted mint.
	ErrNoCommonMint = errors.New("no common mint")

	// ErrNonZeroBalance indicates a mint cannot be removed while it holds funds.
	ErrNonZeroBalance = errors.New("mint has nonzero balance")

	// ErrInvalidToken indicates an encoded token could not be decoded.
	ErrInvalidToken = errors.New("invalid token")

	// ErrInvalidLock indicates locked proofs are not spendable by the local lock key.
	ErrInvalidLock = errors.New("invalid lock")

	// ErrNoLockKey indicates the wallet has no private lock key configured.
	ErrNoLockKey = errors.New("no lock key")
)

// Retryable reports whether an operation that failed with err may be retried
// without user action.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrMintRejected),
		errors.Is(err, ErrAlreadyRedeemed),
		errors.Is(err, ErrNoCommonMint),
		errors.Is(err, ErrUntrustedMint),
		errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrInvalidToken),
		errors.Is(err, ErrInvalidLock),
		errors.Is(err, ErrValidation),
		errors.Is(err, ErrQuoteExpired):
		return false
	case errors.Is(err, ErrNetwork),
		errors.Is(err, ErrNotPaidYet),
		errors.Is(err, ErrFundsNotSaved),
		errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrVersionConflict):
		return true
	}
	return false
}

package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestRetryable(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{ErrNetwork, true},
		{fmt.Errorf("poll: %w", ErrNotPaidYet), true},
		{fmt.Errorf("commit: %w", ErrFundsNotSaved), true},
		{ErrMintRejected, false},
		{fmt.Errorf("receive: %w: %w", ErrAlreadyRedeemed, ErrNetwork), false},
		{ErrNoCommonMint, false},
		{errors.New("boom"), false},
	}
	for _, c := range cases {
		if got := Retryable(c.err); got != c.want {
			t.Fatalf("Retryable(%v)=%v, want %v", c.err, got, c.want)
		}
	}
}

package transfer

import (
	"fmt"
	"strings"

	"github.com/elnosh/gonuts/cashu"

	"github.com/and161185/nutkeeper/internal/errs"
	"github.com/and161185/nutkeeper/internal/mint"
	"github.com/and161185/nutkeeper/internal/model"
)

const (
	prefixV4 = "cashuB"
	prefixV3 = "cashuA"
)

// Encode serializes t as a cashuB token.
func Encode(t model.Token) (string, error) {
	if len(t.Proofs) == 0 {
		return "", fmt.Errorf("%w: empty token", errs.ErrInvalidToken)
	}
	if t.Unit != "" && t.Unit != cashu.Sat.String() {
		return "", fmt.Errorf("%w: unsupported unit %q", errs.ErrInvalidToken, t.Unit)
	}
	v4, err := cashu.NewTokenV4(t.Proofs, mint.NormalizeURL(t.Mint), cashu.Sat, false)
	if err != nil {
		return "", fmt.Errorf("%w: %w", errs.ErrInvalidToken, err)
	}
	v4.Memo = t.Memo
	return v4.Serialize()
}

// Decode parses a cashuB or cashuA token. Both tokens must name exactly one mint.
func Decode(s string) (model.Token, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "cashu:")
	if len(s) < len(prefixV4) {
		return model.Token{}, fmt.Errorf("%w: unknown token prefix", errs.ErrInvalidToken)
	}
	prefix, body := s[:len(prefixV4)], urlSafe(s[len(prefixV4):])
	switch prefix {
	case prefixV4:
		v4, err := cashu.DecodeTokenV4(prefix + body)
		if err != nil {
			return model.Token{}, fmt.Errorf("%w: %w", errs.ErrInvalidToken, err)
		}
		return validate(model.Token{Mint: mint.NormalizeURL(v4.MintURL), Unit: v4.Unit, Memo: v4.Memo, Proofs: v4.Proofs()})
	case prefixV3:
		v3, err := cashu.DecodeTokenV3(prefix + body)
		if err != nil {
			return model.Token{}, fmt.Errorf("%w: %w", errs.ErrInvalidToken, err)
		}
		if len(v3.Token) != 1 {
			return model.Token{}, fmt.Errorf("%w: token spans %d mints", errs.ErrInvalidToken, len(v3.Token))
		}
		return validate(model.Token{Mint: mint.NormalizeURL(v3.Mint()), Unit: v3.Unit, Memo: v3.Memo, Proofs: v3.Proofs()})
	}
	return model.Token{}, fmt.Errorf("%w: unknown token prefix", errs.ErrInvalidToken)
}

func validate(t model.Token) (model.Token, error) {
	if t.Mint == "" {
		return model.Token{}, fmt.Errorf("%w: missing mint", errs.ErrInvalidToken)
	}
	if len(t.Proofs) == 0 {
		return model.Token{}, fmt.Errorf("%w: no proofs", errs.ErrInvalidToken)
	}
	if t.Unit == "" {
		t.Unit = model.DefaultUnit
	}
	seen := map[string]bool{}
	for _, p := range t.Proofs {
		if p.Amount == 0 || p.Secret == "" || p.C == "" {
			return model.Token{}, fmt.Errorf("%w: malformed proof", errs.ErrInvalidToken)
		}
		if seen[p.Secret] {
			return model.Token{}, fmt.Errorf("%w: duplicate proof", errs.ErrInvalidToken)
		}
		seen[p.Secret] = true
	}
	return t, nil
}

// urlSafe maps the standard base64 alphabet onto the url-safe one.
func urlSafe(s string) string {
	return strings.NewReplacer("+", "-", "/", "_").Replace(s)
}

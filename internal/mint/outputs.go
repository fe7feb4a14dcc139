package mint

import (
	"encoding/hex"
	"fmt"
	"math/bits"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/gonuts/cashu"
	"github.com/elnosh/gonuts/crypto"

	"github.com/and161185/nutkeeper/internal/crypto/clientcrypto"
	"github.com/and161185/nutkeeper/internal/model"
)

// SplitAmount returns the power-of-two denominations of n, smallest first.
func SplitAmount(n uint64) []uint64 {
	out := make([]uint64, 0, bits.OnesCount64(n))
	for i := 0; i < 64; i++ {
		if n&(1<<i) != 0 {
			out = append(out, 1<<i)
		}
	}
	return out
}

// BlankOutputs is the number of NUT-08 change outputs needed for a fee reserve.
func BlankOutputs(feeReserve uint64) int {
	if feeReserve == 0 {
		return 0
	}
	return bits.Len64(feeReserve)
}

// Outputs holds blinded messages together with the secrets and blinding factors
// needed to turn the mint's signatures into proofs.
type Outputs struct {
	Messages cashu.BlindedMessages
	secrets  []string
	rs       []*secp256k1.PrivateKey
}

// NewOutputs blinds one random secret per amount for keyset id. A non-empty lockTo
// produces NUT-11 P2PK secrets locked to that public key.
func NewOutputs(keysetID string, amounts []uint64, lockTo string) (*Outputs, error) {
	o := &Outputs{
		Messages: make(cashu.BlindedMessages, 0, len(amounts)),
		secrets:  make([]string, 0, len(amounts)),
		rs:       make([]*secp256k1.PrivateKey, 0, len(amounts)),
	}
	for _, a := range amounts {
		secret, err := newSecret(lockTo)
		if err != nil {
			return nil, err
		}
		r, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			return nil, err
		}
		B, r, err := crypto.BlindMessage(secret, r)
		if err != nil {
			return nil, fmt.Errorf("blind: %w", err)
		}
		o.Messages = append(o.Messages, cashu.NewBlindedMessage(keysetID, a, B))
		o.secrets = append(o.secrets, secret)
		o.rs = append(o.rs, r)
	}
	return o, nil
}

// Len returns the number of outputs.
func (o *Outputs) Len() int { return len(o.Messages) }

// Slice returns the outputs in [i, j).
func (o *Outputs) Slice(i, j int) *Outputs {
	return &Outputs{Messages: o.Messages[i:j], secrets: o.secrets[i:j], rs: o.rs[i:j]}
}

// Unblind turns signatures into proofs. sigs map to outputs by position; there may be
// fewer signatures than outputs (unused change outputs). Amounts come from the signatures.
func (o *Outputs) Unblind(ks Keyset, sigs cashu.BlindedSignatures) (model.Proofs, error) {
	if len(sigs) > len(o.Messages) {
		return nil, fmt.Errorf("mint returned %d signatures for %d outputs", len(sigs), len(o.Messages))
	}
	out := make(model.Proofs, 0, len(sigs))
	for i, s := range sigs {
		K, ok := ks.Keys[s.Amount]
		if !ok {
			return nil, fmt.Errorf("keyset %s has no key for amount %d", ks.ID, s.Amount)
		}
		C_, err := parsePubKey(s.C_)
		if err != nil {
			return nil, fmt.Errorf("signature %d: %w", i, err)
		}
		C := crypto.UnblindSignature(C_, o.rs[i], K)
		out = append(out, model.Proof{
			Amount: s.Amount,
			Id:     s.Id,
			Secret: o.secrets[i],
			C:      hex.EncodeToString(C.SerializeCompressed()),
		})
	}
	return out, nil
}

func newSecret(lockTo string) (string, error) {
	if lockTo != "" {
		return P2PKSecret(lockTo)
	}
	b, err := clientcrypto.Rand(32)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

package mint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/elnosh/gonuts/cashu/nuts/nut10"
	"github.com/elnosh/gonuts/cashu/nuts/nut11"

	"github.com/and161185/nutkeeper/internal/errs"
	"github.com/and161185/nutkeeper/internal/model"
)

// P2PKSecret builds a NUT-10 secret locking a proof to pubkey. An x-only key is
// locked as its even-y compressed form.
func P2PKSecret(pubkey string) (string, error) {
	pub, err := parseLockKey(pubkey)
	if err != nil {
		return "", err
	}
	return nut10.NewSecretFromSpendingCondition(nut10.SpendingCondition{
		Kind: nut10.P2PK,
		Data: hex.EncodeToString(pub.SerializeCompressed()),
		Tags: [][]string{{nut11.SIGFLAG, nut11.SIGINPUTS}},
	})
}

// LockedPubkey returns the public key a proof is locked to, if any.
func LockedPubkey(p model.Proof) (string, bool) {
	if !strings.HasPrefix(p.Secret, "[") {
		return "", false
	}
	secret, err := nut10.DeserializeSecret(p.Secret)
	if err != nil || secret.Kind != nut10.P2PK || secret.Data.Data == "" {
		return "", false
	}
	return secret.Data.Data, true
}

// VerifyWitness checks that a locked proof carries a valid signature by one of its
// lock keys. Unlocked proofs always verify.
func VerifyWitness(p model.Proof) error {
	if _, ok := LockedPubkey(p); !ok {
		return nil
	}
	secret, err := nut10.DeserializeSecret(p.Secret)
	if err != nil {
		return fmt.Errorf("%w: %w", errs.ErrInvalidLock, err)
	}
	pubkeys, err := nut11.PublicKeys(secret)
	if err != nil {
		return fmt.Errorf("%w: %w", errs.ErrInvalidLock, err)
	}
	var w nut11.P2PKWitness
	if err := json.Unmarshal([]byte(p.Witness), &w); err != nil || len(w.Signatures) == 0 {
		return fmt.Errorf("%w: missing witness", errs.ErrInvalidLock)
	}
	hash := sha256.Sum256([]byte(p.Secret))
	if !nut11.HasValidSignatures(hash[:], w.Signatures, 1, pubkeys) {
		return fmt.Errorf("%w: bad signature", errs.ErrInvalidLock)
	}
	return nil
}

// P2PKKey is the lock-key capability: it can unlock proofs locked to its public key.
type P2PKKey struct {
	priv *btcec.PrivateKey
}

// NewP2PKKey generates a fresh lock key.
func NewP2PKKey() (*P2PKKey, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return &P2PKKey{priv: priv}, nil
}

// ParseP2PKKey decodes a hex private key.
func ParseP2PKKey(s string) (*P2PKKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return nil, fmt.Errorf("%w: lock key must be 32 hex bytes", errs.ErrValidation)
	}
	priv, _ := btcec.PrivKeyFromBytes(b)
	return &P2PKKey{priv: priv}, nil
}

// Hex returns the private key for storage inside the encrypted wallet config.
func (k *P2PKKey) Hex() string { return hex.EncodeToString(k.priv.Serialize()) }

// PublicKey returns the compressed public key, hex encoded.
func (k *P2PKKey) PublicKey() string {
	return hex.EncodeToString(k.priv.PubKey().SerializeCompressed())
}

// Owns reports whether pubkey (compressed or x-only) belongs to k. Schnorr
// signatures commit to the x coordinate only, so the parity prefix is ignored.
func (k *P2PKKey) Owns(pubkey string) bool {
	own := k.PublicKey()[2:]
	switch len(pubkey) {
	case 66:
		return strings.EqualFold(pubkey[2:], own)
	case 64:
		return strings.EqualFold(pubkey, own)
	}
	return false
}

// Unlock returns copies of ps carrying witnesses. Every proof must be locked to k.
func (k *P2PKKey) Unlock(ps model.Proofs) (model.Proofs, error) {
	for _, p := range ps {
		secret, err := nut10.DeserializeSecret(p.Secret)
		if err != nil || secret.Kind != nut10.P2PK {
			return nil, fmt.Errorf("%w: proof is not locked", errs.ErrInvalidLock)
		}
		if !k.Owns(secret.Data.Data) {
			return nil, fmt.Errorf("%w: proof is locked to another key", errs.ErrInvalidLock)
		}
	}
	out, err := nut11.AddSignatureToInputs(append(model.Proofs(nil), ps...), k.priv)
	if err != nil {
		return nil, fmt.Errorf("%w: sign: %w", errs.ErrInvalidLock, err)
	}
	return out, nil
}

func parseLockKey(s string) (*btcec.PublicKey, error) {
	switch len(s) {
	case 64:
		s = "02" + s
	case 66:
	default:
		return nil, fmt.Errorf("%w: bad lock key length %d", errs.ErrValidation, len(s)/2)
	}
	pub, err := nut11.ParsePublicKey(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrValidation, err)
	}
	return pub, nil
}

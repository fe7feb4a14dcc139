package mint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/gonuts/cashu/nuts/nut01"
	"github.com/elnosh/gonuts/crypto"
)

// Keyset is a mint's set of public keys, one per denomination.
type Keyset struct {
	ID   string
	Unit string
	Keys map[uint64]*secp256k1.PublicKey
}

// KeysetID derives the NUT-02 id of keys: version byte 00 followed by the first seven
// bytes of sha256 over the compressed keys sorted by amount.
func KeysetID(keys map[uint64]*secp256k1.PublicKey) string {
	amounts := make([]uint64, 0, len(keys))
	for a := range keys {
		amounts = append(amounts, a)
	}
	slices.Sort(amounts)
	h := sha256.New()
	for _, a := range amounts {
		h.Write(keys[a].SerializeCompressed())
	}
	return "00" + hex.EncodeToString(h.Sum(nil))[:14]
}

// ParseKeyset decodes a keyset from its NUT-01 form.
func ParseKeyset(k nut01.Keyset) (Keyset, error) {
	ks := Keyset{ID: k.Id, Unit: k.Unit, Keys: make(map[uint64]*secp256k1.PublicKey, len(k.Keys))}
	for a, pubHex := range k.Keys {
		pub, err := parsePubKey(pubHex)
		if err != nil {
			return Keyset{}, fmt.Errorf("keyset %s: amount %d: %w", k.Id, a, err)
		}
		ks.Keys[a] = pub
	}
	return ks, nil
}

// Wire returns the NUT-01 form of ks.
func (ks Keyset) Wire() nut01.Keyset {
	out := nut01.Keyset{Id: ks.ID, Unit: ks.Unit, Keys: make(nut01.KeysMap, len(ks.Keys))}
	for a, pub := range ks.Keys {
		out.Keys[a] = hex.EncodeToString(pub.SerializeCompressed())
	}
	return out
}

// Y returns the hex point a mint indexes a proof's secret by.
func Y(secret string) (string, error) {
	pt, err := crypto.HashToCurve([]byte(secret))
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(pt.SerializeCompressed()), nil
}

func parsePubKey(s string) (*secp256k1.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("bad point hex: %w", err)
	}
	return secp256k1.ParsePubKey(b)
}

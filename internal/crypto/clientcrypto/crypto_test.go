package clientcrypto

import (
	"bytes"
	"crypto/subtle"
	"testing"
)

func TestRand_LengthUniq(t *testing.T) {
	t.Parallel()
	const n = 48
	a, err := Rand(n)
	if err != nil {
		t.Fatalf("Rand: %v", err)
	}
	if len(a) != n {
		t.Fatalf("len=%d, want=%d", len(a), n)
	}
	b, _ := Rand(n)
	if bytes.Equal(a, b) {
		t.Fatalf("Rand produced equal slices")
	}
}

func TestConversationKey_Symmetric(t *testing.T) {
	t.Parallel()
	a, A, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	b, B, _ := GenerateKeyPair()

	kab, err := ConversationKey(a, B)
	if err != nil {
		t.Fatalf("ConversationKey: %v", err)
	}
	kba, _ := ConversationKey(b, A)
	if subtle.ConstantTimeCompare(kab, kba) != 1 {
		t.Fatalf("conversation key not symmetric")
	}
	kaa, _ := ConversationKey(a, A)
	if bytes.Equal(kaa, kab) {
		t.Fatalf("self key must differ from peer key")
	}
}

func TestSealOpen_AADBound(t *testing.T) {
	t.Parallel()
	a, A, _ := GenerateKeyPair()
	key, _ := ConversationKey(a, A)
	aad := RecordAAD(7375, []byte("record-1"))

	blob, err := Seal(key, aad, []byte("proofs"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	pt, err := Open(key, aad, blob)
	if err != nil || string(pt) != "proofs" {
		t.Fatalf("Open: %q %v", pt, err)
	}
	if _, err := Open(key, RecordAAD(7375, []byte("record-2")), blob); err == nil {
		t.Fatalf("Open must fail with another record id")
	}
	if _, err := Open(key, RecordAAD(7376, []byte("record-1")), blob); err == nil {
		t.Fatalf("Open must fail with another kind")
	}
	if _, err := Open(key, aad, blob[:10]); err == nil {
		t.Fatalf("Open must fail on short blob")
	}
}

func TestWrapUnwrapKey(t *testing.T) {
	t.Parallel()
	kek := DeriveKEK([]byte("pw"), []byte("salt"))
	key, _ := Rand(32)

	wrapped, err := WrapKey(kek, key)
	if err != nil {
		t.Fatalf("WrapKey: %v", err)
	}
	out, err := UnwrapKey(kek, wrapped)
	if err != nil {
		t.Fatalf("UnwrapKey: %v", err)
	}
	if subtle.ConstantTimeCompare(out, key) != 1 {
		t.Fatalf("unwrap != original")
	}
	bad := DeriveKEK([]byte("pw2"), []byte("salt"))
	if _, err := UnwrapKey(bad, wrapped); err == nil {
		t.Fatalf("UnwrapKey with wrong kek must fail")
	}
}

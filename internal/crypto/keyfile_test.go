package crypto

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/and161185/nutkeeper/internal/errs"
)

func TestRandBytes_LengthAndUniqueness(t *testing.T) {
	t.Parallel()

	const n = 64
	a, err := RandBytes(n)
	if err != nil {
		t.Fatalf("RandBytes: %v", err)
	}
	if len(a) != n {
		t.Fatalf("len=%d, want=%d", len(a), n)
	}
	b, _ := RandBytes(n)
	if bytes.Equal(a, b) {
		t.Fatalf("two subsequent RandBytes(%d) are equal, looks non-random", n)
	}
}

func TestVerifyPassphrase(t *testing.T) {
	t.Parallel()
	salt := []byte("NaCl-16-bytes?")
	h := HashPassphrase([]byte("p@ss"), salt)
	if !VerifyPassphrase([]byte("p@ss"), salt, h) {
		t.Fatalf("correct passphrase rejected")
	}
	if VerifyPassphrase([]byte("nope"), salt, h) {
		t.Fatalf("wrong passphrase accepted")
	}
}

func TestKeyFile_RoundTrip(t *testing.T) {
	t.Parallel()
	key := bytes.Repeat([]byte{7}, 32)
	f, err := SealKeyFile([]byte("pw"), key)
	if err != nil {
		t.Fatalf("SealKeyFile: %v", err)
	}

	path := filepath.Join(t.TempDir(), "id", "key.json")
	if _, err := ReadKeyFile(path); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("missing file: want ErrNotFound, got %v", err)
	}
	if err := WriteKeyFile(path, f); err != nil {
		t.Fatalf("WriteKeyFile: %v", err)
	}
	loaded, err := ReadKeyFile(path)
	if err != nil {
		t.Fatalf("ReadKeyFile: %v", err)
	}
	got, err := loaded.Open([]byte("pw"))
	if err != nil || !bytes.Equal(got, key) {
		t.Fatalf("Open: %x %v", got, err)
	}
	if _, err := loaded.Open([]byte("bad")); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("wrong passphrase: want ErrUnauthorized, got %v", err)
	}
}

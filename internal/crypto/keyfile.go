// Package crypto implements the passphrase-protected identity key file.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"

	"github.com/and161185/nutkeeper/internal/crypto/clientcrypto"
	"github.com/and161185/nutkeeper/internal/errs"
)

// Argon2id parameters for the passphrase verifier.
const (
	argonTime    uint32 = 3         // iterations
	argonMemory  uint32 = 64 * 1024 // 64 MB
	argonThreads uint8  = 1
	argonKeyLen  uint32 = 32

	keyFileVersion = 1
)

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// HashPassphrase returns Argon2id hash of passphrase using the provided salt.
func HashPassphrase(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// VerifyPassphrase verifies passphrase against expected Argon2id hash and salt.
func VerifyPassphrase(passphrase, salt, expected []byte) bool {
	got := HashPassphrase(passphrase, salt)
	return subtle.ConstantTimeCompare(got, expected) == 1
}

// KeyFile is the on-disk form of a secret key wrapped under a passphrase-derived KEK.
type KeyFile struct {
	Version    int    `json:"version"`
	SaltAuth   []byte `json:"salt_auth"`
	PwdHash    []byte `json:"pwd_hash"`
	KekSalt    []byte `json:"kek_salt"`
	WrappedKey []byte `json:"wrapped_key"`
}

// SealKeyFile wraps key under passphrase with fresh salts.
func SealKeyFile(passphrase, key []byte) (KeyFile, error) {
	saltAuth, err := RandBytes(16)
	if err != nil {
		return KeyFile{}, err
	}
	kekSalt, err := RandBytes(16)
	if err != nil {
		return KeyFile{}, err
	}
	kek := clientcrypto.DeriveKEK(passphrase, kekSalt)
	wrapped, err := clientcrypto.WrapKey(kek, key)
	if err != nil {
		return KeyFile{}, err
	}
	return KeyFile{
		Version:    keyFileVersion,
		SaltAuth:   saltAuth,
		PwdHash:    HashPassphrase(passphrase, saltAuth),
		KekSalt:    kekSalt,
		WrappedKey: wrapped,
	}, nil
}

// Open returns the wrapped key. A wrong passphrase yields errs.ErrUnauthorized.
func (f KeyFile) Open(passphrase []byte) ([]byte, error) {
	if f.Version != keyFileVersion {
		return nil, fmt.Errorf("key file: unsupported version %d", f.Version)
	}
	if !VerifyPassphrase(passphrase, f.SaltAuth, f.PwdHash) {
		return nil, errs.ErrUnauthorized
	}
	key, err := clientcrypto.UnwrapKey(clientcrypto.DeriveKEK(passphrase, f.KekSalt), f.WrappedKey)
	if err != nil {
		return nil, fmt.Errorf("key file: unwrap: %w", err)
	}
	return key, nil
}

// WriteKeyFile stores f at path with owner-only permissions.
func WriteKeyFile(path string, f KeyFile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

// ReadKeyFile loads a key file; a missing file yields errs.ErrNotFound.
func ReadKeyFile(path string) (KeyFile, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return KeyFile{}, errs.ErrNotFound
	}
	if err != nil {
		return KeyFile{}, err
	}
	var f KeyFile
	if err := json.Unmarshal(b, &f); err != nil {
		return KeyFile{}, fmt.Errorf("key file: %w", err)
	}
	return f, nil
}

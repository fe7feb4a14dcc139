// Package clientcrypto contains client-side primitives for record encryption and key wrapping.
package clientcrypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Params
const (
	KeyLen = 32
	KeKLen = 32

	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1

	conversationSalt = "nutkeeper/v1"
)

func Rand(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// GenerateKeyPair returns a fresh X25519 key pair.
func GenerateKeyPair() (priv, pub []byte, err error) {
	priv, err = Rand(curve25519.ScalarSize)
	if err != nil {
		return nil, nil, err
	}
	pub, err = PublicKey(priv)
	if err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

// PublicKey derives the X25519 public key of priv.
func PublicKey(priv []byte) ([]byte, error) {
	return curve25519.X25519(priv, curve25519.Basepoint)
}

// ConversationKey derives the symmetric key shared by priv's owner and peerPub's owner.
// ConversationKey(a, B) == ConversationKey(b, A); a record sealed to self uses (a, A).
func ConversationKey(priv, peerPub []byte) ([]byte, error) {
	shared, err := curve25519.X25519(priv, peerPub)
	if err != nil {
		return nil, err
	}
	r := hkdf.New(sha256.New, shared, []byte(conversationSalt), nil)
	key := make([]byte, KeyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// RecordAAD binds a ciphertext to its record kind and id.
func RecordAAD(kind int, recordID []byte) []byte {
	aad := make([]byte, 8, 8+len(recordID))
	binary.BigEndian.PutUint64(aad, uint64(kind))
	return append(aad, recordID...)
}

// Seal encrypts plaintext with XChaCha20-Poly1305 and a random nonce prefix.
func Seal(key, aad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce, err := Rand(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, plaintext, aad)...)
	return out, nil
}

// Open decrypts a blob produced by Seal with the same key and AAD.
func Open(key, aad, blob []byte) ([]byte, error) {
	if len(blob) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("blob too short")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := blob[:chacha20poly1305.NonceSizeX]
	ct := blob[chacha20poly1305.NonceSizeX:]
	return aead.Open(nil, nonce, ct, aad)
}

// DeriveKEK derives a KEK from a passphrase and kekSalt using Argon2id.
func DeriveKEK(password, kekSalt []byte) []byte {
	return argon2.IDKey(password, kekSalt, argonTime, argonMemory, argonThreads, KeKLen)
}

// WrapKey encrypts a secret key with KEK.
func WrapKey(kek, key []byte) ([]byte, error) {
	return Seal(kek, nil, key)
}

// UnwrapKey decrypts a wrapped key using KEK.
func UnwrapKey(kek, wrapped []byte) ([]byte, error) {
	if len(wrapped) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("wrapped too short")
	}
	return Open(kek, nil, wrapped)
}

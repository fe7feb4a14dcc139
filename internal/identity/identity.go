// Package identity provides the scoped encryption capability of the wallet owner.
// Components needing to seal or open records receive a Signer explicitly; key material
// never leaves the Keyring.
package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/and161185/nutkeeper/internal/crypto"
	"github.com/and161185/nutkeeper/internal/crypto/clientcrypto"
	"github.com/and161185/nutkeeper/internal/errs"
)

// Signer seals and opens payloads exchanged between the owner and a peer.
// An empty peer means the owner itself.
type Signer interface {
	// PublicKey returns the owner's hex-encoded public identity.
	PublicKey() string
	// Seal encrypts plaintext for peer.
	Seal(peer string, aad, plaintext []byte) ([]byte, error)
	// Open decrypts a blob exchanged with peer.
	Open(peer string, aad, blob []byte) ([]byte, error)
}

// Keyring is a Signer backed by a local X25519 key pair.
type Keyring struct {
	priv []byte
	pub  string

	mu    sync.Mutex
	convs map[string][]byte
}

var _ Signer = (*Keyring)(nil)

// New constructs a Keyring from a raw private key.
func New(priv []byte) (*Keyring, error) {
	pub, err := clientcrypto.PublicKey(priv)
	if err != nil {
		return nil, err
	}
	return &Keyring{priv: priv, pub: hex.EncodeToString(pub), convs: map[string][]byte{}}, nil
}

// Generate creates a Keyring with a fresh key pair.
func Generate() (*Keyring, error) {
	priv, _, err := clientcrypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return New(priv)
}

// LoadOrCreate opens the key file at path, creating a new identity when it is missing.
func LoadOrCreate(path string, passphrase []byte) (*Keyring, error) {
	f, err := crypto.ReadKeyFile(path)
	switch {
	case err == nil:
		priv, err := f.Open(passphrase)
		if err != nil {
			return nil, err
		}
		return New(priv)
	case errors.Is(err, errs.ErrNotFound):
		kr, err := Generate()
		if err != nil {
			return nil, err
		}
		sealed, err := crypto.SealKeyFile(passphrase, kr.priv)
		if err != nil {
			return nil, err
		}
		if err := crypto.WriteKeyFile(path, sealed); err != nil {
			return nil, err
		}
		return kr, nil
	default:
		return nil, err
	}
}

// PublicKey returns the hex-encoded X25519 public key.
func (k *Keyring) PublicKey() string { return k.pub }

// Seal encrypts plaintext for peer.
func (k *Keyring) Seal(peer string, aad, plaintext []byte) ([]byte, error) {
	key, err := k.conversation(peer)
	if err != nil {
		return nil, err
	}
	return clientcrypto.Seal(key, aad, plaintext)
}

// Open decrypts a blob exchanged with peer.
func (k *Keyring) Open(peer string, aad, blob []byte) ([]byte, error) {
	key, err := k.conversation(peer)
	if err != nil {
		return nil, err
	}
	return clientcrypto.Open(key, aad, blob)
}

func (k *Keyring) conversation(peer string) ([]byte, error) {
	if peer == "" {
		peer = k.pub
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if key, ok := k.convs[peer]; ok {
		return key, nil
	}
	raw, err := hex.DecodeString(peer)
	if err != nil {
		return nil, fmt.Errorf("identity: bad peer key: %w", err)
	}
	key, err := clientcrypto.ConversationKey(k.priv, raw)
	if err != nil {
		return nil, err
	}
	k.convs[peer] = key
	return key, nil
}

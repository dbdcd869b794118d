// Package crypto encrypts source credentials at rest.
package crypto

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/macjediwizard/calhub/internal/db"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrDecrypt            = errors.New("failed to decrypt")
	ErrRotationInProgress = errors.New("key rotation already in progress")
	ErrInvalidKey         = errors.New("invalid encryption key")
)

const (
	ciphertextPrefix = "v1:"
	sealedKeyPrefix  = "sealed:"
)

// KeyStore persists data-encryption keys.
type KeyStore interface {
	GetActiveEncryptionKey(ctx context.Context) (*db.EncryptionKey, error)
	CreateEncryptionKey(ctx context.Context, keyHex string) (*db.EncryptionKey, error)
	RotateEncryptionKey(ctx context.Context, newKeyHex string, reencrypt func(blob string) (string, error)) (int, error)
}

// KeyManager owns the process-wide data-encryption key.
// The key is loaded or generated on first use. When a master key is configured,
// persisted keys are sealed with it.
type KeyManager struct {
	store  KeyStore
	master cipher.AEAD

	mu       sync.RWMutex
	aead     cipher.AEAD
	rotating atomic.Bool
}

// NewKeyManager creates a KeyManager. masterKey may be nil.
func NewKeyManager(store KeyStore, masterKey []byte) (*KeyManager, error) {
	km := &KeyManager{store: store}
	if len(masterKey) > 0 {
		aead, err := chacha20poly1305.NewX(masterKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
		}
		km.master = aead
	}
	return km, nil
}

// Encrypt seals plaintext under the active key.
func (km *KeyManager) Encrypt(ctx context.Context, plaintext string) (string, error) {
	aead, err := km.current(ctx)
	if err != nil {
		return "", err
	}
	return ciphertextPrefix + seal(aead, []byte(plaintext)), nil
}

// Decrypt opens a blob produced by Encrypt.
func (km *KeyManager) Decrypt(ctx context.Context, blob string) (string, error) {
	aead, err := km.current(ctx)
	if err != nil {
		return "", err
	}
	plaintext, err := openBlob(aead, blob)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// Rotate generates a new key and re-encrypts every stored credential under it in one
// transaction. Encrypt and Decrypt block until rotation completes.
func (km *KeyManager) Rotate(ctx context.Context) (int, error) {
	if !km.rotating.CompareAndSwap(false, true) {
		return 0, ErrRotationInProgress
	}
	defer km.rotating.Store(false)

	oldAEAD, err := km.current(ctx)
	if err != nil {
		return 0, err
	}

	km.mu.Lock()
	defer km.mu.Unlock()

	newKey := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(newKey); err != nil {
		return 0, fmt.Errorf("failed to generate key: %w", err)
	}
	newAEAD, err := chacha20poly1305.NewX(newKey)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}

	stored, err := km.wrapKey(newKey)
	if err != nil {
		return 0, err
	}

	count, err := km.store.RotateEncryptionKey(ctx, stored, func(blob string) (string, error) {
		plaintext, err := openBlob(oldAEAD, blob)
		if err != nil {
			return "", err
		}
		return ciphertextPrefix + seal(newAEAD, plaintext), nil
	})
	if err != nil {
		return 0, err
	}

	km.aead = newAEAD
	return count, nil
}

// current returns the active AEAD, loading or generating the key once.
func (km *KeyManager) current(ctx context.Context) (cipher.AEAD, error) {
	km.mu.RLock()
	aead := km.aead
	km.mu.RUnlock()
	if aead != nil {
		return aead, nil
	}

	km.mu.Lock()
	defer km.mu.Unlock()
	if km.aead != nil {
		return km.aead, nil
	}

	key, err := km.loadOrCreate(ctx)
	if err != nil {
		return nil, err
	}
	aead, err = chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	km.aead = aead
	return aead, nil
}

func (km *KeyManager) loadOrCreate(ctx context.Context) ([]byte, error) {
	stored, err := km.store.GetActiveEncryptionKey(ctx)
	if err == nil {
		return km.unwrapKey(stored.KeyHex)
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("failed to load encryption key: %w", err)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	wrapped, err := km.wrapKey(key)
	if err != nil {
		return nil, err
	}
	if _, err := km.store.CreateEncryptionKey(ctx, wrapped); err != nil {
		return nil, err
	}
	return key, nil
}

func (km *KeyManager) wrapKey(key []byte) (string, error) {
	if km.master == nil {
		return hex.EncodeToString(key), nil
	}
	return sealedKeyPrefix + seal(km.master, key), nil
}

func (km *KeyManager) unwrapKey(stored string) ([]byte, error) {
	if sealed, ok := strings.CutPrefix(stored, sealedKeyPrefix); ok {
		if km.master == nil {
			return nil, fmt.Errorf("%w: stored key is sealed but no master key is configured", ErrInvalidKey)
		}
		return open(km.master, sealed)
	}
	key, err := hex.DecodeString(stored)
	if err != nil || len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKey
	}
	return key, nil
}

func seal(aead cipher.AEAD, plaintext []byte) string {
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return base64.StdEncoding.EncodeToString(aead.Seal(nonce, nonce, plaintext, nil))
}

func openBlob(aead cipher.AEAD, blob string) ([]byte, error) {
	body, ok := strings.CutPrefix(blob, ciphertextPrefix)
	if !ok {
		return nil, fmt.Errorf("%w: unknown ciphertext format", ErrDecrypt)
	}
	return open(aead, body)
}

func open(aead cipher.AEAD, encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecrypt, err)
	}
	if len(data) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}
	nonce, ciphertext := data[:aead.NonceSize()], data[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecrypt, err)
	}
	return plaintext, nil
}

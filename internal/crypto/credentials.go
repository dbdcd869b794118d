package crypto

import (
	"context"
	"encoding/json"
	"fmt"
)

// Credentials are HTTP Basic credentials for a source feed.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// CredentialDB reads and writes encrypted credential blobs.
type CredentialDB interface {
	GetSourceCredentials(ctx context.Context, sourceID int64) (string, error)
	SetSourceCredentials(ctx context.Context, sourceID int64, blob string) error
}

// CredentialStore is the secret store for per-source feed credentials.
type CredentialStore struct {
	db   CredentialDB
	keys *KeyManager
}

// NewCredentialStore creates a new CredentialStore.
func NewCredentialStore(database CredentialDB, keys *KeyManager) *CredentialStore {
	return &CredentialStore{db: database, keys: keys}
}

// Get returns the decrypted credentials of a source, or nil if none are stored.
func (s *CredentialStore) Get(ctx context.Context, sourceID int64) (*Credentials, error) {
	blob, err := s.db.GetSourceCredentials(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if blob == "" {
		return nil, nil
	}

	plaintext, err := s.keys.Decrypt(ctx, blob)
	if err != nil {
		return nil, err
	}

	var creds Credentials
	if err := json.Unmarshal([]byte(plaintext), &creds); err != nil {
		return nil, fmt.Errorf("%w: malformed credentials: %w", ErrDecrypt, err)
	}
	return &creds, nil
}

// Set encrypts and stores credentials. A nil value clears them.
func (s *CredentialStore) Set(ctx context.Context, sourceID int64, creds *Credentials) error {
	if creds == nil || (creds.Username == "" && creds.Password == "") {
		return s.db.SetSourceCredentials(ctx, sourceID, "")
	}

	plaintext, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}

	blob, err := s.keys.Encrypt(ctx, string(plaintext))
	if err != nil {
		return err
	}
	return s.db.SetSourceCredentials(ctx, sourceID, blob)
}

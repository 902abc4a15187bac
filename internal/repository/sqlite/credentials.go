package sqlite

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/bxxmzilla1/calliope/internal/domain"
	"golang.org/x/crypto/chacha20poly1305"
)

// CredentialRepository persists the provider session between runs.
// The token pair is sealed with XChaCha20-Poly1305 under a key kept in
// a separate file, so a copied database alone reveals nothing.
type CredentialRepository struct {
	db   *sql.DB
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
}

// NewCredentialRepository creates a credential store using the key at
// keyPath, generating the key on first use.
func NewCredentialRepository(db *DB, keyPath string) (*CredentialRepository, error) {
	key, err := loadOrCreateKey(keyPath)
	if err != nil {
		return nil, fmt.Errorf("credential key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return &CredentialRepository{db: db.SqlDB, aead: aead}, nil
}

type credentialBlob struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Save replaces the persisted session.
func (r *CredentialRepository) Save(ctx context.Context, s *domain.Session) error {
	plaintext, err := json.Marshal(credentialBlob{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		UserID:       s.UserID,
		Email:        s.Email,
		ExpiresAt:    s.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	sealed := r.aead.Seal(nonce, nonce, plaintext, nil)

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO credentials (id, ciphertext, updated_at) VALUES (1, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET ciphertext = excluded.ciphertext, updated_at = excluded.updated_at`,
		sealed, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	return nil
}

// Load returns the persisted session, or domain.ErrNotFound when none
// is saved or the stored blob cannot be opened.
func (r *CredentialRepository) Load(ctx context.Context) (*domain.Session, error) {
	var sealed []byte
	err := r.db.QueryRowContext(ctx, "SELECT ciphertext FROM credentials WHERE id = 1").Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	if len(sealed) < chacha20poly1305.NonceSizeX {
		return nil, domain.ErrNotFound
	}

	nonce, ciphertext := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	plaintext, err := r.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		// A rotated key or corrupted row; treat as signed out.
		return nil, domain.ErrNotFound
	}

	var blob credentialBlob
	if err := json.Unmarshal(plaintext, &blob); err != nil {
		return nil, domain.ErrNotFound
	}
	return &domain.Session{
		AccessToken:  blob.AccessToken,
		RefreshToken: blob.RefreshToken,
		UserID:       blob.UserID,
		Email:        blob.Email,
		ExpiresAt:    blob.ExpiresAt,
	}, nil
}

// Clear removes the persisted session.
func (r *CredentialRepository) Clear(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM credentials WHERE id = 1"); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	return nil
}

func loadOrCreateKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("key file %s has wrong size %d", path, len(key))
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	key = make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return key, nil
}

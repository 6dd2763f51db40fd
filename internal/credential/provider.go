// Package credential resolves named provider credentials into decrypted bundles.
//
// Bundles are stored in the credentials table as XChaCha20-Poly1305 ciphertext
// (nonce prefix followed by the sealed JSON document) under a single master key.
package credential

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cuongbtq/dispatch-worker/internal/worker/domain"
	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/chacha20poly1305"
)

// Provider loads and decrypts credential bundles from PostgreSQL
type Provider struct {
	db     *sqlx.DB
	key    []byte
	logger *slog.Logger
}

// NewProvider creates a credential provider. masterKey is a 32-byte key encoded as hex or base64.
func NewProvider(db *sqlx.DB, masterKey string, logger *slog.Logger) (*Provider, error) {
	key, err := ParseKey(masterKey)
	if err != nil {
		return nil, err
	}

	return &Provider{
		db:     db,
		key:    key,
		logger: logger,
	}, nil
}

// ParseKey decodes a hex or base64 master key and checks its length
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("credential master key is required")
	}

	key, err := hex.DecodeString(s)
	if err != nil {
		key, err = base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, errors.New("credential master key must be hex or base64")
		}
	}

	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("credential master key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}

	return key, nil
}

// ResolveCredential returns the decrypted bundle stored under name
func (p *Provider) ResolveCredential(ctx context.Context, name string) (*domain.CredentialBundle, error) {
	var ciphertext []byte
	err := p.db.GetContext(ctx, &ciphertext, `SELECT ciphertext FROM credentials WHERE name = $1`, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrCredentialNotFound, name)
		}
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}

	plaintext, err := Open(p.key, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credential %s: %w", name, err)
	}

	var bundle domain.CredentialBundle
	if err := json.Unmarshal(plaintext, &bundle); err != nil {
		return nil, fmt.Errorf("failed to decode credential %s: %w", name, err)
	}
	bundle.Name = name

	p.logger.Debug("Credential resolved",
		slog.String("credential", name),
	)

	return &bundle, nil
}

// Seal encrypts plaintext under key, prefixing the random nonce
func Seal(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a nonce-prefixed ciphertext produced by Seal
func Open(key, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("ciphertext too short")
	}

	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	return aead.Open(nil, nonce, sealed, nil)
}

package db

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	pkgerrors "github.com/pkg/errors"
)

// Account is a tenant observed from the source provider. Accounts are never
// deleted.
type Account struct {
	ID         string
	APIKeyHash string
	CreatedAt  time.Time
}

// HashAPIKey derives the stored lookup hash for a source secret.
func HashAPIKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

// AccountStore persists accounts in _accounts.
type AccountStore struct {
	db     DBTX
	schema string
}

func NewAccountStore(db DBTX, schema string) *AccountStore {
	return &AccountStore{db: db, schema: schema}
}

func (s *AccountStore) table() string { return qualifiedTable(s.schema, "_accounts") }

// GetOrCreate records the account on first observation and refreshes the key
// hash on later ones (keys rotate, account ids do not).
func (s *AccountStore) GetOrCreate(ctx context.Context, accountID, apiKeyHash string) (*Account, error) {
	sql := fmt.Sprintf(`
		INSERT INTO %s (id, api_key_hash) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET api_key_hash = EXCLUDED.api_key_hash
		RETURNING id, api_key_hash, created_at`, s.table())

	var a Account
	if err := s.db.QueryRow(ctx, sql, accountID, apiKeyHash).Scan(&a.ID, &a.APIKeyHash, &a.CreatedAt); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to get or create account")
	}
	return &a, nil
}

// GetByKeyHash looks up an account by its source secret hash, or nil.
func (s *AccountStore) GetByKeyHash(ctx context.Context, apiKeyHash string) (*Account, error) {
	sql := fmt.Sprintf(`SELECT id, api_key_hash, created_at FROM %s WHERE api_key_hash = $1`, s.table())

	var a Account
	err := s.db.QueryRow(ctx, sql, apiKeyHash).Scan(&a.ID, &a.APIKeyHash, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to load account by key hash")
	}
	return &a, nil
}

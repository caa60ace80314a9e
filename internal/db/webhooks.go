package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pkgerrors "github.com/pkg/errors"
)

// ManagedBy tags webhook endpoints whose lifecycle this tool owns.
const ManagedBy = "stripe-sync"

// ErrDuplicateEndpoint signals a unique-constraint violation on
// (account_id, url). The caller should re-read the existing row.
var ErrDuplicateEndpoint = errors.New("db: managed webhook already exists for this account and url")

// ManagedWebhook is a provider-side webhook endpoint this tool created. The
// local uuid is embedded in the public webhook path so the verifier can find
// the endpoint secret.
type ManagedWebhook struct {
	LocalUUID         uuid.UUID
	ProviderWebhookID string
	AccountID         string
	URL               string
	Secret            string
	ManagedBy         string
	CreatedAt         time.Time
}

// ManagedWebhookStore persists managed webhook endpoints.
type ManagedWebhookStore struct {
	db     DBTX
	schema string
}

func NewManagedWebhookStore(db DBTX, schema string) *ManagedWebhookStore {
	return &ManagedWebhookStore{db: db, schema: schema}
}

// WithTx returns a store bound to the given transaction.
func (s *ManagedWebhookStore) WithTx(tx DBTX) *ManagedWebhookStore {
	return &ManagedWebhookStore{db: tx, schema: s.schema}
}

func (s *ManagedWebhookStore) table() string {
	return qualifiedTable(s.schema, "_managed_webhooks")
}

const webhookColumns = "local_uuid, provider_webhook_id, account_id, url, secret, managed_by, created_at"

// Insert stores a newly registered endpoint. A duplicate (account_id, url)
// surfaces as ErrDuplicateEndpoint.
func (s *ManagedWebhookStore) Insert(ctx context.Context, wh *ManagedWebhook) error {
	sql := fmt.Sprintf(`
		INSERT INTO %s (local_uuid, provider_webhook_id, account_id, url, secret, managed_by)
		VALUES ($1, $2, $3, $4, $5, $6)`, s.table())
	_, err := s.db.Exec(ctx, sql,
		wh.LocalUUID, wh.ProviderWebhookID, wh.AccountID, wh.URL, wh.Secret, ManagedBy)
	if isUniqueViolation(err) {
		return ErrDuplicateEndpoint
	}
	if err != nil {
		return pkgerrors.Wrap(err, "failed to insert managed webhook")
	}
	return nil
}

// GetByLocalUUID returns the endpoint routed by the given path uuid, or nil.
func (s *ManagedWebhookStore) GetByLocalUUID(ctx context.Context, localUUID uuid.UUID) (*ManagedWebhook, error) {
	sql := fmt.Sprintf(`SELECT %s FROM %s WHERE local_uuid = $1`, webhookColumns, s.table())
	return s.scanOne(s.db.QueryRow(ctx, sql, localUUID))
}

// GetByURL returns the endpoint registered for (account, url), or nil.
func (s *ManagedWebhookStore) GetByURL(ctx context.Context, accountID, url string) (*ManagedWebhook, error) {
	sql := fmt.Sprintf(`SELECT %s FROM %s WHERE account_id = $1 AND url = $2`, webhookColumns, s.table())
	return s.scanOne(s.db.QueryRow(ctx, sql, accountID, url))
}

// List returns all endpoints managed by this tool for the account.
func (s *ManagedWebhookStore) List(ctx context.Context, accountID string) ([]*ManagedWebhook, error) {
	sql := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE account_id = $1 AND managed_by = $2
		ORDER BY created_at`, webhookColumns, s.table())
	rows, err := s.db.Query(ctx, sql, accountID, ManagedBy)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to list managed webhooks")
	}
	defer rows.Close()

	var out []*ManagedWebhook
	for rows.Next() {
		var wh ManagedWebhook
		if err := rows.Scan(&wh.LocalUUID, &wh.ProviderWebhookID, &wh.AccountID,
			&wh.URL, &wh.Secret, &wh.ManagedBy, &wh.CreatedAt); err != nil {
			return nil, pkgerrors.Wrap(err, "failed to scan managed webhook")
		}
		out = append(out, &wh)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to read managed webhooks")
	}
	return out, nil
}

// Delete removes the local row for a provider endpoint id.
func (s *ManagedWebhookStore) Delete(ctx context.Context, providerWebhookID string) (bool, error) {
	sql := fmt.Sprintf(`DELETE FROM %s WHERE provider_webhook_id = $1`, s.table())
	tag, err := s.db.Exec(ctx, sql, providerWebhookID)
	if err != nil {
		return false, pkgerrors.Wrap(err, "failed to delete managed webhook")
	}
	return tag.RowsAffected() > 0, nil
}

func (s *ManagedWebhookStore) scanOne(row pgx.Row) (*ManagedWebhook, error) {
	var wh ManagedWebhook
	err := row.Scan(&wh.LocalUUID, &wh.ProviderWebhookID, &wh.AccountID,
		&wh.URL, &wh.Secret, &wh.ManagedBy, &wh.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to load managed webhook")
	}
	return &wh, nil
}

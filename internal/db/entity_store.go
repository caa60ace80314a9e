package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Meta columns carried by every entity table alongside the typed projection.
const (
	ColAccountID    = "_account_id"
	ColRawData      = "_raw_data"
	ColLastSyncedAt = "_last_synced_at"
)

// EntityStore writes source records into their projection tables. Records
// arrive as decoded JSON objects; the store injects the meta columns and lets
// Postgres project the typed columns via jsonb_populate_recordset, so no
// per-kind Go struct is needed.
type EntityStore struct {
	db     DBTX
	schema string
}

func NewEntityStore(db DBTX, schema string) *EntityStore {
	return &EntityStore{db: db, schema: schema}
}

// WithTx returns a store bound to the given transaction.
func (s *EntityStore) WithTx(tx DBTX) *EntityStore {
	return &EntityStore{db: tx, schema: s.schema}
}

// Upsert inserts or updates records by (id, _account_id). Existing rows are
// overwritten only when their _last_synced_at is NULL or older than syncedAt;
// stale writes leave the row untouched. Returns the ids actually written.
func (s *EntityStore) Upsert(ctx context.Context, table string, columns []string, records []map[string]any, accountID string, syncedAt time.Time) ([]string, error) {
	if len(records) == 0 {
		return nil, nil
	}

	payload := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		row := make(map[string]any, len(rec)+3)
		for k, v := range rec {
			row[k] = v
		}
		row[ColAccountID] = accountID
		row[ColRawData] = rec
		row[ColLastSyncedAt] = syncedAt.UTC().Format(time.RFC3339Nano)
		payload = append(payload, row)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode %s records", table)
	}

	allCols := make([]string, 0, len(columns)+3)
	allCols = append(allCols, columns...)
	allCols = append(allCols, ColAccountID, ColRawData, ColLastSyncedAt)

	target := qualifiedTable(s.schema, table)
	assignments := make([]string, 0, len(columns)+2)
	for _, c := range columns {
		if c == "id" {
			continue
		}
		assignments = append(assignments, fmt.Sprintf("%q = EXCLUDED.%q", c, c))
	}
	assignments = append(assignments,
		fmt.Sprintf("%q = EXCLUDED.%q", ColRawData, ColRawData),
		fmt.Sprintf("%q = EXCLUDED.%q", ColLastSyncedAt, ColLastSyncedAt))
	updates := strings.Join(assignments, ", ")

	sql := fmt.Sprintf(`
		INSERT INTO %s AS t (%s)
		SELECT %s FROM jsonb_populate_recordset(NULL::%s, $1::jsonb)
		ON CONFLICT (id, %q) DO UPDATE SET %s
		WHERE t.%q IS NULL OR t.%q < EXCLUDED.%q
		RETURNING t.id`,
		target, joinColumns(allCols),
		joinColumns(allCols), target,
		ColAccountID, updates,
		ColLastSyncedAt, ColLastSyncedAt, ColLastSyncedAt)

	rows, err := s.db.Query(ctx, sql, string(body))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to upsert into %s", table)
	}
	defer rows.Close()

	var written []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrapf(err, "failed to scan upserted %s id", table)
		}
		written = append(written, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read upsert results for %s", table)
	}
	return written, nil
}

// Delete removes a row and reports whether anything was deleted.
func (s *EntityStore) Delete(ctx context.Context, table, id, accountID string) (bool, error) {
	sql := fmt.Sprintf(`DELETE FROM %s WHERE id = $1 AND %q = $2`,
		qualifiedTable(s.schema, table), ColAccountID)
	tag, err := s.db.Exec(ctx, sql, id, accountID)
	if err != nil {
		return false, errors.Wrapf(err, "failed to delete from %s", table)
	}
	return tag.RowsAffected() > 0, nil
}

// FindMissing returns the subset of ids with no row in the table.
func (s *EntityStore) FindMissing(ctx context.Context, table string, ids []string, accountID string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	sql := fmt.Sprintf(`
		SELECT candidate FROM unnest($1::text[]) AS candidate
		WHERE NOT EXISTS (
			SELECT 1 FROM %s WHERE id = candidate AND %q = $2
		)`, qualifiedTable(s.schema, table), ColAccountID)

	rows, err := s.db.Query(ctx, sql, ids, accountID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to find missing ids in %s", table)
	}
	defer rows.Close()

	var missing []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan missing id")
		}
		missing = append(missing, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read missing ids for %s", table)
	}
	return missing, nil
}

// ListIDs returns every id in the table for the account, ordered for stable
// iteration. Used to enumerate parents for per-customer kinds.
func (s *EntityStore) ListIDs(ctx context.Context, table, accountID string) ([]string, error) {
	sql := fmt.Sprintf(`SELECT id FROM %s WHERE %q = $1 ORDER BY id`,
		qualifiedTable(s.schema, table), ColAccountID)
	rows, err := s.db.Query(ctx, sql, accountID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list ids from %s", table)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read ids from %s", table)
	}
	return ids, nil
}

// MarkDeletedSubscriptionItems soft-deletes items of a subscription whose id
// is not in keepIDs. Items removed from a subscription stay queryable with
// deleted=true rather than vanishing.
func (s *EntityStore) MarkDeletedSubscriptionItems(ctx context.Context, subscriptionID string, keepIDs []string, accountID string) (int64, error) {
	sql := fmt.Sprintf(`
		UPDATE %s SET "deleted" = true
		WHERE subscription = $1 AND %q = $2 AND NOT (id = ANY($3::text[]))`,
		qualifiedTable(s.schema, "subscription_items"), ColAccountID)
	tag, err := s.db.Exec(ctx, sql, subscriptionID, accountID, keepIDs)
	if err != nil {
		return 0, errors.Wrap(err, "failed to mark deleted subscription items")
	}
	return tag.RowsAffected(), nil
}

// DeleteEntitlementsNotIn removes a customer's active entitlements that are
// absent from keepIDs. The entitlement summary event carries the full set, so
// anything else is gone.
func (s *EntityStore) DeleteEntitlementsNotIn(ctx context.Context, customerID string, keepIDs []string, accountID string) (int64, error) {
	sql := fmt.Sprintf(`
		DELETE FROM %s
		WHERE customer = $1 AND %q = $2 AND NOT (id = ANY($3::text[]))`,
		qualifiedTable(s.schema, "active_entitlements"), ColAccountID)
	tag, err := s.db.Exec(ctx, sql, customerID, accountID, keepIDs)
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune active entitlements")
	}
	return tag.RowsAffected(), nil
}

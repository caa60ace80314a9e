package db

import (
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvisoryLockKey(t *testing.T) {
	key := AdvisoryLockKey("webhook:acct_1:https://example.com/hooks")
	assert.Equal(t, key, AdvisoryLockKey("webhook:acct_1:https://example.com/hooks"))
	assert.NotEqual(t, key, AdvisoryLockKey("webhook:acct_2:https://example.com/hooks"))
}

func TestMigrationID(t *testing.T) {
	id, err := migrationID("0001_init.sql")
	require.NoError(t, err)
	assert.Equal(t, 1, id)

	id, err = migrationID("0012_add_indexes.sql")
	require.NoError(t, err)
	assert.Equal(t, 12, id)

	_, err = migrationID("init.sql")
	require.Error(t, err)
	_, err = migrationID("_init.sql")
	require.Error(t, err)
	_, err = migrationID("abc_init.sql")
	require.Error(t, err)
}

func TestMigrationNamesAreOrdered(t *testing.T) {
	names, err := migrationNames()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "0001_init.sql", names[0])

	last := 0
	for _, name := range names {
		id, err := migrationID(name)
		require.NoError(t, err)
		assert.Greater(t, id, last, "migration ids must be strictly increasing")
		last = id
	}
}

func TestValidateSchemaName(t *testing.T) {
	assert.NoError(t, validateSchemaName("stripe"))
	assert.NoError(t, validateSchemaName("billing_v2"))
	assert.Error(t, validateSchemaName(""))
	assert.Error(t, validateSchemaName(`str"ipe`))
	assert.Error(t, validateSchemaName("stripe; drop schema public"))
}

func TestHashAPIKey(t *testing.T) {
	h := HashAPIKey("sk_test_123")
	assert.Len(t, h, 64)
	assert.Equal(t, h, HashAPIKey("sk_test_123"))
	assert.NotEqual(t, h, HashAPIKey("sk_test_124"))
}

func TestQualifiedTable(t *testing.T) {
	assert.Equal(t, `"stripe"."customers"`, qualifiedTable("stripe", "customers"))
	assert.Equal(t, `"billing"."_sync_run"`, qualifiedTable("billing", "_sync_run"))
}

func TestJoinColumns(t *testing.T) {
	assert.Equal(t, `"id", "object", "created"`, joinColumns([]string{"id", "object", "created"}))
	assert.Equal(t, `"id"`, joinColumns([]string{"id"}))
}

func TestIsUniqueViolation(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "23505", ConstraintName: "managed_webhooks_account_url"}
	assert.True(t, isUniqueViolation(pgErr))
	assert.True(t, isUniqueViolation(fmt.Errorf("insert failed: %w", pgErr)))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(fmt.Errorf("plain error")))
	assert.False(t, isUniqueViolation(nil))
}

package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
)

// setupTestDB connects to the database named by TEST_DATABASE_URL and applies
// the schema. Tests are skipped when the variable is unset so the suite runs
// without infrastructure.
func setupTestDB(t *testing.T) *Pool {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := NewPool(ctx, dsn)
	require.NoError(t, err, "failed to create pool")
	t.Cleanup(pool.Close)

	applySchema(t, ctx, pool)
	truncateAll(t, ctx, pool)
	return pool
}

func applySchema(t *testing.T, ctx context.Context, pool *Pool) {
	t.Helper()
	// The migrations package can't be imported here without a cycle; the
	// schema file is read straight from the source tree instead.
	data, err := os.ReadFile("../migrations/postgres/0001_init.sql")
	require.NoError(t, err, "failed to read schema")
	_, err = pool.Exec(ctx, string(data))
	require.NoError(t, err, "failed to apply schema")
}

func truncateAll(t *testing.T, ctx context.Context, pool *Pool) {
	t.Helper()
	tables := []string{
		"signing_approvals", "signing_requests", "signer_sets",
		"liquidity_payments", "liquidity_quotes",
		"credit_settlements", "underwriting_audits", "credit_envelopes",
		"credit_offers", "credit_intents",
		"pool_snapshots", "withdrawals", "deposits",
		"partition_liquidity", "lp_accounts", "liquidity_pools",
		"receipts", "idempotency_keys",
	}
	for _, table := range tables {
		_, err := pool.Exec(ctx, "TRUNCATE TABLE "+pgx.Identifier{table}.Sanitize()+" CASCADE")
		require.NoError(t, err, "failed to truncate %s", table)
	}
}

package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/creditrail/settlement-core/internal/domain"
	"github.com/creditrail/settlement-core/internal/storage"
)

// LedgerStore implements storage.LedgerStore using PostgreSQL. Share balances
// and partition liquidity are mutated only inside MintShares/BurnShares
// transactions, so the movement row and the balance change commit together.
type LedgerStore struct {
	pool *Pool
}

// NewLedgerStore creates a new LedgerStore.
func NewLedgerStore(pool *Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

var _ storage.LedgerStore = (*LedgerStore)(nil)

func (s *LedgerStore) InsertPool(ctx context.Context, p *domain.LiquidityPool) error {
	if p == nil || p.ID == "" {
		return storage.ErrInvalidInput
	}
	query := `
		INSERT INTO liquidity_pools (id, kind, operator, status, policy, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.pool.Exec(ctx, query, p.ID, p.Kind, p.Operator, p.Status, p.Policy, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert pool: %w", err)
	}
	return nil
}

func (s *LedgerStore) GetPool(ctx context.Context, id string) (*domain.LiquidityPool, error) {
	query := `
		SELECT id, kind, operator, status, policy, created_at, updated_at
		FROM liquidity_pools
		WHERE id = $1
	`
	p := &domain.LiquidityPool{}
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&p.ID, &p.Kind, &p.Operator, &p.Status, &p.Policy, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get pool: %w", err)
	}
	return p, nil
}

func (s *LedgerStore) TransitionPoolStatus(ctx context.Context, id, from, to string) error {
	query := `
		UPDATE liquidity_pools
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`
	tag, err := s.pool.Exec(ctx, query, id, from, to)
	if err != nil {
		return fmt.Errorf("transition pool status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetPool(ctx, id); err != nil {
			return err
		}
		return storage.ErrStaleState
	}
	return nil
}

func (s *LedgerStore) UpdatePoolPolicy(ctx context.Context, id string, policy []byte) error {
	query := `
		UPDATE liquidity_pools
		SET policy = $2, updated_at = NOW()
		WHERE id = $1
	`
	tag, err := s.pool.Exec(ctx, query, id, policy)
	if err != nil {
		return fmt.Errorf("update pool policy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *LedgerStore) GetAccount(ctx context.Context, pool, lp, partition string) (*domain.LPAccount, error) {
	query := `
		SELECT pool_id, lp_id, partition, shares, updated_at
		FROM lp_accounts
		WHERE pool_id = $1 AND lp_id = $2 AND partition = $3
	`
	a := &domain.LPAccount{}
	err := s.pool.QueryRow(ctx, query, pool, lp, partition).Scan(
		&a.PoolID, &a.LPID, &a.Partition, &a.Shares, &a.UpdatedAt)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

func (s *LedgerStore) PartitionTotals(ctx context.Context, pool, partition string) (int64, int64, error) {
	query := `
		SELECT
			COALESCE((SELECT SUM(shares) FROM lp_accounts WHERE pool_id = $1 AND partition = $2), 0),
			COALESCE((SELECT units FROM partition_liquidity WHERE pool_id = $1 AND partition = $2), 0)
	`
	var shares, units int64
	if err := s.pool.QueryRow(ctx, query, pool, partition).Scan(&shares, &units); err != nil {
		return 0, 0, fmt.Errorf("partition totals: %w", err)
	}
	return shares, units, nil
}

func (s *LedgerStore) ListPartitions(ctx context.Context) ([]storage.PartitionRef, error) {
	query := `
		SELECT pool_id, partition
		FROM partition_liquidity
		ORDER BY pool_id, partition
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	defer rows.Close()

	var refs []storage.PartitionRef
	for rows.Next() {
		var ref storage.PartitionRef
		if err := rows.Scan(&ref.PoolID, &ref.Partition); err != nil {
			return nil, fmt.Errorf("scan partition: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func (s *LedgerStore) MintShares(ctx context.Context, d *domain.Deposit) error {
	if d == nil || d.PoolID == "" || d.IdempotencyKey == "" {
		return storage.ErrInvalidInput
	}
	return s.pool.runInTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO deposits
				(id, pool_id, lp_id, partition, idempotency_key, amount_units, rail,
				 share_price, shares_minted, status, fingerprint, receipt_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`, d.ID, d.PoolID, d.LPID, d.Partition, d.IdempotencyKey, d.AmountUnits, d.Rail,
			d.SharePrice, d.SharesMinted, d.Status, d.Fingerprint, d.ReceiptID, d.CreatedAt)
		if err != nil {
			if isDuplicateKeyError(err) {
				return storage.ErrDuplicateKey
			}
			return fmt.Errorf("insert deposit: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO lp_accounts (pool_id, lp_id, partition, shares, updated_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (pool_id, lp_id, partition)
			DO UPDATE SET shares = lp_accounts.shares + EXCLUDED.shares, updated_at = NOW()
		`, d.PoolID, d.LPID, d.Partition, d.SharesMinted)
		if err != nil {
			return fmt.Errorf("credit shares: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO partition_liquidity (pool_id, partition, units, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (pool_id, partition)
			DO UPDATE SET units = partition_liquidity.units + EXCLUDED.units, updated_at = NOW()
		`, d.PoolID, d.Partition, d.AmountUnits)
		if err != nil {
			return fmt.Errorf("credit units: %w", err)
		}
		return nil
	})
}

func (s *LedgerStore) GetDepositByKey(ctx context.Context, pool, lp, partition, key string) (*domain.Deposit, error) {
	query := `
		SELECT id, pool_id, lp_id, partition, idempotency_key, amount_units, rail,
		       share_price, shares_minted, status, fingerprint, receipt_id, created_at
		FROM deposits
		WHERE pool_id = $1 AND lp_id = $2 AND partition = $3 AND idempotency_key = $4
	`
	d := &domain.Deposit{}
	err := s.pool.QueryRow(ctx, query, pool, lp, partition, key).Scan(
		&d.ID, &d.PoolID, &d.LPID, &d.Partition, &d.IdempotencyKey, &d.AmountUnits, &d.Rail,
		&d.SharePrice, &d.SharesMinted, &d.Status, &d.Fingerprint, &d.ReceiptID, &d.CreatedAt)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get deposit by key: %w", err)
	}
	return d, nil
}

func (s *LedgerStore) BurnShares(ctx context.Context, w *domain.Withdrawal) error {
	if w == nil || w.PoolID == "" || w.IdempotencyKey == "" {
		return storage.ErrInvalidInput
	}
	return s.pool.runInTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO withdrawals
				(id, pool_id, lp_id, partition, idempotency_key, amount_units, rail,
				 share_price, shares_burned, status, fingerprint, payout_after,
				 receipt_id, failure_reason, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		`, w.ID, w.PoolID, w.LPID, w.Partition, w.IdempotencyKey, w.AmountUnits, w.Rail,
			w.SharePrice, w.SharesBurned, w.Status, w.Fingerprint, w.PayoutAfter,
			w.ReceiptID, w.FailureReason, w.CreatedAt, w.UpdatedAt)
		if err != nil {
			if isDuplicateKeyError(err) {
				return storage.ErrDuplicateKey
			}
			return fmt.Errorf("insert withdrawal: %w", err)
		}

		// Guarded decrements: a row only updates while the balance covers the
		// burn, so an insufficient balance surfaces as zero rows affected.
		tag, err := tx.Exec(ctx, `
			UPDATE lp_accounts
			SET shares = shares - $4, updated_at = NOW()
			WHERE pool_id = $1 AND lp_id = $2 AND partition = $3 AND shares >= $4
		`, w.PoolID, w.LPID, w.Partition, w.SharesBurned)
		if err != nil {
			return fmt.Errorf("burn shares: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return storage.ErrInvalidInput
		}

		tag, err = tx.Exec(ctx, `
			UPDATE partition_liquidity
			SET units = units - $3, updated_at = NOW()
			WHERE pool_id = $1 AND partition = $2 AND units >= $3
		`, w.PoolID, w.Partition, w.AmountUnits)
		if err != nil {
			return fmt.Errorf("reserve units: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return storage.ErrInvalidInput
		}
		return nil
	})
}

func (s *LedgerStore) GetWithdrawalByKey(ctx context.Context, pool, lp, partition, key string) (*domain.Withdrawal, error) {
	query := withdrawalColumns + `
		WHERE pool_id = $1 AND lp_id = $2 AND partition = $3 AND idempotency_key = $4
	`
	w, err := scanWithdrawal(s.pool.QueryRow(ctx, query, pool, lp, partition, key))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get withdrawal by key: %w", err)
	}
	return w, nil
}

func (s *LedgerStore) DueWithdrawals(ctx context.Context, before time.Time, limit int) ([]*domain.Withdrawal, error) {
	query := withdrawalColumns + `
		WHERE status = $1 AND payout_after <= $2
		ORDER BY payout_after ASC
	`
	args := []any{domain.MovementStatusPending, before}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("due withdrawals: %w", err)
	}
	defer rows.Close()

	var due []*domain.Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan withdrawal: %w", err)
		}
		due = append(due, w)
	}
	return due, rows.Err()
}

func (s *LedgerStore) TransitionWithdrawal(ctx context.Context, id uuid.UUID, from, to, failureReason string) error {
	query := `
		UPDATE withdrawals
		SET status = $3, failure_reason = $4, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`
	tag, err := s.pool.Exec(ctx, query, id, from, to, failureReason)
	if err != nil {
		return fmt.Errorf("transition withdrawal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM withdrawals WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("transition withdrawal: %w", err)
		}
		if !exists {
			return storage.ErrNotFound
		}
		return storage.ErrStaleState
	}
	return nil
}

func (s *LedgerStore) InsertSnapshot(ctx context.Context, snap *domain.PoolSnapshot) error {
	if snap == nil || snap.PoolID == "" {
		return storage.ErrInvalidInput
	}
	query := `
		INSERT INTO pool_snapshots
			(id, pool_id, partition, as_of, assets_units, liabilities_units,
			 outstanding_shares, share_price, telemetry_note, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.pool.Exec(ctx, query, snap.ID, snap.PoolID, snap.Partition, snap.AsOf,
		snap.AssetsUnits, snap.LiabilitiesUnits, snap.OutstandingShares,
		snap.SharePrice, snap.TelemetryNote, snap.Hash)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func (s *LedgerStore) LatestSnapshot(ctx context.Context, pool, partition string) (*domain.PoolSnapshot, error) {
	query := `
		SELECT id, pool_id, partition, as_of, assets_units, liabilities_units,
		       outstanding_shares, share_price, telemetry_note, hash
		FROM pool_snapshots
		WHERE pool_id = $1 AND partition = $2
		ORDER BY as_of DESC
		LIMIT 1
	`
	snap := &domain.PoolSnapshot{}
	err := s.pool.QueryRow(ctx, query, pool, partition).Scan(
		&snap.ID, &snap.PoolID, &snap.Partition, &snap.AsOf, &snap.AssetsUnits,
		&snap.LiabilitiesUnits, &snap.OutstandingShares, &snap.SharePrice,
		&snap.TelemetryNote, &snap.Hash)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	return snap, nil
}

const withdrawalColumns = `
	SELECT id, pool_id, lp_id, partition, idempotency_key, amount_units, rail,
	       share_price, shares_burned, status, fingerprint, payout_after,
	       receipt_id, failure_reason, created_at, updated_at
	FROM withdrawals`

func scanWithdrawal(row pgx.Row) (*domain.Withdrawal, error) {
	w := &domain.Withdrawal{}
	err := row.Scan(
		&w.ID, &w.PoolID, &w.LPID, &w.Partition, &w.IdempotencyKey, &w.AmountUnits, &w.Rail,
		&w.SharePrice, &w.SharesBurned, &w.Status, &w.Fingerprint, &w.PayoutAfter,
		&w.ReceiptID, &w.FailureReason, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return w, nil
}

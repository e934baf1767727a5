package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LiquidityPool is pooled capital operated on behalf of liquidity providers.
// Capital inside a pool is segregated into partitions that never share
// exposure.
type LiquidityPool struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Operator  string          `json:"operator"`
	Status    string          `json:"status"`
	Policy    json.RawMessage `json:"policy,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// LPAccount is an LP's share balance in one partition of one pool.
// (Pool, LP, Partition) is the identity; there is no cross-partition row.
type LPAccount struct {
	PoolID    string    `json:"pool_id"`
	LPID      string    `json:"lp_id"`
	Partition string    `json:"partition"`
	Shares    int64     `json:"shares"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Deposit records inbound capital. Identified by (pool, lp, partition,
// idempotency key); never deleted.
type Deposit struct {
	ID             uuid.UUID       `json:"id"`
	PoolID         string          `json:"pool_id"`
	LPID           string          `json:"lp_id"`
	Partition      string          `json:"partition"`
	IdempotencyKey string          `json:"idempotency_key"`
	AmountUnits    int64           `json:"amount_units"`
	Rail           string          `json:"rail"`
	SharePrice     decimal.Decimal `json:"share_price"`
	SharesMinted   int64           `json:"shares_minted"`
	Status         string          `json:"status"`
	Fingerprint    string          `json:"fingerprint"`
	ReceiptID      string          `json:"receipt_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Withdrawal burns shares and schedules an outbound payout no earlier than the
// configured delay.
type Withdrawal struct {
	ID             uuid.UUID       `json:"id"`
	PoolID         string          `json:"pool_id"`
	LPID           string          `json:"lp_id"`
	Partition      string          `json:"partition"`
	IdempotencyKey string          `json:"idempotency_key"`
	AmountUnits    int64           `json:"amount_units"`
	Rail           string          `json:"rail"`
	SharePrice     decimal.Decimal `json:"share_price"`
	SharesBurned   int64           `json:"shares_burned"`
	Status         string          `json:"status"`
	Fingerprint    string          `json:"fingerprint"`
	PayoutAfter    time.Time       `json:"payout_after"`
	ReceiptID      string          `json:"receipt_id,omitempty"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// PoolSnapshot is an append-only point-in-time valuation of one partition.
type PoolSnapshot struct {
	ID                uuid.UUID       `json:"id"`
	PoolID            string          `json:"pool_id"`
	Partition         string          `json:"partition"`
	AsOf              time.Time       `json:"as_of"`
	AssetsUnits       int64           `json:"assets_units"`
	LiabilitiesUnits  int64           `json:"liabilities_units"`
	OutstandingShares int64           `json:"outstanding_shares"`
	SharePrice        decimal.Decimal `json:"share_price"`
	TelemetryNote     string          `json:"telemetry_note,omitempty"`
	Hash              string          `json:"hash"`
}

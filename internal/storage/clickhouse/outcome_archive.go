// Package clickhouse archives circuit-breaker observations for offline
// analysis. The archive is best-effort: the breaker derives its state from
// in-process samples and never reads this table back.
package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/creditrail/settlement-core/internal/breaker"
)

const createArchiveTable = `
CREATE TABLE IF NOT EXISTS breaker_states (
    computed_at            DateTime64(3) CODEC(Delta, ZSTD),
    settlement_samples     UInt32,
    loss_rate              Float64,
    halt_new_envelopes     UInt8,
    rail_samples           UInt32,
    rail_failure_rate      Float64,
    halt_large_settlements UInt8
) ENGINE = MergeTree()
ORDER BY computed_at
TTL toDateTime(computed_at) + INTERVAL 90 DAY`

// OutcomeArchive appends breaker state observations to ClickHouse.
type OutcomeArchive struct {
	conn driver.Conn
	log  *zap.Logger
}

// NewOutcomeArchive connects to ClickHouse using a DSN such as
// clickhouse://host:9000/settlement and creates the archive table when
// missing.
func NewOutcomeArchive(ctx context.Context, dsn string, log *zap.Logger) (*OutcomeArchive, error) {
	if log == nil {
		log = zap.NewNop()
	}
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing clickhouse dsn: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging clickhouse: %w", err)
	}
	if err := conn.Exec(ctx, createArchiveTable); err != nil {
		return nil, fmt.Errorf("creating archive table: %w", err)
	}
	return &OutcomeArchive{conn: conn, log: log.Named("outcome_archive")}, nil
}

// Append records one breaker observation.
func (a *OutcomeArchive) Append(ctx context.Context, st breaker.State) error {
	return a.conn.Exec(ctx,
		`INSERT INTO breaker_states
		 (computed_at, settlement_samples, loss_rate, halt_new_envelopes,
		  rail_samples, rail_failure_rate, halt_large_settlements)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		st.ComputedAt,
		uint32(st.SettlementSamples),
		st.LossRate,
		boolToUInt8(st.HaltNewEnvelopes),
		uint32(st.RailSamples),
		st.RailFailureRate,
		boolToUInt8(st.HaltLargeSettlements),
	)
}

// Close releases the connection.
func (a *OutcomeArchive) Close() error {
	return a.conn.Close()
}

func boolToUInt8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

package telemetry

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned when no fresh node report exists. Callers treat
// telemetry as best effort: absence annotates, never aborts.
var ErrUnavailable = errors.New("node telemetry unavailable")

// Report is a best-effort view of the settlement node's channel capital.
// Never authoritative — snapshot assembly records it inline.
type Report struct {
	LocalBalanceUnits  int64     `json:"local_balance_units"`
	RemoteBalanceUnits int64     `json:"remote_balance_units"`
	PendingHTLCs       int       `json:"pending_htlcs"`
	CollectedAt        time.Time `json:"collected_at"`
}

// Collector supplies node telemetry for snapshot assembly.
type Collector interface {
	Collect(ctx context.Context) (*Report, error)
}

// Static is a fixed-report collector for tests and standalone runs.
type Static struct {
	Report *Report
	Err    error
}

func (s *Static) Collect(context.Context) (*Report, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	if s.Report == nil {
		return nil, ErrUnavailable
	}
	cp := *s.Report
	return &cp, nil
}

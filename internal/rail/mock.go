package rail

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"
)

// MockRail simulates the external payment rail. It settles at the requested
// amount with a small deterministic fee and fails based on FailureRate.
type MockRail struct {
	// FailureRate is the probability of failure (0.0 to 1.0).
	FailureRate float64
	// Latency delays each call to simulate the rail round trip.
	Latency time.Duration

	calls atomic.Int64
}

// NewMockRail creates a mock rail with a 10% failure rate and no latency.
func NewMockRail() *MockRail {
	return &MockRail{FailureRate: 0.1}
}

// Calls reports how many times Pay was invoked.
func (m *MockRail) Calls() int64 {
	return m.calls.Load()
}

func (m *MockRail) Pay(ctx context.Context, req Request) (*Result, error) {
	m.calls.Add(1)

	if m.Latency > 0 {
		select {
		case <-time.After(m.Latency):
		case <-ctx.Done():
			return nil, fmt.Errorf("rail call canceled: %w", ctx.Err())
		}
	}

	if rand.Float64() < m.FailureRate {
		return nil, &Failure{Code: "NO_ROUTE", Message: "no route to destination"}
	}

	fee := req.MaxAmountUnits / 1000 // 0.1% simulated routing fee
	if fee > req.MaxFeeUnits {
		return nil, &Failure{Code: "FEE_LIMIT", Message: "routing fee exceeds cap"}
	}

	preimage := sha256.Sum256([]byte(req.Invoice))
	return &Result{
		PreimageHash: hex.EncodeToString(preimage[:]),
		AmountUnits:  req.MaxAmountUnits,
		FeeUnits:     fee,
		SettledAt:    time.Now().UTC(),
	}, nil
}

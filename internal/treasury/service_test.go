package treasury

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/creditrail/settlement-core/internal/domain"
	"github.com/creditrail/settlement-core/internal/receipt"
	"github.com/creditrail/settlement-core/internal/storage/memory"
)

func newTestService(t *testing.T) (*Service, *atomic.Int64) {
	t.Helper()
	svc := NewService(memory.NewTreasuryStore(), receipt.NewService(memory.NewReceiptStore(), nil), zap.NewNop())

	executions := &atomic.Int64{}
	svc.RegisterExecutor(domain.ActionPoolStatusChange, func(_ context.Context, poolID string, payload json.RawMessage) (json.RawMessage, error) {
		executions.Add(1)
		return json.RawMessage(`{"applied":true}`), nil
	})
	svc.RegisterExecutor(domain.ActionPartitionDrain, func(context.Context, string, json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("partition has open envelopes")
	})
	return svc, executions
}

func installSigners(t *testing.T, svc *Service, threshold int, signers ...string) {
	t.Helper()
	_, err := svc.SetSignerSet(context.Background(), "llp-main", threshold, signers)
	require.NoError(t, err)
}

func propose(t *testing.T, svc *Service, key string) *domain.SigningRequest {
	t.Helper()
	sr, err := svc.Propose(context.Background(), ProposeRequest{
		PoolID:         "llp-main",
		ActionClass:    domain.ActionPoolStatusChange,
		IdempotencyKey: key,
		Payload:        json.RawMessage(`{"from":"ACTIVE","to":"PAUSED"}`),
	})
	require.NoError(t, err)
	return sr
}

func TestThresholdCrossingExecutesOnce(t *testing.T) {
	svc, executions := newTestService(t)
	installSigners(t, svc, 2, "s1", "s2", "s3")
	ctx := context.Background()

	sr := propose(t, svc, "req-1")
	assert.Equal(t, domain.SigningStatusPending, sr.Status)
	assert.Equal(t, 2, sr.Threshold)

	after1, err := svc.Approve(ctx, sr.ID, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.SigningStatusPending, after1.Status)
	assert.Equal(t, 1, after1.Approvals)
	assert.Zero(t, executions.Load())

	after2, err := svc.Approve(ctx, sr.ID, "s2")
	require.NoError(t, err)
	assert.Equal(t, domain.SigningStatusExecuted, after2.Status)
	assert.JSONEq(t, `{"applied":true}`, string(after2.Result))
	assert.NotEmpty(t, after2.ReceiptID)
	assert.Equal(t, int64(1), executions.Load())

	// A third approval cannot re-execute.
	_, err = svc.Approve(ctx, sr.ID, "s3")
	require.Error(t, err)
	assert.Equal(t, domain.CodeConflict, domain.CodeOf(err))
	assert.Equal(t, int64(1), executions.Load())
}

func TestDuplicateApprovalRejected(t *testing.T) {
	svc, executions := newTestService(t)
	installSigners(t, svc, 2, "s1", "s2")
	ctx := context.Background()

	sr := propose(t, svc, "req-1")
	_, err := svc.Approve(ctx, sr.ID, "s1")
	require.NoError(t, err)

	_, err = svc.Approve(ctx, sr.ID, "s1")
	require.Error(t, err)
	assert.Equal(t, domain.CodeConflict, domain.CodeOf(err))

	current, err := svc.Get(ctx, sr.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, current.Approvals)
	assert.Equal(t, domain.SigningStatusPending, current.Status)
	assert.Zero(t, executions.Load())
}

func TestUnauthorizedSignerRejected(t *testing.T) {
	svc, _ := newTestService(t)
	installSigners(t, svc, 1, "s1")

	sr := propose(t, svc, "req-1")
	_, err := svc.Approve(context.Background(), sr.ID, "intruder")
	require.Error(t, err)
	assert.Equal(t, domain.CodeUnauthorized, domain.CodeOf(err))
}

func TestProposeReplayAndPayloadConflict(t *testing.T) {
	svc, _ := newTestService(t)
	installSigners(t, svc, 1, "s1")
	ctx := context.Background()

	first := propose(t, svc, "req-1")
	replay := propose(t, svc, "req-1")
	assert.Equal(t, first.ID, replay.ID)

	_, err := svc.Propose(ctx, ProposeRequest{
		PoolID:         "llp-main",
		ActionClass:    domain.ActionPoolStatusChange,
		IdempotencyKey: "req-1",
		Payload:        json.RawMessage(`{"from":"ACTIVE","to":"DRAINING"}`),
	})
	require.Error(t, err)
	assert.Equal(t, domain.CodeConflict, domain.CodeOf(err))
}

func TestProposePayloadHashIgnoresKeyOrder(t *testing.T) {
	svc, _ := newTestService(t)
	installSigners(t, svc, 1, "s1")

	first := propose(t, svc, "req-1")

	// Same object, different key order: canonicalization makes it a replay.
	reordered, err := svc.Propose(context.Background(), ProposeRequest{
		PoolID:         "llp-main",
		ActionClass:    domain.ActionPoolStatusChange,
		IdempotencyKey: "req-1",
		Payload:        json.RawMessage(`{"to":"PAUSED","from":"ACTIVE"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, reordered.ID)
}

func TestFailedExecutionRejectsRequest(t *testing.T) {
	svc, _ := newTestService(t)
	installSigners(t, svc, 1, "s1")
	ctx := context.Background()

	sr, err := svc.Propose(ctx, ProposeRequest{
		PoolID:         "llp-main",
		ActionClass:    domain.ActionPartitionDrain,
		IdempotencyKey: "drain-1",
		Payload:        json.RawMessage(`{"partition":"cep"}`),
	})
	require.NoError(t, err)

	after, err := svc.Approve(ctx, sr.ID, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.SigningStatusRejected, after.Status)
	assert.Contains(t, string(after.Result), "open envelopes")
	assert.Empty(t, after.ReceiptID)
}

func TestProposeRequiresKnownActionAndSignerSet(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	// No signer set installed yet.
	_, err := svc.Propose(ctx, ProposeRequest{
		PoolID:         "llp-main",
		ActionClass:    domain.ActionPoolStatusChange,
		IdempotencyKey: "req-1",
		Payload:        json.RawMessage(`{}`),
	})
	require.Error(t, err)
	assert.Equal(t, domain.CodeNotFound, domain.CodeOf(err))

	installSigners(t, svc, 1, "s1")
	_, err = svc.Propose(ctx, ProposeRequest{
		PoolID:         "llp-main",
		ActionClass:    "format_disks",
		IdempotencyKey: "req-2",
		Payload:        json.RawMessage(`{}`),
	})
	require.Error(t, err)
	assert.Equal(t, domain.CodeValidation, domain.CodeOf(err))
}

func TestSignerSetValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.SetSignerSet(ctx, "llp-main", 3, []string{"s1", "s2"})
	assert.Equal(t, domain.CodeValidation, domain.CodeOf(err))

	_, err = svc.SetSignerSet(ctx, "llp-main", 1, []string{"s1", "s1"})
	assert.Equal(t, domain.CodeValidation, domain.CodeOf(err))

	_, err = svc.SetSignerSet(ctx, "llp-main", 0, []string{})
	assert.Equal(t, domain.CodeValidation, domain.CodeOf(err))
}

func TestApproveUnknownRequest(t *testing.T) {
	svc, _ := newTestService(t)
	installSigners(t, svc, 1, "s1")

	_, err := svc.Approve(context.Background(), uuid.New(), "s1")
	require.Error(t, err)
	assert.Equal(t, domain.CodeNotFound, domain.CodeOf(err))
}

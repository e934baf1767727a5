package treasury

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/creditrail/settlement-core/internal/canonical"
	"github.com/creditrail/settlement-core/internal/domain"
	"github.com/creditrail/settlement-core/internal/receipt"
	"github.com/creditrail/settlement-core/internal/storage"
)

// ActionExecutor applies one approved action class. Executors run exactly
// once per request, after the approval threshold is crossed.
type ActionExecutor func(ctx context.Context, poolID string, payload json.RawMessage) (result json.RawMessage, err error)

// Service gates high-risk pool actions behind M-of-N signer approval. The
// APPROVED status is claimed with a compare-and-swap, so of two racing
// threshold-crossing approvals only one runs the executor.
type Service struct {
	treasury  storage.TreasuryStore
	receipts  *receipt.Service
	executors map[string]ActionExecutor
	log       *zap.Logger
	now       func() time.Time
}

func NewService(treasury storage.TreasuryStore, receipts *receipt.Service, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		treasury:  treasury,
		receipts:  receipts,
		executors: make(map[string]ActionExecutor),
		log:       log.Named("treasury"),
		now:       time.Now,
	}
}

// RegisterExecutor binds an action class to its executor. Called once during
// wiring, before any request is served.
func (s *Service) RegisterExecutor(actionClass string, fn ActionExecutor) {
	s.executors[actionClass] = fn
}

// SetSignerSet installs or replaces the M-of-N policy for a pool.
func (s *Service) SetSignerSet(ctx context.Context, poolID string, threshold int, signers []string) (*domain.SignerSet, error) {
	if poolID == "" {
		return nil, domain.Validationf("pool id is required")
	}
	if threshold < 1 || threshold > len(signers) {
		return nil, domain.Validationf("threshold %d out of range for %d signers", threshold, len(signers))
	}
	seen := make(map[string]bool, len(signers))
	for _, id := range signers {
		if id == "" {
			return nil, domain.Validationf("signer id must not be empty")
		}
		if seen[id] {
			return nil, domain.Validationf("duplicate signer %s", id)
		}
		seen[id] = true
	}

	set := &domain.SignerSet{
		PoolID:    poolID,
		Threshold: threshold,
		Signers:   signers,
		UpdatedAt: s.now().UTC(),
	}
	if err := s.treasury.PutSignerSet(ctx, set); err != nil {
		return nil, fmt.Errorf("put signer set for %s: %w", poolID, err)
	}
	s.log.Info("signer set installed",
		zap.String("pool_id", poolID),
		zap.Int("threshold", threshold),
		zap.Int("signers", len(signers)))
	return set, nil
}

// SignerSet returns the current policy for a pool.
func (s *Service) SignerSet(ctx context.Context, poolID string) (*domain.SignerSet, error) {
	set, err := s.treasury.GetSignerSet(ctx, poolID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, domain.NotFoundf("no signer set for pool %s", poolID)
		}
		return nil, fmt.Errorf("load signer set for %s: %w", poolID, err)
	}
	return set, nil
}

// ProposeRequest opens a signing request for one action.
type ProposeRequest struct {
	PoolID         string
	ActionClass    string
	IdempotencyKey string
	Payload        json.RawMessage
}

// Propose creates a PENDING signing request bound to the exact payload hash.
// Replaying the key with the same payload returns the stored request; a
// different payload under a used key is a conflict.
func (s *Service) Propose(ctx context.Context, req ProposeRequest) (*domain.SigningRequest, error) {
	if req.PoolID == "" || req.IdempotencyKey == "" {
		return nil, domain.Validationf("pool id and idempotency key are required")
	}
	if _, ok := s.executors[req.ActionClass]; !ok {
		return nil, domain.Validationf("unknown action class %q", req.ActionClass)
	}
	if len(req.Payload) == 0 {
		return nil, domain.Validationf("payload is required")
	}

	set, err := s.SignerSet(ctx, req.PoolID)
	if err != nil {
		return nil, err
	}

	hash, _, err := canonical.SumObject(req.Payload)
	if err != nil {
		return nil, domain.Validationf("payload is not valid JSON: %v", err)
	}

	if existing, err := s.treasury.GetSigningRequestByKey(ctx, req.PoolID, req.ActionClass, req.IdempotencyKey); err == nil {
		if existing.PayloadHash != hash {
			return nil, domain.Conflictf("idempotency key %s already used for a different %s payload",
				req.IdempotencyKey, req.ActionClass)
		}
		return existing, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("load signing request by key %s: %w", req.IdempotencyKey, err)
	}

	now := s.now().UTC()
	sr := &domain.SigningRequest{
		ID:             uuid.New(),
		PoolID:         req.PoolID,
		ActionClass:    req.ActionClass,
		IdempotencyKey: req.IdempotencyKey,
		Payload:        req.Payload,
		PayloadHash:    hash,
		Threshold:      set.Threshold,
		Status:         domain.SigningStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.treasury.InsertSigningRequest(ctx, sr); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			existing, getErr := s.treasury.GetSigningRequestByKey(ctx, req.PoolID, req.ActionClass, req.IdempotencyKey)
			if getErr != nil {
				return nil, fmt.Errorf("load existing signing request %s: %w", req.IdempotencyKey, getErr)
			}
			if existing.PayloadHash != hash {
				return nil, domain.Conflictf("idempotency key %s already used for a different %s payload",
					req.IdempotencyKey, req.ActionClass)
			}
			return existing, nil
		}
		return nil, fmt.Errorf("insert signing request %s: %w", req.IdempotencyKey, err)
	}

	s.log.Info("signing request proposed",
		zap.String("request_id", sr.ID.String()),
		zap.String("pool_id", sr.PoolID),
		zap.String("action_class", sr.ActionClass),
		zap.Int("threshold", sr.Threshold))
	return sr, nil
}

// Approve records one signer's approval and, when the threshold is crossed,
// executes the action exactly once. A signer may approve a request only once;
// a repeat approval is a conflict.
func (s *Service) Approve(ctx context.Context, requestID uuid.UUID, signerID string) (*domain.SigningRequest, error) {
	if signerID == "" {
		return nil, domain.Validationf("signer id is required")
	}
	sr, err := s.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}

	set, err := s.SignerSet(ctx, sr.PoolID)
	if err != nil {
		return nil, err
	}
	if !set.Authorized(signerID) {
		return nil, domain.Unauthorizedf("signer %s is not in the signer set for pool %s", signerID, sr.PoolID)
	}
	if sr.Status != domain.SigningStatusPending {
		return nil, domain.Conflictf("signing request %s is %s", sr.ID, sr.Status)
	}

	approvals, err := s.treasury.AddApproval(ctx, requestID, signerID)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			return nil, domain.Conflictf("signer %s already approved request %s", signerID, requestID)
		}
		return nil, fmt.Errorf("add approval to %s: %w", requestID, err)
	}
	s.log.Info("approval recorded",
		zap.String("request_id", requestID.String()),
		zap.String("signer_id", signerID),
		zap.Int("approvals", approvals),
		zap.Int("threshold", sr.Threshold))

	if approvals < sr.Threshold {
		return s.Get(ctx, requestID)
	}

	// Claim execution. A racing approval that also crossed the threshold
	// loses the CAS and just reads back the winner's state.
	if err := s.treasury.TransitionSigningRequest(ctx, requestID, domain.SigningStatusPending, domain.SigningStatusApproved, nil, ""); err != nil {
		if errors.Is(err, storage.ErrStaleState) {
			return s.Get(ctx, requestID)
		}
		return nil, fmt.Errorf("mark signing request %s approved: %w", requestID, err)
	}
	return s.execute(ctx, sr)
}

// Get returns one signing request.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.SigningRequest, error) {
	sr, err := s.treasury.GetSigningRequest(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, domain.NotFoundf("signing request %s not found", id)
		}
		return nil, fmt.Errorf("load signing request %s: %w", id, err)
	}
	return sr, nil
}

func (s *Service) execute(ctx context.Context, sr *domain.SigningRequest) (*domain.SigningRequest, error) {
	fn := s.executors[sr.ActionClass]
	result, execErr := fn(ctx, sr.PoolID, sr.Payload)
	if execErr != nil {
		reason, _ := json.Marshal(map[string]string{"error": execErr.Error()})
		if err := s.treasury.TransitionSigningRequest(ctx, sr.ID, domain.SigningStatusApproved, domain.SigningStatusRejected, reason, ""); err != nil {
			return nil, fmt.Errorf("mark signing request %s rejected: %w", sr.ID, err)
		}
		s.log.Warn("treasury action failed",
			zap.String("request_id", sr.ID.String()),
			zap.String("action_class", sr.ActionClass),
			zap.Error(execErr))
		return s.Get(ctx, sr.ID)
	}

	rec, err := s.receipts.Stamp(ctx, domain.ReceiptKindTreasury, sr.ID.String(), map[string]any{
		"request_id":   sr.ID.String(),
		"pool_id":      sr.PoolID,
		"action_class": sr.ActionClass,
		"payload_hash": sr.PayloadHash,
		"result":       json.RawMessage(resultOrNull(result)),
	})
	if err != nil {
		return nil, err
	}
	if err := s.treasury.TransitionSigningRequest(ctx, sr.ID, domain.SigningStatusApproved, domain.SigningStatusExecuted, result, rec.ID); err != nil {
		return nil, fmt.Errorf("mark signing request %s executed: %w", sr.ID, err)
	}

	s.log.Info("treasury action executed",
		zap.String("request_id", sr.ID.String()),
		zap.String("pool_id", sr.PoolID),
		zap.String("action_class", sr.ActionClass))
	return s.Get(ctx, sr.ID)
}

func resultOrNull(result json.RawMessage) []byte {
	if len(result) == 0 {
		return []byte("null")
	}
	return result
}

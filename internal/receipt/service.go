package receipt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/creditrail/settlement-core/internal/canonical"
	"github.com/creditrail/settlement-core/internal/domain"
	"github.com/creditrail/settlement-core/internal/observability"
	"github.com/creditrail/settlement-core/internal/storage"
)

// ErrIntegrity signals that stored payload bytes no longer match the stamped
// hash. This is never tolerated silently.
var ErrIntegrity = errors.New("receipt integrity failure")

// Service stamps canonical receipts for financial artifacts and verifies
// them after the fact. Invoked by every other component.
type Service struct {
	store  storage.ReceiptStore
	signer *canonical.Signer
}

// NewService creates a receipt service. A nil signer stamps hashes only.
func NewService(store storage.ReceiptStore, signer *canonical.Signer) *Service {
	return &Service{store: store, signer: signer}
}

// Stamp canonicalizes the artifact, hashes it, optionally signs it and
// persists the receipt. The receipt id is derived from kind and entity so a
// re-stamp of the same artifact lands on the existing row.
func (s *Service) Stamp(ctx context.Context, kind, entityID string, artifact any) (*domain.Receipt, error) {
	hash, payload, err := canonical.SumObject(artifact)
	if err != nil {
		return nil, fmt.Errorf("canonicalize %s %s: %w", kind, entityID, err)
	}

	rec := &domain.Receipt{
		ID:        canonical.DeterministicID("rcpt", kind, entityID),
		Kind:      kind,
		EntityID:  entityID,
		Payload:   payload,
		Hash:      hash,
		CreatedAt: time.Now().UTC(),
	}
	if s.signer != nil {
		rec.Signature = s.signer.Sign(payload)
	}

	if err := s.store.InsertReceipt(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			existing, getErr := s.store.GetReceipt(ctx, rec.ID)
			if getErr != nil {
				return nil, fmt.Errorf("load existing receipt %s: %w", rec.ID, getErr)
			}
			if existing.Hash != rec.Hash {
				return nil, domain.Conflictf("receipt %s already stamped with a different payload", rec.ID)
			}
			return existing, nil
		}
		return nil, fmt.Errorf("insert receipt %s: %w", rec.ID, err)
	}

	observability.IncrementReceipt(kind)
	zap.L().Debug("receipt stamped",
		zap.String("receipt_id", rec.ID),
		zap.String("kind", kind),
		zap.String("entity_id", entityID))
	return rec, nil
}

// Verify recomputes the hash from stored payload bytes and compares. A
// mismatch is a hard integrity failure.
func (s *Service) Verify(ctx context.Context, receiptID string) (*domain.Receipt, error) {
	rec, err := s.store.GetReceipt(ctx, receiptID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, domain.NotFoundf("receipt %s not found", receiptID)
		}
		return nil, fmt.Errorf("load receipt %s: %w", receiptID, err)
	}

	if recomputed := canonical.SumBytes(rec.Payload); recomputed != rec.Hash {
		zap.L().Error("receipt hash mismatch",
			zap.String("receipt_id", receiptID),
			zap.String("stored", rec.Hash),
			zap.String("recomputed", recomputed))
		return nil, fmt.Errorf("receipt %s: %w", receiptID, ErrIntegrity)
	}
	return rec, nil
}

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

// CreditStore implements storage.CreditStore using PostgreSQL. Offer
// consumption and settlement uniqueness map to a guarded UPDATE and the
// envelope-unique settlement constraint.
type CreditStore struct {
	pool *Pool
}

// NewCreditStore creates a new CreditStore.
func NewCreditStore(pool *Pool) *CreditStore {
	return &CreditStore{pool: pool}
}

var _ storage.CreditStore = (*CreditStore)(nil)

func (s *CreditStore) InsertIntent(ctx context.Context, i *domain.CreditIntent) error {
	query := `
		INSERT INTO credit_intents (id, agent_id, scope, cap_units, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.pool.Exec(ctx, query, i.ID, i.AgentID, i.Scope, i.CapUnits, i.ExpiresAt, i.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert intent: %w", err)
	}
	return nil
}

func (s *CreditStore) GetIntent(ctx context.Context, id uuid.UUID) (*domain.CreditIntent, error) {
	query := `
		SELECT id, agent_id, scope, cap_units, expires_at, created_at
		FROM credit_intents
		WHERE id = $1
	`
	i := &domain.CreditIntent{}
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&i.ID, &i.AgentID, &i.Scope, &i.CapUnits, &i.ExpiresAt, &i.CreatedAt)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get intent: %w", err)
	}
	return i, nil
}

func (s *CreditStore) InsertOffer(ctx context.Context, o *domain.CreditOffer) error {
	query := `
		INSERT INTO credit_offers
			(id, intent_id, agent_id, scope, cap_units, fee_bps, require_verifier,
			 status, envelope_id, fingerprint, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := s.pool.Exec(ctx, query, o.ID, o.IntentID, o.AgentID, o.Scope, o.CapUnits,
		o.FeeBps, o.RequireVerifier, o.Status, o.EnvelopeID, o.Fingerprint, o.ExpiresAt, o.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert offer: %w", err)
	}
	return nil
}

func (s *CreditStore) GetOffer(ctx context.Context, id string) (*domain.CreditOffer, error) {
	query := `
		SELECT id, intent_id, agent_id, scope, cap_units, fee_bps, require_verifier,
		       status, envelope_id, fingerprint, expires_at, created_at
		FROM credit_offers
		WHERE id = $1
	`
	o := &domain.CreditOffer{}
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&o.ID, &o.IntentID, &o.AgentID, &o.Scope, &o.CapUnits, &o.FeeBps, &o.RequireVerifier,
		&o.Status, &o.EnvelopeID, &o.Fingerprint, &o.ExpiresAt, &o.CreatedAt)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get offer: %w", err)
	}
	return o, nil
}

func (s *CreditStore) ConsumeOffer(ctx context.Context, offerID, envelopeID string) error {
	query := `
		UPDATE credit_offers
		SET status = $3, envelope_id = $4
		WHERE id = $1 AND status = $2
	`
	tag, err := s.pool.Exec(ctx, query, offerID, domain.OfferStatusIssued, domain.OfferStatusConsumed, envelopeID)
	if err != nil {
		return fmt.Errorf("consume offer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetOffer(ctx, offerID); err != nil {
			return err
		}
		return storage.ErrStaleState
	}
	return nil
}

func (s *CreditStore) InsertEnvelope(ctx context.Context, e *domain.CreditEnvelope) error {
	query := `
		INSERT INTO credit_envelopes
			(id, offer_id, agent_id, provider_id, scope, cap_units, fee_bps,
			 status, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := s.pool.Exec(ctx, query, e.ID, e.OfferID, e.AgentID, e.ProviderID, e.Scope,
		e.CapUnits, e.FeeBps, e.Status, e.ExpiresAt, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert envelope: %w", err)
	}
	return nil
}

func (s *CreditStore) GetEnvelope(ctx context.Context, id string) (*domain.CreditEnvelope, error) {
	query := envelopeColumns + ` WHERE id = $1`
	e, err := scanEnvelope(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get envelope: %w", err)
	}
	return e, nil
}

func (s *CreditStore) TransitionEnvelope(ctx context.Context, id, from, to string) error {
	query := `
		UPDATE credit_envelopes
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`
	tag, err := s.pool.Exec(ctx, query, id, from, to)
	if err != nil {
		return fmt.Errorf("transition envelope: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetEnvelope(ctx, id); err != nil {
			return err
		}
		return storage.ErrStaleState
	}
	return nil
}

func (s *CreditStore) InsertSettlement(ctx context.Context, st *domain.CreditSettlement) error {
	query := `
		INSERT INTO credit_settlements
			(id, envelope_id, agent_id, provider_id, outcome, spent_units, fee_units,
			 proof_hash, policy_context, fingerprint, receipt_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := s.pool.Exec(ctx, query, st.ID, st.EnvelopeID, st.AgentID, st.ProviderID,
		st.Outcome, st.SpentUnits, st.FeeUnits, st.ProofHash, st.PolicyContext,
		st.Fingerprint, st.ReceiptID, st.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert settlement: %w", err)
	}
	return nil
}

func (s *CreditStore) GetSettlementByEnvelope(ctx context.Context, envelopeID string) (*domain.CreditSettlement, error) {
	query := settlementColumns + ` WHERE envelope_id = $1`
	st, err := scanSettlement(s.pool.QueryRow(ctx, query, envelopeID))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get settlement by envelope: %w", err)
	}
	return st, nil
}

func (s *CreditStore) SettlementsByAgent(ctx context.Context, agentID string, since time.Time, limit int) ([]*domain.CreditSettlement, error) {
	query := settlementColumns + `
		WHERE agent_id = $1 AND created_at >= $2
		ORDER BY created_at DESC
	`
	args := []any{agentID, since}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("settlements by agent: %w", err)
	}
	defer rows.Close()

	var out []*domain.CreditSettlement
	for rows.Next() {
		st, err := scanSettlement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan settlement: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *CreditStore) EnvelopesByAgent(ctx context.Context, agentID string) ([]*domain.CreditEnvelope, error) {
	query := envelopeColumns + `
		WHERE agent_id = $1
		ORDER BY created_at DESC
	`
	rows, err := s.pool.Query(ctx, query, agentID)
	if err != nil {
		return nil, fmt.Errorf("envelopes by agent: %w", err)
	}
	defer rows.Close()

	var out []*domain.CreditEnvelope
	for rows.Next() {
		e, err := scanEnvelope(rows)
		if err != nil {
			return nil, fmt.Errorf("scan envelope: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *CreditStore) InsertUnderwritingAudit(ctx context.Context, a *domain.UnderwritingAudit) error {
	query := `
		INSERT INTO underwriting_audits (id, offer_id, agent_id, inputs, outputs, hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.pool.Exec(ctx, query, a.ID, a.OfferID, a.AgentID, a.Inputs, a.Outputs, a.Hash, a.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert underwriting audit: %w", err)
	}
	return nil
}

func (s *CreditStore) GetUnderwritingAudit(ctx context.Context, offerID string) (*domain.UnderwritingAudit, error) {
	query := `
		SELECT id, offer_id, agent_id, inputs, outputs, hash, created_at
		FROM underwriting_audits
		WHERE offer_id = $1
	`
	a := &domain.UnderwritingAudit{}
	err := s.pool.QueryRow(ctx, query, offerID).Scan(
		&a.ID, &a.OfferID, &a.AgentID, &a.Inputs, &a.Outputs, &a.Hash, &a.CreatedAt)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get underwriting audit: %w", err)
	}
	return a, nil
}

const envelopeColumns = `
	SELECT id, offer_id, agent_id, provider_id, scope, cap_units, fee_bps,
	       status, expires_at, created_at, updated_at
	FROM credit_envelopes`

func scanEnvelope(row pgx.Row) (*domain.CreditEnvelope, error) {
	e := &domain.CreditEnvelope{}
	err := row.Scan(
		&e.ID, &e.OfferID, &e.AgentID, &e.ProviderID, &e.Scope, &e.CapUnits, &e.FeeBps,
		&e.Status, &e.ExpiresAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}

const settlementColumns = `
	SELECT id, envelope_id, agent_id, provider_id, outcome, spent_units, fee_units,
	       proof_hash, policy_context, fingerprint, receipt_id, created_at
	FROM credit_settlements`

func scanSettlement(row pgx.Row) (*domain.CreditSettlement, error) {
	st := &domain.CreditSettlement{}
	err := row.Scan(
		&st.ID, &st.EnvelopeID, &st.AgentID, &st.ProviderID, &st.Outcome, &st.SpentUnits,
		&st.FeeUnits, &st.ProofHash, &st.PolicyContext, &st.Fingerprint, &st.ReceiptID, &st.CreatedAt)
	if err != nil {
		return nil, err
	}
	return st, nil
}

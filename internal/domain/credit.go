package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// CreditIntent is an agent's declared desire to borrow up to a cap within a
// scope. Immutable once created.
type CreditIntent struct {
	ID        uuid.UUID `json:"id"`
	AgentID   string    `json:"agent_id"`
	Scope     string    `json:"scope"`
	CapUnits  int64     `json:"cap_units"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// CreditOffer is a priced credit commitment. The id is derived from the
// request fingerprint so identical requests land on the same row.
type CreditOffer struct {
	ID              string    `json:"id"`
	IntentID        uuid.UUID `json:"intent_id"`
	AgentID         string    `json:"agent_id"`
	Scope           string    `json:"scope"`
	CapUnits        int64     `json:"cap_units"`
	FeeBps          int32     `json:"fee_bps"`
	RequireVerifier bool      `json:"require_verifier"`
	Status          string    `json:"status"`
	EnvelopeID      string    `json:"envelope_id,omitempty"`
	Fingerprint     string    `json:"fingerprint"`
	ExpiresAt       time.Time `json:"expires_at"`
	CreatedAt       time.Time `json:"created_at"`
}

// CreditEnvelope is the live spending authorization bound to one provider.
// Its id is derived from (offer, provider): re-deriving the same key returns
// the same envelope, never a second live one.
type CreditEnvelope struct {
	ID         string    `json:"id"`
	OfferID    string    `json:"offer_id"`
	AgentID    string    `json:"agent_id"`
	ProviderID string    `json:"provider_id"`
	Scope      string    `json:"scope"`
	CapUnits   int64     `json:"cap_units"`
	FeeBps     int32     `json:"fee_bps"`
	Status     string    `json:"status"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// CreditSettlement is the single terminal record of an envelope. Uniqueness
// per envelope is enforced by storage.
type CreditSettlement struct {
	ID            uuid.UUID       `json:"id"`
	EnvelopeID    string          `json:"envelope_id"`
	AgentID       string          `json:"agent_id"`
	ProviderID    string          `json:"provider_id"`
	Outcome       string          `json:"outcome"`
	SpentUnits    int64           `json:"spent_units"`
	FeeUnits      int64           `json:"fee_units"`
	ProofHash     string          `json:"proof_hash"`
	PolicyContext json.RawMessage `json:"policy_context,omitempty"`
	Fingerprint   string          `json:"fingerprint"`
	ReceiptID     string          `json:"receipt_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// UnderwritingAudit is the internal, immutable record of an offer decision.
// One per offer; never user-facing.
type UnderwritingAudit struct {
	ID        uuid.UUID       `json:"id"`
	OfferID   string          `json:"offer_id"`
	AgentID   string          `json:"agent_id"`
	Inputs    json.RawMessage `json:"inputs"`
	Outputs   json.RawMessage `json:"outputs"`
	Hash      string          `json:"hash"`
	CreatedAt time.Time       `json:"created_at"`
}

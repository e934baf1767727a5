package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SignerSet is the durable multisig policy for one pool: M-of-N authorized
// signer identities.
type SignerSet struct {
	PoolID    string    `json:"pool_id"`
	Threshold int       `json:"threshold"`
	Signers   []string  `json:"signers"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Authorized reports whether signer belongs to the set.
func (s *SignerSet) Authorized(signer string) bool {
	for _, id := range s.Signers {
		if id == signer {
			return true
		}
	}
	return false
}

// SigningRequest is a pending high-risk pool action, keyed by
// (pool, action class, idempotency key) and bound to its exact payload hash.
type SigningRequest struct {
	ID             uuid.UUID       `json:"id"`
	PoolID         string          `json:"pool_id"`
	ActionClass    string          `json:"action_class"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
	PayloadHash    string          `json:"payload_hash"`
	Threshold      int             `json:"threshold"`
	Approvals      int             `json:"approvals"`
	Status         string          `json:"status"`
	Result         json.RawMessage `json:"result,omitempty"`
	ReceiptID      string          `json:"receipt_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// SigningApproval is one signer's approval of one request. Unique per
// (request, signer).
type SigningApproval struct {
	RequestID uuid.UUID `json:"request_id"`
	SignerID  string    `json:"signer_id"`
	CreatedAt time.Time `json:"created_at"`
}

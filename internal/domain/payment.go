package domain

import (
	"time"

	"github.com/google/uuid"
)

// LiquidityQuote is an immutable, time-bounded commitment to execute an
// outbound payment within amount and fee bounds.
type LiquidityQuote struct {
	ID             uuid.UUID `json:"id"`
	IdempotencyKey string    `json:"idempotency_key"`
	Invoice        string    `json:"invoice"`
	MaxAmountUnits int64     `json:"max_amount_units"`
	MaxFeeUnits    int64     `json:"max_fee_units"`
	Urgency        string    `json:"urgency"`
	Fingerprint    string    `json:"fingerprint"`
	ExpiresAt      time.Time `json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// LiquidityPayment is the execution state machine guarded by its owning
// quote: PENDING -> IN_FLIGHT -> PAID|FAILED.
type LiquidityPayment struct {
	ID           uuid.UUID `json:"id"`
	QuoteID      uuid.UUID `json:"quote_id"`
	Status       string    `json:"status"`
	AmountUnits  int64     `json:"amount_units"`
	FeeUnits     int64     `json:"fee_units"`
	PreimageHash string    `json:"preimage_hash,omitempty"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	ReceiptID    string    `json:"receipt_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Terminal reports whether the payment reached a final state.
func (p *LiquidityPayment) Terminal() bool {
	return p.Status == PaymentStatusPaid || p.Status == PaymentStatusFailed
}

// Receipt is the canonical, hash-stamped artifact persisted for every
// financial record. Payload holds the exact canonical bytes the hash covers.
type Receipt struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	EntityID  string    `json:"entity_id"`
	Payload   []byte    `json:"payload"`
	Hash      string    `json:"hash"`
	Signature string    `json:"signature,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

package domain

// Pool statuses. Transitions are operator-driven through treasury governance.
const (
	PoolStatusActive   = "ACTIVE"
	PoolStatusPaused   = "PAUSED"
	PoolStatusDraining = "DRAINING"
	PoolStatusRetired  = "RETIRED"
)

// Well-known partitions. Partition identity is free-form; these are the names
// the platform provisions by default.
const (
	PartitionGeneral       = "general"
	PartitionCreditBacking = "cep"
)

// Capital movement statuses.
const (
	MovementStatusConfirmed = "CONFIRMED"
	MovementStatusPending   = "PENDING"
	MovementStatusPaidOut   = "PAID_OUT"
	MovementStatusFailed    = "FAILED"
)

// Credit offer statuses. ISSUED -> CONSUMED|EXPIRED, never reopened.
const (
	OfferStatusIssued   = "ISSUED"
	OfferStatusConsumed = "CONSUMED"
	OfferStatusExpired  = "EXPIRED"
)

// Credit envelope statuses. Monotonic: ISSUED -> SETTLED|EXPIRED|REVOKED.
const (
	EnvelopeStatusIssued  = "ISSUED"
	EnvelopeStatusSettled = "SETTLED"
	EnvelopeStatusExpired = "EXPIRED"
	EnvelopeStatusRevoked = "REVOKED"
)

// Settlement outcomes.
const (
	OutcomeCompleted = "COMPLETED"
	OutcomePartial   = "PARTIAL"
	OutcomeDefaulted = "DEFAULTED"
)

// Payment statuses. Exactly one terminal state is reachable once.
const (
	PaymentStatusPending  = "PENDING"
	PaymentStatusInFlight = "IN_FLIGHT"
	PaymentStatusPaid     = "PAID"
	PaymentStatusFailed   = "FAILED"
)

// Signing request statuses.
const (
	SigningStatusPending  = "PENDING"
	SigningStatusApproved = "APPROVED"
	SigningStatusExecuted = "EXECUTED"
	SigningStatusRejected = "REJECTED"
)

// Treasury action classes gated by multisignature approval.
const (
	ActionPoolStatusChange = "pool_status_change"
	ActionPolicyUpdate     = "policy_update"
	ActionPartitionDrain   = "partition_drain"
)

// Receipt kinds stamped by the canonicalization service.
const (
	ReceiptKindDeposit    = "deposit"
	ReceiptKindWithdrawal = "withdrawal"
	ReceiptKindSnapshot   = "snapshot"
	ReceiptKindPayment    = "payment"
	ReceiptKindSettlement = "settlement"
	ReceiptKindTreasury   = "treasury_execution"
)

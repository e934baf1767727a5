package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/creditrail/settlement-core/internal/domain"
)

// LedgerStore persists pools, partitioned share accounts and capital
// movements. Share balances are mutated only through MintShares/BurnShares so
// deposit row and balance change commit atomically.
type LedgerStore interface {
	// InsertPool adds a pool. Returns ErrDuplicateKey if the id exists.
	InsertPool(ctx context.Context, p *domain.LiquidityPool) error

	// GetPool returns ErrNotFound if the pool does not exist.
	GetPool(ctx context.Context, id string) (*domain.LiquidityPool, error)

	// TransitionPoolStatus moves a pool from one status to another.
	// Returns ErrStaleState when the current status differs from `from`.
	TransitionPoolStatus(ctx context.Context, id, from, to string) error

	// UpdatePoolPolicy replaces the pool's policy document.
	UpdatePoolPolicy(ctx context.Context, id string, policy []byte) error

	// GetAccount returns ErrNotFound when the (pool, lp, partition) row does
	// not exist yet.
	GetAccount(ctx context.Context, pool, lp, partition string) (*domain.LPAccount, error)

	// PartitionTotals returns outstanding shares and unit liquidity for one
	// partition of one pool.
	PartitionTotals(ctx context.Context, pool, partition string) (shares int64, units int64, err error)

	// ListPartitions enumerates every (pool, partition) that ever held
	// liquidity.
	ListPartitions(ctx context.Context) ([]PartitionRef, error)

	// MintShares atomically inserts the deposit and credits shares/units.
	// Returns ErrDuplicateKey when (pool, lp, partition, idempotency key)
	// already exists.
	MintShares(ctx context.Context, d *domain.Deposit) error

	// GetDepositByKey returns the deposit created under the idempotency key.
	GetDepositByKey(ctx context.Context, pool, lp, partition, key string) (*domain.Deposit, error)

	// BurnShares atomically inserts the withdrawal, burns shares and reserves
	// the payout units. Returns ErrDuplicateKey on idempotency-key reuse and
	// ErrInvalidInput when the LP lacks shares or the partition lacks units.
	BurnShares(ctx context.Context, w *domain.Withdrawal) error

	// GetWithdrawalByKey returns the withdrawal created under the key.
	GetWithdrawalByKey(ctx context.Context, pool, lp, partition, key string) (*domain.Withdrawal, error)

	// DueWithdrawals lists pending withdrawals whose payout delay elapsed.
	DueWithdrawals(ctx context.Context, before time.Time, limit int) ([]*domain.Withdrawal, error)

	// TransitionWithdrawal moves a withdrawal between statuses, storing an
	// optional failure reason. Returns ErrStaleState on a status mismatch.
	TransitionWithdrawal(ctx context.Context, id uuid.UUID, from, to, failureReason string) error

	// InsertSnapshot appends a snapshot; snapshots are never updated.
	InsertSnapshot(ctx context.Context, s *domain.PoolSnapshot) error

	// LatestSnapshot returns ErrNotFound when no snapshot exists yet.
	LatestSnapshot(ctx context.Context, pool, partition string) (*domain.PoolSnapshot, error)
}

// PartitionRef names one partition of one pool.
type PartitionRef struct {
	PoolID    string
	Partition string
}

// CreditStore persists the intent -> offer -> envelope -> settlement chain.
type CreditStore interface {
	InsertIntent(ctx context.Context, i *domain.CreditIntent) error
	GetIntent(ctx context.Context, id uuid.UUID) (*domain.CreditIntent, error)

	// InsertOffer returns ErrDuplicateKey when the deterministic offer id
	// already exists.
	InsertOffer(ctx context.Context, o *domain.CreditOffer) error
	GetOffer(ctx context.Context, id string) (*domain.CreditOffer, error)

	// ConsumeOffer transitions ISSUED -> CONSUMED recording the envelope that
	// consumed it. Returns ErrStaleState when the offer is no longer issued.
	ConsumeOffer(ctx context.Context, offerID, envelopeID string) error

	InsertEnvelope(ctx context.Context, e *domain.CreditEnvelope) error
	GetEnvelope(ctx context.Context, id string) (*domain.CreditEnvelope, error)

	// TransitionEnvelope enforces monotonic envelope status moves.
	TransitionEnvelope(ctx context.Context, id, from, to string) error

	// InsertSettlement returns ErrDuplicateKey when the envelope already has
	// a settlement; exactly one settlement can ever exist per envelope.
	InsertSettlement(ctx context.Context, s *domain.CreditSettlement) error
	GetSettlementByEnvelope(ctx context.Context, envelopeID string) (*domain.CreditSettlement, error)

	// SettlementsByAgent returns settlement history within the window,
	// newest first, capped at limit.
	SettlementsByAgent(ctx context.Context, agentID string, since time.Time, limit int) ([]*domain.CreditSettlement, error)

	// EnvelopesByAgent lists envelopes for the exposure read surface.
	EnvelopesByAgent(ctx context.Context, agentID string) ([]*domain.CreditEnvelope, error)

	// InsertUnderwritingAudit returns ErrDuplicateKey when the offer already
	// has an audit record.
	InsertUnderwritingAudit(ctx context.Context, a *domain.UnderwritingAudit) error
	GetUnderwritingAudit(ctx context.Context, offerID string) (*domain.UnderwritingAudit, error)
}

// PaymentStore persists quotes and their payment state machines.
type PaymentStore interface {
	// InsertQuote atomically creates the quote and its PENDING payment.
	// Returns ErrDuplicateKey on idempotency-key reuse.
	InsertQuote(ctx context.Context, q *domain.LiquidityQuote, p *domain.LiquidityPayment) error
	GetQuote(ctx context.Context, id uuid.UUID) (*domain.LiquidityQuote, error)
	GetQuoteByKey(ctx context.Context, key string) (*domain.LiquidityQuote, error)

	GetPaymentByQuote(ctx context.Context, quoteID uuid.UUID) (*domain.LiquidityPayment, error)

	// TransitionPayment performs the compare-and-swap that serializes pay():
	// the row moves from -> to and mutate is applied under the same guard.
	// Returns ErrStaleState when the current status differs from `from`.
	TransitionPayment(ctx context.Context, quoteID uuid.UUID, from, to string, mutate func(*domain.LiquidityPayment)) error

	// StaleInFlightPayments lists IN_FLIGHT payments last touched before the
	// cutoff, oldest first. limit <= 0 means no limit.
	StaleInFlightPayments(ctx context.Context, updatedBefore time.Time, limit int) ([]*domain.LiquidityPayment, error)
}

// ReceiptStore persists canonical receipts.
type ReceiptStore interface {
	InsertReceipt(ctx context.Context, r *domain.Receipt) error
	GetReceipt(ctx context.Context, id string) (*domain.Receipt, error)
}

// TreasuryStore persists signer sets, signing requests and approvals.
type TreasuryStore interface {
	PutSignerSet(ctx context.Context, s *domain.SignerSet) error
	GetSignerSet(ctx context.Context, poolID string) (*domain.SignerSet, error)

	// InsertSigningRequest returns ErrDuplicateKey when
	// (pool, action class, idempotency key) already exists.
	InsertSigningRequest(ctx context.Context, r *domain.SigningRequest) error
	GetSigningRequest(ctx context.Context, id uuid.UUID) (*domain.SigningRequest, error)
	GetSigningRequestByKey(ctx context.Context, poolID, actionClass, key string) (*domain.SigningRequest, error)

	// AddApproval appends one signer's approval and returns the recomputed
	// approval count under the same guard, so two racing approvals can never
	// both observe themselves crossing the threshold.
	// Returns ErrDuplicateKey when the signer already approved.
	AddApproval(ctx context.Context, requestID uuid.UUID, signerID string) (approvals int, err error)

	// TransitionSigningRequest moves the request status with a CAS guard and
	// stores the execution result when present.
	TransitionSigningRequest(ctx context.Context, id uuid.UUID, from, to string, result []byte, receiptID string) error
}

// IdempotencyStore backs the HTTP replay middleware with durable
// reserve/finalize records.
type IdempotencyStore interface {
	// Reserve claims the key for in-flight processing. Returns false when the
	// key already exists.
	Reserve(ctx context.Context, key, requestHash, method, path string) (bool, error)

	// Finalize stores the response for replay.
	Finalize(ctx context.Context, key, requestHash string, status int, body []byte, contentType string) error

	// Get returns the record, completed or not. ErrNotFound when absent.
	Get(ctx context.Context, key string) (*IdempotencyRecord, error)
}

// IdempotencyRecord is one reserved or finalized HTTP idempotency key.
type IdempotencyRecord struct {
	Key         string
	RequestHash string
	Method      string
	Path        string
	InProgress  bool
	Status      int
	Body        []byte
	ContentType string
	CreatedAt   time.Time
}

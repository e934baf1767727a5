package rail

import (
	"context"
	"time"
)

// Urgency levels a Request may carry.
const (
	UrgencyNormal = "normal"
	UrgencyHigh   = "high"
)

// Request is a bounded outbound payment: the rail must never spend more than
// MaxAmountUnits or pay more than MaxFeeUnits in routing fees.
type Request struct {
	Invoice        string
	MaxAmountUnits int64
	MaxFeeUnits    int64
	Urgency        string
}

// Result is the rail's proof of a completed payment.
type Result struct {
	PreimageHash string
	AmountUnits  int64
	FeeUnits     int64
	SettledAt    time.Time
}

// Failure is an explicit rail-side failure with a stable code. The core never
// retries a failed rail call and never assumes partial success.
type Failure struct {
	Code    string
	Message string
}

func (f *Failure) Error() string {
	return "rail failure " + f.Code + ": " + f.Message
}

// Rail executes outbound payments on the external payment rail. The rail's
// internals are out of scope; implementations adapt a concrete node client
// behind this interface.
type Rail interface {
	// Pay executes the payment, blocking for the round trip. A context
	// timeout must surface as an error so the caller can finalize the
	// payment as failed rather than leave it pending.
	Pay(ctx context.Context, req Request) (*Result, error)
}

package settlement

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ashare-arena/settlement/internal/model"
)

// Kind classifies a settlement attempt.
type Kind int

const (
	// Filled: the trade executed and the order is terminal.
	Filled Kind = iota + 1
	// StillPending: not matched yet, or a retryable failure; the next
	// sweep tries again.
	StillPending
	// Rejected: a rule violation; the order is terminal.
	Rejected
)

func (k Kind) String() string {
	switch k {
	case Filled:
		return "filled"
	case StillPending:
		return "pending"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the result of one settlement attempt. Cause, when set, is the
// error behind a pending or rejected outcome and works with errors.Is.
type Outcome struct {
	Kind   Kind
	Price  decimal.Decimal // fill price, Filled only
	Trade  *model.Trade    // Filled only
	Reason string
	Cause  error
}

func filled(price decimal.Decimal, trade *model.Trade) Outcome {
	return Outcome{Kind: Filled, Price: price, Trade: trade}
}

func pending(reason string, cause error) Outcome {
	if reason == "" && cause != nil {
		reason = cause.Error()
	}
	return Outcome{Kind: StillPending, Reason: reason, Cause: cause}
}

func rejected(cause error) Outcome {
	return Outcome{Kind: Rejected, Reason: cause.Error(), Cause: cause}
}

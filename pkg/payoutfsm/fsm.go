package payoutfsm

import (
	"errors"
	"time"
)

// Payout states.
const (
	Pending   = "PENDING"
	Hold      = "HOLD"
	Executing = "EXECUTING"
	Done      = "DONE"
	Failed    = "FAILED"
)

var ErrInvalidTransition = errors.New("invalid payout transition")

// CanTransition reports whether a payout may move from one status to another.
// FAILED -> EXECUTING permits retries. HOLD is terminal until a human
// override clears it; the override path is outside this package.
func CanTransition(from, to string) bool {
	switch from {
	case Pending:
		return to == Hold || to == Executing
	case Executing:
		return to == Done || to == Failed
	case Failed:
		return to == Executing
	default:
		return false
	}
}

func Transition(from, to string) (string, error) {
	if !CanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

func IsTerminal(status string) bool {
	return status == Done
}

// Active reports whether a payout blocks creation of another payout for the
// same issue. Everything except FAILED counts.
func Active(status string) bool {
	return status != "" && status != Failed
}

// Issue transitions: PENDING -> FUNDED (exactly once), FUNDED -> PAID,
// PENDING -> EXPIRED.
func CanTransitionIssue(from, to string) bool {
	switch from {
	case "PENDING":
		return to == "FUNDED" || to == "EXPIRED"
	case "FUNDED":
		return to == "PAID"
	default:
		return false
	}
}

func IsExpired(now time.Time, expiresAt int64) bool {
	if expiresAt <= 0 {
		return false
	}
	return now.UTC().Unix() > expiresAt
}

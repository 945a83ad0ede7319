package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrRejected is a ledger-side refusal of a state change, usually
	// because the action already happened (duplicate lock, duplicate
	// finish). Callers treat it as a benign no-op.
	ErrRejected = errors.New("ledger rejected the call")

	ErrUnknownPhase = errors.New("unknown ledger phase")
)

// Phase mirrors the ledger-side round phase. The ledger is the source of
// truth; this process only ever follows it.
type Phase int

const (
	PhaseUnknown Phase = iota
	PhaseIdle
	PhaseBetting
	PhaseLocked
	PhaseComplete
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseBetting:
		return "betting"
	case PhaseLocked:
		return "locked"
	case PhaseComplete:
		return "complete"
	case PhaseUnknown:
		return "unknown"
	default:
		return "unknown"
	}
}

func ParsePhase(s string) Phase {
	switch s {
	case "idle":
		return PhaseIdle
	case "betting":
		return PhaseBetting
	case "locked":
		return PhaseLocked
	case "complete":
		return PhaseComplete
	default:
		return PhaseUnknown
	}
}

// State is a point-in-time read of the ledger's round.
type State struct {
	RoundID          uint64
	Phase            Phase
	StartTime        time.Time
	TotalAmount      string
	TicketCount      int
	ParticipantCount int
}

type TxResult struct {
	TxID      string
	Confirmed bool
}

// Gateway is the narrow contract against the on-chain round. All writes are
// fire-and-confirm: a nil error means the transaction was included.
type Gateway interface {
	ReadState(ctx context.Context) (*State, error)
	Start(ctx context.Context) (*TxResult, error)
	Lock(ctx context.Context) (*TxResult, error)
	Cancel(ctx context.Context) (*TxResult, error)
	Finish(ctx context.Context, seed string) (*TxResult, string, error)
}

package orchestrator

import (
	"context"
	"time"

	"github.com/vreid/kuji/internal/pkg/beacon"
	"github.com/vreid/kuji/internal/pkg/store"
)

// Round is the in-memory mirror of the ledger round this process is
// following. The ledger stays authoritative for phase; this only carries
// what the ledger cannot give back later (the winner returned by finish,
// the seed, whether the final record was written).
type Round struct {
	ID        uint64
	StartTime time.Time
	Seed      string
	Winner    string
	Recorded  bool

	lastCountdown int
}

const (
	EventRoundOpened    = "round_opened"
	EventRoundLocked    = "round_locked"
	EventRoundCancelled = "round_cancelled"
	EventRoundFinished  = "round_finished"
)

// Event is a fire-and-forget notification about a round transition. Sinks
// are never awaited; a full sink drops events.
type Event struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	RoundID uint64    `json:"round_id"`
	Winner  string    `json:"winner,omitempty"`
	Seed    string    `json:"seed,omitempty"`
	At      time.Time `json:"at"`
}

// SeedSource yields verifiable random seeds derived from future beacon
// blocks.
type SeedSource interface {
	FutureSeed(ctx context.Context, offset uint64, timeout time.Duration) (*beacon.SeedProof, error)
}

// RoundStore is the slice of the persistence port the orchestrator needs.
type RoundStore interface {
	CreateRound(roundID uint64) error
	UpdateRound(roundID uint64, mutate func(*store.RoundRecord)) error
	CreateProof(roundID uint64, proof *beacon.SeedProof) error
}

package store

import "time"

const (
	RoundStatusOpen      = "open"
	RoundStatusLocked    = "locked"
	RoundStatusFinished  = "finished"
	RoundStatusCancelled = "cancelled"
)

type RoundRecord struct {
	RoundID          uint64     `json:"round_id"`
	Status           string     `json:"status"`
	StartTime        *time.Time `json:"start_time,omitempty"`
	LockTime         *time.Time `json:"lock_time,omitempty"`
	FinishTime       *time.Time `json:"finish_time,omitempty"`
	TotalAmount      string     `json:"total_amount,omitempty"`
	TicketCount      int        `json:"ticket_count"`
	ParticipantCount int        `json:"participant_count"`
	Winner           string     `json:"winner,omitempty"`
}

type ProofRecord struct {
	RoundID     uint64    `json:"round_id"`
	BlockNumber uint64    `json:"block_number"`
	Seed        string    `json:"seed"`
	Timestamp   time.Time `json:"timestamp"`
	Producer    string    `json:"producer"`
	CreatedAt   time.Time `json:"created_at"`
}

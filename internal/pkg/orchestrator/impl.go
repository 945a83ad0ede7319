package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/samber/do/v2"
	"github.com/vreid/kuji/internal/pkg/beacon"
	"github.com/vreid/kuji/internal/pkg/common"
	"github.com/vreid/kuji/internal/pkg/ledger"
	"github.com/vreid/kuji/internal/pkg/store"
	"go.uber.org/zap"
)

// Countdown marks, in seconds remaining, logged once each per round while
// betting is open.
var countdownMarks = []int{30, 10, 5}

// OrchestratorService drives the round through Idle, Betting, Locked and
// Complete by polling the ledger. At most one tick runs at a time;
// overlapping ticks are dropped, not queued, so a slow network call can
// never cause a duplicate ledger submission.
type OrchestratorService struct {
	Gateway   ledger.Gateway
	Beacon    SeedSource
	Store     RoundStore
	EventSink chan<- Event

	Log *zap.SugaredLogger

	TimerDuration     time.Duration
	TickInterval      time.Duration
	BeaconOffset      uint64
	BeaconWaitTimeout time.Duration

	busy     atomic.Bool
	lastTick atomic.Int64

	current *Round
}

func NewOrchestratorService(i do.Injector) (*OrchestratorService, error) {
	timerDuration := do.MustInvokeNamed[time.Duration](i, "timer-duration")
	tickInterval := do.MustInvokeNamed[time.Duration](i, "tick-interval")
	beaconOffset := do.MustInvokeNamed[uint64](i, "beacon-offset")
	beaconWaitTimeout := do.MustInvokeNamed[time.Duration](i, "beacon-wait-timeout")
	eventSink := do.MustInvokeNamed[chan<- Event](i, "event-sink")

	loggerService, err := do.Invoke[*common.LoggerService](i)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger service: %w", err)
	}

	gatewayService, err := do.Invoke[*ledger.GatewayService](i)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway service: %w", err)
	}

	beaconService, err := do.Invoke[*beacon.BeaconService](i)
	if err != nil {
		return nil, fmt.Errorf("failed to create beacon service: %w", err)
	}

	storeService, err := do.Invoke[*store.StoreService](i)
	if err != nil {
		return nil, fmt.Errorf("failed to create store service: %w", err)
	}

	return &OrchestratorService{
		Gateway:   gatewayService,
		Beacon:    beaconService,
		Store:     storeService,
		EventSink: eventSink,

		Log: loggerService.Log,

		TimerDuration:     timerDuration,
		TickInterval:      tickInterval,
		BeaconOffset:      beaconOffset,
		BeaconWaitTimeout: beaconWaitTimeout,
	}, nil
}

func (s *OrchestratorService) Start(ctx context.Context) {
	go s.Run(ctx)
}

// Run ticks at the configured interval until the context is cancelled.
func (s *OrchestratorService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.TickInterval)
	defer ticker.Stop()

	s.Log.Infow("orchestrator started", "tick_interval", s.TickInterval)

	for {
		select {
		case <-ctx.Done():
			s.Log.Infow("orchestrator stopped")

			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick performs one phase check. Nothing escapes a tick: every error is
// logged and the next tick retries, because the ledger phase only advances
// when a call actually went through.
func (s *OrchestratorService) Tick(ctx context.Context) {
	if !s.busy.CompareAndSwap(false, true) {
		s.Log.Debugw("previous tick still in flight, skipping")

		return
	}
	defer s.busy.Store(false)

	s.lastTick.Store(time.Now().UnixNano())

	state, err := s.Gateway.ReadState(ctx)
	if err != nil {
		s.Log.Errorw("failed to read ledger state", "error", err)

		return
	}

	switch state.Phase {
	case ledger.PhaseIdle:
		err = s.handleIdle(ctx)
	case ledger.PhaseBetting:
		err = s.handleBetting(ctx, state)
	case ledger.PhaseLocked:
		err = s.handleLocked(ctx, state)
	case ledger.PhaseComplete:
		err = s.handleComplete(state)
	case ledger.PhaseUnknown:
		s.Log.Errorw("ledger reported an unknown phase, taking no action", "round_id", state.RoundID)

		return
	}

	if err != nil {
		if errors.Is(err, ledger.ErrRejected) {
			// Already applied on chain, e.g. a duplicate lock. The next
			// tick sees the advanced phase and moves on.
			s.Log.Debugw("ledger call was a no-op", "phase", state.Phase.String(), "error", err)

			return
		}

		s.Log.Errorw("tick failed", "phase", state.Phase.String(), "round_id", state.RoundID, "error", err)
	}
}

// LastTick reports when a tick last started, for the health endpoint.
func (s *OrchestratorService) LastTick() time.Time {
	nanos := s.lastTick.Load()
	if nanos == 0 {
		return time.Time{}
	}

	return time.Unix(0, nanos)
}

// handleIdle is the only place a new round identity comes into existence.
func (s *OrchestratorService) handleIdle(ctx context.Context) error {
	_, err := s.Gateway.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start round: %w", err)
	}

	state, err := s.Gateway.ReadState(ctx)
	if err != nil {
		return fmt.Errorf("failed to re-read state after start: %w", err)
	}

	if state.Phase != ledger.PhaseBetting {
		// The start confirmed but the read raced it. The next tick
		// adopts the round.
		s.Log.Infow("round started, ledger not yet in betting", "phase", state.Phase.String())

		return nil
	}

	s.adopt(state)

	err = s.Store.CreateRound(state.RoundID)
	if err != nil {
		return fmt.Errorf("failed to create round record: %w", err)
	}

	s.Log.Infow("round opened", "round_id", state.RoundID, "start_time", state.StartTime)
	s.emit(Event{Type: EventRoundOpened, RoundID: state.RoundID})

	return nil
}

func (s *OrchestratorService) handleBetting(ctx context.Context, state *ledger.State) error {
	if s.current == nil || s.current.ID != state.RoundID {
		// Restart or operator intervention: follow the round the ledger
		// is actually in.
		s.adopt(state)

		err := s.Store.CreateRound(state.RoundID)
		if err != nil {
			return fmt.Errorf("failed to create round record: %w", err)
		}

		s.Log.Infow("adopted round already in betting", "round_id", state.RoundID)
	}

	remaining := s.TimerDuration - time.Since(state.StartTime)
	if remaining > 0 {
		s.logCountdown(remaining)

		return nil
	}

	_, err := s.Gateway.Lock(ctx)
	if err != nil {
		return fmt.Errorf("failed to lock round %d: %w", state.RoundID, err)
	}

	now := time.Now().UTC()

	err = s.Store.UpdateRound(state.RoundID, func(r *store.RoundRecord) {
		r.Status = store.RoundStatusLocked
		r.LockTime = &now
	})
	if err != nil {
		return fmt.Errorf("failed to record lock: %w", err)
	}

	s.Log.Infow("round locked", "round_id", state.RoundID, "tickets", state.TicketCount)
	s.emit(Event{Type: EventRoundLocked, RoundID: state.RoundID})

	return nil
}

func (s *OrchestratorService) handleLocked(ctx context.Context, state *ledger.State) error {
	if s.current == nil || s.current.ID != state.RoundID {
		s.adopt(state)
	}

	if state.TicketCount == 0 {
		return s.cancel(ctx, state)
	}

	proof, err := s.Beacon.FutureSeed(ctx, s.BeaconOffset, s.BeaconWaitTimeout)
	if err != nil {
		// Covers beacon timeouts and malformed seeds alike: the round
		// stays locked and the next attempt derives a fresh, higher
		// target block because finality has moved on.
		return fmt.Errorf("failed to obtain seed for round %d: %w", state.RoundID, err)
	}

	err = s.Store.CreateProof(state.RoundID, proof)
	if err != nil {
		return fmt.Errorf("failed to store proof for round %d: %w", state.RoundID, err)
	}

	_, winner, err := s.Gateway.Finish(ctx, proof.Seed)
	if err != nil {
		return fmt.Errorf("failed to finish round %d: %w", state.RoundID, err)
	}

	s.current.Seed = proof.Seed
	s.current.Winner = winner

	s.Log.Infow("round finished",
		"round_id", state.RoundID,
		"winner", winner,
		"beacon_block", proof.BlockNumber,
		"seed", proof.Seed)

	return nil
}

// cancel retires a round nobody entered. Fetching a seed for it would burn
// an external dependency for nothing, but the ledger round still has to be
// closed out.
func (s *OrchestratorService) cancel(ctx context.Context, state *ledger.State) error {
	_, err := s.Gateway.Cancel(ctx)
	if err != nil {
		return fmt.Errorf("failed to cancel round %d: %w", state.RoundID, err)
	}

	now := time.Now().UTC()

	err = s.Store.UpdateRound(state.RoundID, func(r *store.RoundRecord) {
		r.Status = store.RoundStatusCancelled
		r.FinishTime = &now
	})
	if err != nil {
		return fmt.Errorf("failed to record cancellation: %w", err)
	}

	s.Log.Infow("round cancelled, no participants", "round_id", state.RoundID)
	s.emit(Event{Type: EventRoundCancelled, RoundID: state.RoundID})

	s.current = nil

	return nil
}

// handleComplete records the final outcome exactly once, on the first tick
// that observes this round in Complete. The ledger needs nothing from us
// here; it returns to Idle on its own after settlement.
func (s *OrchestratorService) handleComplete(state *ledger.State) error {
	if s.current == nil || s.current.ID != state.RoundID || s.current.Recorded {
		return nil
	}

	now := time.Now().UTC()
	winner := s.current.Winner
	seed := s.current.Seed

	err := s.Store.UpdateRound(state.RoundID, func(r *store.RoundRecord) {
		r.Status = store.RoundStatusFinished
		r.FinishTime = &now
		r.TotalAmount = state.TotalAmount
		r.TicketCount = state.TicketCount
		r.ParticipantCount = state.ParticipantCount
		r.Winner = winner
	})
	if err != nil {
		return fmt.Errorf("failed to record final round %d: %w", state.RoundID, err)
	}

	s.current.Recorded = true

	s.Log.Infow("round recorded",
		"round_id", state.RoundID,
		"winner", winner,
		"total_amount", state.TotalAmount,
		"tickets", state.TicketCount)
	s.emit(Event{Type: EventRoundFinished, RoundID: state.RoundID, Winner: winner, Seed: seed})

	return nil
}

func (s *OrchestratorService) adopt(state *ledger.State) {
	s.current = &Round{
		ID:            state.RoundID,
		StartTime:     state.StartTime,
		lastCountdown: -1,
	}
}

func (s *OrchestratorService) logCountdown(remaining time.Duration) {
	if s.current == nil {
		return
	}

	mark := -1

	for _, m := range countdownMarks {
		if remaining <= time.Duration(m)*time.Second {
			mark = m
		}
	}

	if mark == -1 {
		return
	}

	if s.current.lastCountdown == -1 || mark < s.current.lastCountdown {
		s.Log.Infow("betting closes soon",
			"round_id", s.current.ID,
			"remaining", remaining.Round(time.Second))
		s.current.lastCountdown = mark
	}
}

func (s *OrchestratorService) emit(event Event) {
	if s.EventSink == nil {
		return
	}

	event.ID = uuid.NewString()
	event.At = time.Now().UTC()

	select {
	case s.EventSink <- event:
	default:
		s.Log.Debugw("event sink full, dropping", "type", event.Type, "round_id", event.RoundID)
	}
}

package ledger_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vreid/kuji/internal/pkg/ledger"
	"go.uber.org/zap"
)

func TestParsePhase(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ledger.PhaseIdle, ledger.ParsePhase("idle"))
	assert.Equal(t, ledger.PhaseBetting, ledger.ParsePhase("betting"))
	assert.Equal(t, ledger.PhaseLocked, ledger.ParsePhase("locked"))
	assert.Equal(t, ledger.PhaseComplete, ledger.ParsePhase("complete"))
	assert.Equal(t, ledger.PhaseUnknown, ledger.ParsePhase("settling"))
	assert.Equal(t, ledger.PhaseUnknown, ledger.ParsePhase(""))
}

func TestPhaseStringRoundTrip(t *testing.T) {
	t.Parallel()

	for _, phase := range []ledger.Phase{
		ledger.PhaseIdle,
		ledger.PhaseBetting,
		ledger.PhaseLocked,
		ledger.PhaseComplete,
	} {
		assert.Equal(t, phase, ledger.ParsePhase(phase.String()))
	}
}

func TestReadState(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/state", r.URL.Path)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"round_id":          42,
			"phase":             "betting",
			"start_time":        1767052800,
			"total_amount":      "150.0000",
			"ticket_count":      3,
			"participant_count": 2,
		})
	}))
	defer server.Close()

	gateway := ledger.NewGateway(zap.NewNop().Sugar(), server.URL, time.Second)

	state, err := gateway.ReadState(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint64(42), state.RoundID)
	assert.Equal(t, ledger.PhaseBetting, state.Phase)
	assert.Equal(t, "150.0000", state.TotalAmount)
	assert.Equal(t, 3, state.TicketCount)
	assert.Equal(t, 2, state.ParticipantCount)
	assert.Equal(t, int64(1767052800), state.StartTime.Unix())
}

func TestFinishReturnsWinner(t *testing.T) {
	t.Parallel()

	seed := "0x" + strings.Repeat("ab", 32)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/finish", r.URL.Path)

		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		require.Equal(t, seed, payload["seed"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"tx_id":     "abc123",
			"confirmed": true,
			"winner":    "alice",
		})
	}))
	defer server.Close()

	gateway := ledger.NewGateway(zap.NewNop().Sugar(), server.URL, time.Second)

	result, winner, err := gateway.Finish(context.Background(), seed)
	require.NoError(t, err)

	assert.Equal(t, "abc123", result.TxID)
	assert.True(t, result.Confirmed)
	assert.Equal(t, "alice", winner)
}

func TestRejectionMapsToErrRejected(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"round already locked"}`))
	}))
	defer server.Close()

	gateway := ledger.NewGateway(zap.NewNop().Sugar(), server.URL, time.Second)

	_, err := gateway.Lock(context.Background())
	assert.ErrorIs(t, err, ledger.ErrRejected)
}

func TestUnconfirmedTransactionIsAnError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"tx_id":     "abc123",
			"confirmed": false,
			"error":     "dropped from mempool",
		})
	}))
	defer server.Close()

	gateway := ledger.NewGateway(zap.NewNop().Sugar(), server.URL, time.Second)

	_, err := gateway.Start(context.Background())
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ledger.ErrRejected)
}

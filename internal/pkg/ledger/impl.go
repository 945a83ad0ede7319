package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/samber/do/v2"
	"github.com/vreid/kuji/internal/pkg/common"
	"go.uber.org/zap"
)

// GatewayService talks to the contract gateway sidecar that owns the wallet
// and submits the actual transactions.
type GatewayService struct {
	baseURL string
	client  *http.Client
	log     *zap.SugaredLogger
}

var _ Gateway = (*GatewayService)(nil)

func NewGatewayService(i do.Injector) (*GatewayService, error) {
	baseURL := do.MustInvokeNamed[string](i, "ledger-url")
	requestTimeout := do.MustInvokeNamed[time.Duration](i, "ledger-request-timeout")

	loggerService, err := do.Invoke[*common.LoggerService](i)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger service: %w", err)
	}

	return NewGateway(loggerService.Log, baseURL, requestTimeout), nil
}

func NewGateway(log *zap.SugaredLogger, baseURL string, requestTimeout time.Duration) *GatewayService {
	return &GatewayService{
		baseURL: baseURL,
		client:  &http.Client{Timeout: requestTimeout},
		log:     log,
	}
}

type stateResponse struct {
	RoundID          uint64 `json:"round_id"`
	Phase            string `json:"phase"`
	StartTime        int64  `json:"start_time"`
	TotalAmount      string `json:"total_amount"`
	TicketCount      int    `json:"ticket_count"`
	ParticipantCount int    `json:"participant_count"`
}

type txResponse struct {
	TxID      string `json:"tx_id"`
	Confirmed bool   `json:"confirmed"`
	Winner    string `json:"winner,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (s *GatewayService) ReadState(ctx context.Context) (*State, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/state", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger state: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("state returned status %d: %s", resp.StatusCode, body)
	}

	var state stateResponse

	err = json.Unmarshal(body, &state)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ledger state: %w", err)
	}

	return &State{
		RoundID:          state.RoundID,
		Phase:            ParsePhase(state.Phase),
		StartTime:        time.Unix(state.StartTime, 0).UTC(),
		TotalAmount:      state.TotalAmount,
		TicketCount:      state.TicketCount,
		ParticipantCount: state.ParticipantCount,
	}, nil
}

func (s *GatewayService) Start(ctx context.Context) (*TxResult, error) {
	result, _, err := s.submit(ctx, "/start", nil)
	return result, err
}

func (s *GatewayService) Lock(ctx context.Context) (*TxResult, error) {
	result, _, err := s.submit(ctx, "/lock", nil)
	return result, err
}

func (s *GatewayService) Cancel(ctx context.Context) (*TxResult, error) {
	result, _, err := s.submit(ctx, "/cancel", nil)
	return result, err
}

func (s *GatewayService) Finish(ctx context.Context, seed string) (*TxResult, string, error) {
	return s.submit(ctx, "/finish", map[string]string{"seed": seed})
}

// submit posts a state-changing call and waits for inclusion. A 409 from the
// sidecar means the ledger refused the action, mapped to ErrRejected.
func (s *GatewayService) submit(ctx context.Context, path string, payload any) (*TxResult, string, error) {
	var reader io.Reader

	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, "", fmt.Errorf("failed to marshal request: %w", err)
		}

		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, reader)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to submit %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusConflict {
		s.log.Debugw("ledger rejected call", "path", path, "body", string(body))

		return nil, "", fmt.Errorf("%w: %s", ErrRejected, body)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, body)
	}

	var tx txResponse

	err = json.Unmarshal(body, &tx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode tx result: %w", err)
	}

	if !tx.Confirmed {
		return nil, "", fmt.Errorf("%s transaction %s not confirmed: %s", path, tx.TxID, tx.Error)
	}

	return &TxResult{TxID: tx.TxID, Confirmed: tx.Confirmed}, tx.Winner, nil
}

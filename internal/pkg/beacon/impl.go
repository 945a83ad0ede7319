package beacon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/do/v2"
	"github.com/vreid/kuji/internal/pkg/common"
	"go.uber.org/zap"
)

// BeaconService reads a future block hash off the beacon chain and turns it
// into a verifiable random seed. Endpoint selection is sticky: the client
// keeps talking to the endpoint that last worked and only rotates on a
// network-level failure.
type BeaconService struct {
	endpoints    []string
	client       *http.Client
	pollInterval time.Duration

	log *zap.SugaredLogger

	mu      sync.Mutex
	current int
}

func NewBeaconService(i do.Injector) (*BeaconService, error) {
	endpoints := do.MustInvokeNamed[[]string](i, "beacon-endpoints")
	requestTimeout := do.MustInvokeNamed[time.Duration](i, "beacon-request-timeout")
	pollInterval := do.MustInvokeNamed[time.Duration](i, "beacon-poll-interval")

	loggerService, err := do.Invoke[*common.LoggerService](i)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger service: %w", err)
	}

	return New(loggerService.Log, endpoints, requestTimeout, pollInterval)
}

func New(log *zap.SugaredLogger, endpoints []string, requestTimeout, pollInterval time.Duration) (*BeaconService, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}

	return &BeaconService{
		endpoints:    endpoints,
		client:       &http.Client{Timeout: requestTimeout},
		pollInterval: pollInterval,
		log:          log,
	}, nil
}

type getInfoResponse struct {
	HeadBlockNum             uint64 `json:"head_block_num"`
	LastIrreversibleBlockNum uint64 `json:"last_irreversible_block_num"`
}

type getBlockRequest struct {
	BlockNumOrID uint64 `json:"block_num_or_id"`
}

type getBlockResponse struct {
	ID        string `json:"id"`
	BlockNum  uint64 `json:"block_num"`
	Timestamp string `json:"timestamp"`
	Producer  string `json:"producer"`
}

// post tries the configured endpoints round-robin, starting at the one that
// last succeeded. Transport errors and 5xx responses rotate to the next
// endpoint; any other response is returned to the caller for interpretation.
func (s *BeaconService) post(ctx context.Context, path string, payload any) ([]byte, int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error

	for range s.endpoints {
		s.mu.Lock()
		endpoint := s.endpoints[s.current]
		s.mu.Unlock()

		respBody, status, err := s.postOne(ctx, endpoint+path, body)
		if err == nil && status < http.StatusInternalServerError {
			return respBody, status, nil
		}

		if err == nil {
			err = fmt.Errorf("endpoint %s returned status %d", endpoint, status)
		}

		lastErr = err
		s.log.Warnw("beacon endpoint failed, rotating", "endpoint", endpoint, "error", err)

		s.mu.Lock()
		s.current = (s.current + 1) % len(s.endpoints)
		s.mu.Unlock()
	}

	return nil, 0, fmt.Errorf("%w: %w", ErrAllEndpointsFailed, lastErr)
}

func (s *BeaconService) postOne(ctx context.Context, url string, body []byte) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read response: %w", err)
	}

	return respBody, resp.StatusCode, nil
}

func (s *BeaconService) ChainInfo(ctx context.Context) (*ChainInfo, error) {
	body, status, err := s.post(ctx, "/v1/chain/get_info", struct{}{})
	if err != nil {
		return nil, err
	}

	if status != http.StatusOK {
		return nil, fmt.Errorf("get_info returned status %d: %s", status, body)
	}

	var info getInfoResponse

	err = json.Unmarshal(body, &info)
	if err != nil {
		return nil, fmt.Errorf("failed to decode chain info: %w", err)
	}

	return &ChainInfo{
		HeadBlock:       info.HeadBlockNum,
		FinalityPointer: info.LastIrreversibleBlockNum,
	}, nil
}

// GetBlock fetches one beacon block. A block that does not exist yet is
// reported as ErrBlockPending, which is a normal condition while waiting for
// the chain to advance, not a failure.
func (s *BeaconService) GetBlock(ctx context.Context, number uint64) (*Block, error) {
	body, status, err := s.post(ctx, "/v1/chain/get_block", getBlockRequest{BlockNumOrID: number})
	if err != nil {
		return nil, err
	}

	switch {
	case status == http.StatusOK:
	case status == http.StatusNotFound,
		status == http.StatusBadRequest && bytes.Contains(body, []byte("unknown block")):
		return nil, fmt.Errorf("%w: block %d", ErrBlockPending, number)
	default:
		return nil, fmt.Errorf("get_block returned status %d: %s", status, body)
	}

	var block getBlockResponse

	err = json.Unmarshal(body, &block)
	if err != nil {
		return nil, fmt.Errorf("failed to decode block: %w", err)
	}

	return &Block{
		Number:    block.BlockNum,
		ID:        block.ID,
		Timestamp: parseBlockTimestamp(block.Timestamp),
		Producer:  block.Producer,
	}, nil
}

// Beacon nodes emit zoneless millisecond timestamps; fall back to RFC 3339
// for gateways that normalize them.
func parseBlockTimestamp(raw string) time.Time {
	t, err := time.Parse("2006-01-02T15:04:05.000", raw)
	if err == nil {
		return t.UTC()
	}

	t, err = time.Parse(time.RFC3339, raw)
	if err == nil {
		return t.UTC()
	}

	return time.Time{}
}

// WaitForBlock polls until the block exists or the timeout elapses. The
// timeout bounds how long a round can sit in Locked before the caller gives
// up and re-derives a fresh target on its next attempt.
func (s *BeaconService) WaitForBlock(ctx context.Context, number uint64, timeout time.Duration) (*Block, error) {
	deadline := time.Now().Add(timeout)

	for {
		block, err := s.GetBlock(ctx, number)
		if err == nil {
			return block, nil
		}

		if !errors.Is(err, ErrBlockPending) {
			return nil, err
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: block %d after %s", ErrBeaconTimeout, number, timeout)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for block %d cancelled: %w", number, ctx.Err())
		case <-time.After(s.pollInterval):
		}
	}
}

// FutureSeed derives a seed from a block that does not exist yet: current
// finality pointer plus offset. Nobody can know the resulting hash before
// the block is produced, and anybody can re-fetch it afterwards to check it.
func (s *BeaconService) FutureSeed(ctx context.Context, offset uint64, timeout time.Duration) (*SeedProof, error) {
	info, err := s.ChainInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain info: %w", err)
	}

	target := info.FinalityPointer + offset

	s.log.Infow("waiting for beacon block",
		"finality_pointer", info.FinalityPointer,
		"target", target)

	block, err := s.WaitForBlock(ctx, target, timeout)
	if err != nil {
		return nil, err
	}

	seed, err := NormalizeSeed(block.ID)
	if err != nil {
		return nil, err
	}

	return &SeedProof{
		BlockNumber: block.Number,
		Seed:        seed,
		Timestamp:   block.Timestamp,
		Producer:    block.Producer,
	}, nil
}

// Verify re-fetches a block and confirms its hash still matches the seed
// that was used. Audit path only.
func (s *BeaconService) Verify(ctx context.Context, blockNumber uint64, expectedSeed string) (bool, error) {
	block, err := s.GetBlock(ctx, blockNumber)
	if err != nil {
		return false, err
	}

	seed, err := NormalizeSeed(block.ID)
	if err != nil {
		return false, err
	}

	expected, err := NormalizeSeed(expectedSeed)
	if err != nil {
		return false, err
	}

	return seed == expected, nil
}

package beacon_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vreid/kuji/internal/pkg/beacon"
	"go.uber.org/zap"
)

var seedPattern = regexp.MustCompile(`^0x[0-9a-f]{64}$`)

func TestNormalizeSeed(t *testing.T) {
	t.Parallel()

	raw := strings.Repeat("ab", 32)

	seed, err := beacon.NormalizeSeed(raw)
	require.NoError(t, err)
	assert.Equal(t, "0x"+raw, seed)
	assert.Regexp(t, seedPattern, seed)

	seed, err = beacon.NormalizeSeed("0x" + strings.Repeat("AB", 32))
	require.NoError(t, err)
	assert.Equal(t, "0x"+raw, seed)
}

func TestNormalizeSeedRejectsBadInput(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{
		"",
		"0x",
		strings.Repeat("ab", 16),
		strings.Repeat("ab", 33),
		strings.Repeat("zz", 32),
		"0x" + strings.Repeat("ab", 31) + "a",
	} {
		_, err := beacon.NormalizeSeed(raw)
		assert.ErrorIs(t, err, beacon.ErrBadSeed, "input %q", raw)
	}
}

// fakeChain serves a minimal chain API: a finality pointer that can advance
// and blocks that exist up to a head.
type fakeChain struct {
	mu sync.Mutex

	finality  uint64
	produced  uint64
	requested []uint64
}

func (f *fakeChain) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/chain/get_info", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		_ = json.NewEncoder(w).Encode(map[string]any{
			"head_block_num":              f.produced,
			"last_irreversible_block_num": f.finality,
		})
	})

	mux.HandleFunc("/v1/chain/get_block", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			BlockNumOrID uint64 `json:"block_num_or_id"`
		}

		_ = json.NewDecoder(r.Body).Decode(&req)

		f.mu.Lock()
		f.requested = append(f.requested, req.BlockNumOrID)
		produced := f.produced
		f.mu.Unlock()

		if req.BlockNumOrID > produced {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"unknown block"}`))

			return
		}

		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":        fmt.Sprintf("%064x", req.BlockNumOrID),
			"block_num": req.BlockNumOrID,
			"timestamp": "2026-08-30T12:00:00.000",
			"producer":  "producer.one",
		})
	})

	return mux
}

func (f *fakeChain) advance(finality, produced uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.finality = finality
	f.produced = produced
}

func newClient(t *testing.T, endpoints ...string) *beacon.BeaconService {
	t.Helper()

	client, err := beacon.New(zap.NewNop().Sugar(), endpoints, time.Second, 10*time.Millisecond)
	require.NoError(t, err)

	return client
}

func TestNewRequiresEndpoints(t *testing.T) {
	t.Parallel()

	_, err := beacon.New(zap.NewNop().Sugar(), nil, time.Second, time.Second)
	assert.ErrorIs(t, err, beacon.ErrNoEndpoints)
}

func TestChainInfo(t *testing.T) {
	t.Parallel()

	chain := &fakeChain{finality: 1000, produced: 1010}
	server := httptest.NewServer(chain.handler())
	defer server.Close()

	client := newClient(t, server.URL)

	info, err := client.ChainInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), info.FinalityPointer)
	assert.Equal(t, uint64(1010), info.HeadBlock)
}

func TestGetBlockPending(t *testing.T) {
	t.Parallel()

	chain := &fakeChain{finality: 1000, produced: 1000}
	server := httptest.NewServer(chain.handler())
	defer server.Close()

	client := newClient(t, server.URL)

	_, err := client.GetBlock(context.Background(), 1005)
	assert.ErrorIs(t, err, beacon.ErrBlockPending)
}

func TestFutureSeed(t *testing.T) {
	t.Parallel()

	chain := &fakeChain{finality: 1000, produced: 1000}
	server := httptest.NewServer(chain.handler())
	defer server.Close()

	client := newClient(t, server.URL)

	// The target block appears while the client is polling.
	go func() {
		time.Sleep(50 * time.Millisecond)
		chain.advance(1001, 1005)
	}()

	proof, err := client.FutureSeed(context.Background(), 5, time.Second)
	require.NoError(t, err)

	assert.Equal(t, uint64(1005), proof.BlockNumber)
	assert.Regexp(t, seedPattern, proof.Seed)
	assert.Equal(t, "producer.one", proof.Producer)
	assert.False(t, proof.Timestamp.IsZero())
}

func TestFutureSeedTargetsAdvanceWithFinality(t *testing.T) {
	t.Parallel()

	chain := &fakeChain{finality: 1000, produced: 1010}
	server := httptest.NewServer(chain.handler())
	defer server.Close()

	client := newClient(t, server.URL)

	first, err := client.FutureSeed(context.Background(), 5, time.Second)
	require.NoError(t, err)

	chain.advance(1007, 1020)

	second, err := client.FutureSeed(context.Background(), 5, time.Second)
	require.NoError(t, err)

	assert.Greater(t, second.BlockNumber, first.BlockNumber)
}

func TestWaitForBlockTimeout(t *testing.T) {
	t.Parallel()

	chain := &fakeChain{finality: 1000, produced: 1000}
	server := httptest.NewServer(chain.handler())
	defer server.Close()

	client := newClient(t, server.URL)

	_, err := client.WaitForBlock(context.Background(), 9999, 50*time.Millisecond)
	assert.ErrorIs(t, err, beacon.ErrBeaconTimeout)
}

func TestFailoverRotatesOnServerError(t *testing.T) {
	t.Parallel()

	var badHits atomic.Int64

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		badHits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	chain := &fakeChain{finality: 1000, produced: 1010}
	good := httptest.NewServer(chain.handler())
	defer good.Close()

	client := newClient(t, bad.URL, good.URL)

	info, err := client.ChainInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), info.FinalityPointer)
	assert.EqualValues(t, 1, badHits.Load())

	// Selection is sticky: the failed endpoint is not retried while the
	// healthy one keeps working.
	_, err = client.ChainInfo(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, badHits.Load())
}

func TestFailoverExhaustsEndpoints(t *testing.T) {
	t.Parallel()

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	client := newClient(t, bad.URL, bad.URL)

	_, err := client.ChainInfo(context.Background())
	assert.ErrorIs(t, err, beacon.ErrAllEndpointsFailed)
}

func TestVerify(t *testing.T) {
	t.Parallel()

	chain := &fakeChain{finality: 1000, produced: 1010}
	server := httptest.NewServer(chain.handler())
	defer server.Close()

	client := newClient(t, server.URL)

	ok, err := client.Verify(context.Background(), 1005, fmt.Sprintf("%064x", 1005))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.Verify(context.Background(), 1005, "0x"+strings.Repeat("ff", 32))
	require.NoError(t, err)
	assert.False(t, ok)
}

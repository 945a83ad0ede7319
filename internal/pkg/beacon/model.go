package beacon

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	ErrNoEndpoints        = errors.New("no beacon endpoints configured")
	ErrAllEndpointsFailed = errors.New("all beacon endpoints failed")
	ErrBlockPending       = errors.New("beacon block not yet produced")
	ErrBeaconTimeout      = errors.New("timed out waiting for beacon block")
	ErrBadSeed            = errors.New("seed failed format check")
)

type ChainInfo struct {
	HeadBlock       uint64
	FinalityPointer uint64
}

type Block struct {
	Number    uint64
	ID        string
	Timestamp time.Time
	Producer  string
}

// SeedProof is the audit record for one accepted seed. It is built once per
// round and never mutated afterwards.
type SeedProof struct {
	BlockNumber uint64    `json:"block_number"`
	Seed        string    `json:"seed"`
	Timestamp   time.Time `json:"timestamp"`
	Producer    string    `json:"producer"`
}

// NormalizeSeed converts a beacon block ID into the canonical seed format:
// 0x followed by 64 lowercase hex characters. Beacon-native IDs without the
// prefix get it prepended; anything that does not decode to 32 bytes is
// rejected with ErrBadSeed.
func NormalizeSeed(raw string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if !strings.HasPrefix(s, "0x") {
		s = "0x" + s
	}

	b, err := hexutil.Decode(s)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrBadSeed, err)
	}

	if len(b) != common.HashLength {
		return "", fmt.Errorf("%w: expected %d bytes, got %d", ErrBadSeed, common.HashLength, len(b))
	}

	return common.BytesToHash(b).Hex(), nil
}

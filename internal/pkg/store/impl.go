package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/samber/do/v2"
	"github.com/vreid/kuji/internal/pkg/beacon"
	"github.com/vreid/kuji/internal/pkg/common"
	"go.etcd.io/bbolt"
)

var (
	ErrRoundsBucketNotFound = errors.New("rounds bucket doesn't exist")
	ErrProofsBucketNotFound = errors.New("proofs bucket doesn't exist")
	ErrRoundNotFound        = errors.New("round not found")
	ErrProofNotFound        = errors.New("proof not found")
)

// StoreService is the persistence port: idempotent upserts keyed by round
// identity. Everything here must be safe to call twice with the same
// arguments, because the orchestrator retries whole ticks.
type StoreService struct {
	DatabaseService *common.DatabaseService
}

func NewStoreService(i do.Injector) (*StoreService, error) {
	databaseService, err := do.Invoke[*common.DatabaseService](i)
	if err != nil {
		return nil, fmt.Errorf("failed to create database service: %w", err)
	}

	return &StoreService{
		DatabaseService: databaseService,
	}, nil
}

// CreateRound inserts a fresh round record. If a record already exists it is
// left untouched.
func (s *StoreService) CreateRound(roundID uint64) error {
	now := time.Now().UTC()

	return s.DatabaseService.DB.Update(func(tx *bbolt.Tx) error {
		rounds := tx.Bucket([]byte(common.RoundsBucket))
		if rounds == nil {
			return ErrRoundsBucketNotFound
		}

		key := common.Uint64ToBytes(roundID)
		if rounds.Get(key) != nil {
			return nil
		}

		record := RoundRecord{
			RoundID:   roundID,
			Status:    RoundStatusOpen,
			StartTime: &now,
		}

		value, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal round %d: %w", roundID, err)
		}

		err = rounds.Put(key, value)
		if err != nil {
			return fmt.Errorf("failed to put round %d: %w", roundID, err)
		}

		return nil
	})
}

// UpdateRound applies mutate to the stored record inside one transaction,
// creating the record first when this process adopted a round it did not see
// open.
func (s *StoreService) UpdateRound(roundID uint64, mutate func(*RoundRecord)) error {
	return s.DatabaseService.DB.Update(func(tx *bbolt.Tx) error {
		rounds := tx.Bucket([]byte(common.RoundsBucket))
		if rounds == nil {
			return ErrRoundsBucketNotFound
		}

		key := common.Uint64ToBytes(roundID)

		record := RoundRecord{
			RoundID: roundID,
			Status:  RoundStatusOpen,
		}

		if value := rounds.Get(key); value != nil {
			err := json.Unmarshal(value, &record)
			if err != nil {
				return fmt.Errorf("failed to unmarshal round %d: %w", roundID, err)
			}
		}

		mutate(&record)
		record.RoundID = roundID

		value, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal round %d: %w", roundID, err)
		}

		err = rounds.Put(key, value)
		if err != nil {
			return fmt.Errorf("failed to put round %d: %w", roundID, err)
		}

		return nil
	})
}

// CreateProof stores the beacon proof for a round. Proofs are write-once: a
// second call for the same round is a no-op, never an overwrite.
func (s *StoreService) CreateProof(roundID uint64, proof *beacon.SeedProof) error {
	record := ProofRecord{
		RoundID:     roundID,
		BlockNumber: proof.BlockNumber,
		Seed:        proof.Seed,
		Timestamp:   proof.Timestamp,
		Producer:    proof.Producer,
		CreatedAt:   time.Now().UTC(),
	}

	return s.DatabaseService.DB.Update(func(tx *bbolt.Tx) error {
		proofs := tx.Bucket([]byte(common.ProofsBucket))
		if proofs == nil {
			return ErrProofsBucketNotFound
		}

		key := common.Uint64ToBytes(roundID)
		if proofs.Get(key) != nil {
			return nil
		}

		value, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal proof for round %d: %w", roundID, err)
		}

		err = proofs.Put(key, value)
		if err != nil {
			return fmt.Errorf("failed to put proof for round %d: %w", roundID, err)
		}

		return nil
	})
}

func (s *StoreService) GetRound(roundID uint64) (*RoundRecord, error) {
	var record RoundRecord

	err := s.DatabaseService.DB.View(func(tx *bbolt.Tx) error {
		rounds := tx.Bucket([]byte(common.RoundsBucket))
		if rounds == nil {
			return ErrRoundsBucketNotFound
		}

		value := rounds.Get(common.Uint64ToBytes(roundID))
		if value == nil {
			return fmt.Errorf("%w: %d", ErrRoundNotFound, roundID)
		}

		err := json.Unmarshal(value, &record)
		if err != nil {
			return fmt.Errorf("failed to unmarshal round %d: %w", roundID, err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return &record, nil
}

func (s *StoreService) GetProof(roundID uint64) (*ProofRecord, error) {
	var record ProofRecord

	err := s.DatabaseService.DB.View(func(tx *bbolt.Tx) error {
		proofs := tx.Bucket([]byte(common.ProofsBucket))
		if proofs == nil {
			return ErrProofsBucketNotFound
		}

		value := proofs.Get(common.Uint64ToBytes(roundID))
		if value == nil {
			return fmt.Errorf("%w: round %d", ErrProofNotFound, roundID)
		}

		err := json.Unmarshal(value, &record)
		if err != nil {
			return fmt.Errorf("failed to unmarshal proof for round %d: %w", roundID, err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return &record, nil
}

// LatestRound returns the record with the highest round ID. Keys are
// big-endian, so the bucket's last key is the newest round.
func (s *StoreService) LatestRound() (*RoundRecord, error) {
	var record RoundRecord

	err := s.DatabaseService.DB.View(func(tx *bbolt.Tx) error {
		rounds := tx.Bucket([]byte(common.RoundsBucket))
		if rounds == nil {
			return ErrRoundsBucketNotFound
		}

		key, value := rounds.Cursor().Last()
		if key == nil {
			return ErrRoundNotFound
		}

		err := json.Unmarshal(value, &record)
		if err != nil {
			return fmt.Errorf("failed to unmarshal round %d: %w", common.BytesToUint64(key, 0), err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return &record, nil
}

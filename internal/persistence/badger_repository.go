package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gridbot/internal/models"

	"github.com/dgraph-io/badger/v3"
)

const keyPrefix = "bot/"

// badgerRepository is the BadgerDB implementation of the StateRepository.
type badgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository creates and returns a new repository instance connected to a BadgerDB database.
func NewBadgerRepository(dbPath string) (StateRepository, error) {
	return open(badger.DefaultOptions(dbPath))
}

// NewInMemoryRepository returns a Badger repository that never touches disk.
// Backtests and tests use it.
func NewInMemoryRepository() (StateRepository, error) {
	return open(badger.DefaultOptions("").WithInMemory(true))
}

func open(opts badger.Options) (StateRepository, error) {
	// Badger 自带的日志会淹没应用日志, 错误仍通过返回值报告
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &badgerRepository{db: db}, nil
}

func stateKey(botID string) []byte {
	return []byte(keyPrefix + botID + "/state")
}

// SaveState marshals the state into JSON and stores it under the bot's key.
func (r *badgerRepository) SaveState(state *models.BotState) error {
	if state == nil || state.BotID == "" {
		return errors.New("state must carry a bot id")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}

	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(stateKey(state.BotID), data)
	})
}

func (r *badgerRepository) LoadState(botID string) (*models.BotState, error) {
	var state models.BotState

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(stateKey(botID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("state value is empty in database")
			}
			return json.Unmarshal(val, &state)
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load state of %s: %w", botID, err)
	}
	return &state, nil
}

// ListStates iterates the bot/ prefix; keys are sorted so the result is
// ordered by bot id.
func (r *badgerRepository) ListStates() ([]models.BotState, error) {
	var states []models.BotState
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			if !strings.HasSuffix(string(item.Key()), "/state") {
				continue
			}
			var st models.BotState
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &st)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", item.Key(), err)
			}
			states = append(states, st)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return states, nil
}

func (r *badgerRepository) DeleteState(botID string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(stateKey(botID))
	})
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}

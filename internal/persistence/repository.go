package persistence

import (
	"errors"

	"gridbot/internal/models"
)

// ErrStateNotFound is returned by LoadState when a bot has no saved state.
var ErrStateNotFound = errors.New("state not found")

// StateRepository defines the interface for state persistence.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the rest of the application. States are keyed by bot id.
type StateRepository interface {
	// SaveState atomically saves the entire state of one bot.
	SaveState(state *models.BotState) error

	// LoadState loads the state of one bot, or ErrStateNotFound.
	LoadState(botID string) (*models.BotState, error)

	// ListStates returns every saved state ordered by bot id.
	ListStates() ([]models.BotState, error)

	// DeleteState removes a bot's state. Deleting a missing state is not an error.
	DeleteState(botID string) error

	// Close gracefully closes the connection to the database.
	Close() error
}

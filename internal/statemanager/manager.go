package statemanager

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"gridbot/internal/models"
	"gridbot/internal/persistence"

	"go.uber.org/zap"
)

// EventType defines the type of a normalized event
type EventType int

const (
	// SnapshotEvent replaces a bot's state and persists it. Data: models.BotState.
	SnapshotEvent EventType = iota
	// StateResetEvent loads a state without persisting it again. Data: *models.BotState.
	StateResetEvent
	// ForgetEvent drops a bot from the journal; its stored state stays. Data: string bot id.
	ForgetEvent
)

// NormalizedEvent is a standardized internal representation of an event
type NormalizedEvent struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// StateManager is the journal of all bot states. Every mutation goes through
// the event loop, so changes are applied serially; snapshots are written to
// the repository by a separate persistence loop.
type StateManager struct {
	mu     sync.RWMutex
	states map[string]*models.BotState

	repo            persistence.StateRepository
	eventChannel    chan NormalizedEvent
	persistenceChan chan *models.BotState
	stopChan        chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
	logger          *zap.Logger
	now             func() time.Time
}

// NewStateManager creates a new StateManager. repo may be nil, in which case
// nothing is persisted.
func NewStateManager(repo persistence.StateRepository, logger *zap.Logger) *StateManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateManager{
		states:          make(map[string]*models.BotState),
		repo:            repo,
		eventChannel:    make(chan NormalizedEvent, 1024), // Buffered channel
		persistenceChan: make(chan *models.BotState, 128), // Buffered channel for state snapshots to be persisted
		stopChan:        make(chan struct{}),
		logger:          logger,
		now:             time.Now,
	}
}

// Start begins the state manager's event processing and persistence loops.
func (sm *StateManager) Start() {
	sm.wg.Add(2)
	go sm.eventLoop()
	go sm.persistenceLoop()
	sm.logger.Info("StateManager started")
}

// Stop shuts the loops down. Events already queued are applied and their
// snapshots written before Stop returns.
func (sm *StateManager) Stop() {
	sm.stopOnce.Do(func() {
		close(sm.stopChan)
		sm.wg.Wait()
		sm.logger.Info("StateManager stopped")
	})
}

// DispatchEvent sends an event to the StateManager for processing. It
// reports false once the manager is stopped.
func (sm *StateManager) DispatchEvent(event NormalizedEvent) bool {
	select {
	case <-sm.stopChan:
		return false
	default:
	}
	select {
	case sm.eventChannel <- event:
		return true
	case <-sm.stopChan:
		return false
	}
}

// Publish queues a snapshot of one bot.
func (sm *StateManager) Publish(state models.BotState) bool {
	return sm.DispatchEvent(NormalizedEvent{Type: SnapshotEvent, Timestamp: sm.now(), Data: state})
}

// Forget drops a bot from the in-memory journal.
func (sm *StateManager) Forget(botID string) bool {
	return sm.DispatchEvent(NormalizedEvent{Type: ForgetEvent, Timestamp: sm.now(), Data: botID})
}

// Restore loads every stored state into the journal and returns them.
// Call it before Start.
func (sm *StateManager) Restore() ([]models.BotState, error) {
	if sm.repo == nil {
		return nil, nil
	}
	states, err := sm.repo.ListStates()
	if err != nil {
		return nil, err
	}
	for i := range states {
		st := deepCopy(&states[i])
		sm.apply(NormalizedEvent{Type: StateResetEvent, Data: st})
	}
	sm.logger.Info("restored persisted bot states", zap.Int("count", len(states)))
	return states, nil
}

// GetStateSnapshot returns a deep copy of a bot's current state for safe, concurrent reading.
func (sm *StateManager) GetStateSnapshot(botID string) *models.BotState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return deepCopy(sm.states[botID])
}

// Snapshots returns copies of every journaled state ordered by bot id.
func (sm *StateManager) Snapshots() []models.BotState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make([]models.BotState, 0, len(sm.states))
	for _, st := range sm.states {
		out = append(out, *deepCopy(st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BotID < out[j].BotID })
	return out
}

// deepCopy creates a deep copy of the BotState to prevent data races.
func deepCopy(state *models.BotState) *models.BotState {
	if state == nil {
		return nil
	}
	stateCopy := *state
	stateCopy.Levels = append([]models.PriceLevel(nil), state.Levels...)
	stateCopy.Fills = append([]models.FillRecord(nil), state.Fills...)
	if state.ActiveOrders != nil {
		stateCopy.ActiveOrders = make([]models.TrackedOrder, len(state.ActiveOrders))
		for i := range state.ActiveOrders {
			stateCopy.ActiveOrders[i] = state.ActiveOrders[i].Clone()
		}
	}
	return &stateCopy
}

// eventLoop is the core processing loop that handles all incoming events serially.
func (sm *StateManager) eventLoop() {
	defer sm.wg.Done()
	defer close(sm.persistenceChan)
	for {
		select {
		case event := <-sm.eventChannel:
			sm.processEvent(event)
		case <-sm.stopChan:
			for {
				select {
				case event := <-sm.eventChannel:
					sm.processEvent(event)
				default:
					return
				}
			}
		}
	}
}

// persistenceLoop handles the asynchronous saving of state snapshots. It
// exits once the event loop has closed the channel and it is drained.
func (sm *StateManager) persistenceLoop() {
	defer sm.wg.Done()
	for stateToSave := range sm.persistenceChan {
		if sm.repo == nil {
			continue
		}
		if err := sm.repo.SaveState(stateToSave); err != nil {
			sm.logger.Error("failed to save state", zap.String("bot_id", stateToSave.BotID), zap.Error(err))
		}
	}
}

// processEvent applies an event and queues the resulting snapshot.
func (sm *StateManager) processEvent(event NormalizedEvent) {
	if toSave := sm.apply(event); toSave != nil {
		sm.persistenceChan <- toSave
	}
}

func (sm *StateManager) apply(event NormalizedEvent) *models.BotState {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	switch event.Type {
	case SnapshotEvent:
		st, ok := event.Data.(models.BotState)
		if !ok || st.BotID == "" {
			sm.logger.Warn("snapshot event with unexpected data", zap.String("type", typeName(event.Data)))
			return nil
		}
		stored := deepCopy(&st)
		if stored.LastUpdateTime.IsZero() {
			stored.LastUpdateTime = event.Timestamp
		}
		sm.states[st.BotID] = stored
		return deepCopy(stored)
	case StateResetEvent:
		st, ok := event.Data.(*models.BotState)
		if !ok || st == nil {
			sm.logger.Warn("reset event with unexpected data", zap.String("type", typeName(event.Data)))
			return nil
		}
		sm.states[st.BotID] = st
	case ForgetEvent:
		id, ok := event.Data.(string)
		if !ok {
			sm.logger.Warn("forget event with unexpected data", zap.String("type", typeName(event.Data)))
			return nil
		}
		delete(sm.states, id)
	}
	return nil
}

func typeName(v interface{}) string {
	return fmt.Sprintf("%T", v)
}

package library

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Blackilykat/PMP-Server/database"
)

var (
	actionPrefix = []byte("actions/")
	currentIDKey = []byte("general/currentActionID")
)

// OutOfOrderError is returned by Append when the submitted action id does not
// equal the current counter. Accepting such an action would leave the log with
// a gap or an ambiguous order, so it is always rejected, never buffered.
type OutOfOrderError struct {
	Submitted uint64
	Expected  uint64
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("unexpected action ID! received: %d, expected: %d", e.Submitted, e.Expected)
}

// OutOfRangeError is returned by ReplayFrom when the requested start exceeds
// the current counter.
type OutOfRangeError struct {
	Requested uint64
	Latest    int64 // id of the newest committed action, -1 if the log is empty
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("requested action #%d, but the latest is #%d", e.Requested, e.Latest)
}

// StoreOpt configures a Store.
type StoreOpt func(*Store)

// WithStoreLogger sets the logger used by the store.
func WithStoreLogger(logger *zap.Logger) StoreOpt {
	return func(s *Store) {
		s.logger = logger
	}
}

// Store is the durable action log plus its counter. The counter is the id the
// next appended action will receive; the log is dense, so for counter N every
// id in [0, N) resolves.
type Store struct {
	mu     sync.Mutex
	db     database.Database
	logger *zap.Logger
}

// NewStore wraps db as an action log.
func NewStore(db database.Database, opts ...StoreOpt) *Store {
	s := &Store{db: db, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CurrentActionID returns the durable counter, the id the next appended action
// will receive. Defaults to 0 on a fresh database.
func (s *Store) CurrentActionID() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLocked()
}

func (s *Store) currentLocked() (uint64, error) {
	value, err := s.db.Get(currentIDKey)
	if errors.Is(err, database.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read action counter: %w", err)
	}
	if len(value) != 8 {
		return 0, fmt.Errorf("action counter has %d bytes, want 8", len(value))
	}
	return binary.BigEndian.Uint64(value), nil
}

// Append commits action at the current counter and advances the counter, both
// in one atomic batch. It is the sole mutator of the log. The action's id must
// equal the counter exactly or an OutOfOrderError is returned and nothing is
// written.
func (s *Store) Append(action Action) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.currentLocked()
	if err != nil {
		return 0, err
	}
	if action.ActionID != current {
		return 0, &OutOfOrderError{Submitted: action.ActionID, Expected: current}
	}
	encoded, err := json.Marshal(&action)
	if err != nil {
		return 0, fmt.Errorf("encode action %d: %w", action.ActionID, err)
	}
	batch := s.db.NewBatch()
	batch.Put(actionKey(current), encoded)
	batch.Put(currentIDKey, encodeUint64(current+1))
	if err := batch.Write(); err != nil {
		return 0, fmt.Errorf("append action %d: %w", current, err)
	}
	s.logger.Info("appended library action",
		zap.Uint64("action_id", current),
		zap.Int("client_id", action.ClientID),
		zap.String("action_type", string(action.Type)),
		zap.String("file_name", action.FileName),
	)
	return current, nil
}

// Get returns the committed action with the given id.
func (s *Store) Get(id uint64) (Action, error) {
	value, err := s.db.Get(actionKey(id))
	if err != nil {
		return Action{}, fmt.Errorf("read action %d: %w", id, err)
	}
	var action Action
	if err := json.Unmarshal(value, &action); err != nil {
		return Action{}, fmt.Errorf("decode action %d: %w", id, err)
	}
	return action, nil
}

// ReplayFrom returns every committed action with id in [start, counter), in
// ascending order. start == counter yields no actions and no error; start
// beyond the counter fails with an OutOfRangeError.
func (s *Store) ReplayFrom(start uint64) ([]Action, error) {
	s.mu.Lock()
	current, err := s.currentLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if start > current {
		return nil, &OutOfRangeError{Requested: start, Latest: int64(current) - 1}
	}
	actions := make([]Action, 0, current-start)
	for id := start; id < current; id++ {
		action, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		actions = append(actions, action)
	}
	return actions, nil
}

func actionKey(id uint64) []byte {
	key := make([]byte, len(actionPrefix)+8)
	copy(key, actionPrefix)
	binary.BigEndian.PutUint64(key[len(actionPrefix):], id)
	return key
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

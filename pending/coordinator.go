// Package pending arbitrates the single in-flight file-carrying mutation.
//
// At most one ADD or REPLACE may be waiting for or undergoing its byte
// transfer at any time. The coordinator owns that slot: the session dispatch
// path proposes new tickets, the transfer channel begins and finishes them,
// and an unstarted ticket silently expires after the connection timeout.
// Expiry is derived lazily from the clock on every access instead of by a
// timer, so the bound is observed at the next access without a scheduler.
package pending

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/Blackilykat/PMP-Server/library"
)

// DefaultTimeout is how long the origin client has to open the transfer
// connection before its ticket expires.
const DefaultTimeout = 10 * time.Second

// startedRetrySeconds is the backoff told to a client rejected while another
// client's transfer is already running. The real completion time is unknown,
// so this is an arbitrary ETA that keeps the rejected client from waiting
// forever if the other side breaks its connection.
const startedRetrySeconds = 60

// ErrNoTransfer is returned by Finish when there is no started, unresolved
// transfer to complete.
var ErrNoTransfer = errors.New("no started pending transfer")

// Ticket is the in-memory record of one file-carrying mutation between
// acceptance and resolution. It never survives a restart.
type Ticket struct {
	Action    library.Action
	CreatedAt time.Time
	Started   bool
	Finished  bool
	Cancelled bool
}

// expired reports whether an unstarted, uncancelled ticket has outlived the
// timeout at the given instant. Pure; the caller records the outcome.
func expired(now, createdAt time.Time, started, cancelled bool, timeout time.Duration) bool {
	return !started && !cancelled && now.After(createdAt.Add(timeout))
}

// BusyError rejects a proposal while another ticket is active.
type BusyError struct {
	SecondsToRetry int
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("another client is modifying the library, retry in %ds", e.SecondsToRetry)
}

// MismatchError rejects a transfer attempt that does not correspond to the
// active ticket.
type MismatchError struct {
	Reason string
}

func (e *MismatchError) Error() string { return e.Reason }

// Opt configures a Coordinator.
type Opt func(*Coordinator)

// WithLogger sets the coordinator's logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithTimeout overrides the connection timeout.
func WithTimeout(timeout time.Duration) Opt {
	return func(c *Coordinator) {
		c.timeout = timeout
	}
}

// WithClock sets the clock, letting tests drive expiry deterministically.
func WithClock(clock clockwork.Clock) Opt {
	return func(c *Coordinator) {
		c.clock = clock
	}
}

// Coordinator holds the single ticket slot. All methods are safe for
// concurrent use from the session dispatchers and the transfer channel; the
// check-and-replace in Propose happens under one lock section, so two racing
// proposals can never both win.
type Coordinator struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	logger  *zap.Logger
	timeout time.Duration
	current Ticket
}

// New returns a Coordinator whose slot holds a blank, already cancelled
// ticket, so there is always a value to compare against.
func New(opts ...Opt) *Coordinator {
	c := &Coordinator{
		clock:   clockwork.NewRealClock(),
		logger:  zap.NewNop(),
		timeout: DefaultTimeout,
		current: Ticket{Cancelled: true},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// observeExpiryLocked re-derives cancellation from the clock and records it.
func (c *Coordinator) observeExpiryLocked() {
	if expired(c.clock.Now(), c.current.CreatedAt, c.current.Started, c.current.Cancelled, c.timeout) {
		c.current.Cancelled = true
		c.logger.Info("pending action expired",
			zap.Uint64("action_id", c.current.Action.ActionID),
			zap.Int("client_id", c.current.Action.ClientID),
			zap.String("file_name", c.current.Action.FileName),
		)
	}
}

// Propose claims the slot for a new file-carrying action. While the current
// ticket is neither resolved nor expired the proposal is rejected with a
// BusyError telling the caller when to retry: the full timeout plus one
// second if the active transfer has not started, a flat longer backoff if it
// has.
func (c *Coordinator) Propose(action library.Action) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observeExpiryLocked()
	if !c.current.Cancelled && !c.current.Finished {
		retry := startedRetrySeconds
		if !c.current.Started {
			retry = int(c.timeout.Seconds()) + 1
		}
		return &BusyError{SecondsToRetry: retry}
	}
	c.current = Ticket{Action: action, CreatedAt: c.clock.Now()}
	c.logger.Info("pending action accepted",
		zap.Uint64("action_id", action.ActionID),
		zap.Int("client_id", action.ClientID),
		zap.String("action_type", string(action.Type)),
		zap.String("file_name", action.FileName),
	)
	return nil
}

// matchLocked verifies that a transfer attempt corresponds to the live
// ticket: exact match on action type, id, origin client and file name.
func (c *Coordinator) matchLocked(actionType library.ActionType, actionID uint64, clientID int, fileName string) error {
	cur := &c.current
	switch {
	case cur.Cancelled || cur.Finished:
		return &MismatchError{Reason: "no live pending action"}
	case cur.Action.Type != actionType:
		return &MismatchError{Reason: fmt.Sprintf("pending action is %s, not %s", cur.Action.Type, actionType)}
	case cur.Action.ActionID != actionID:
		return &MismatchError{Reason: fmt.Sprintf("pending action id is %d, not %d", cur.Action.ActionID, actionID)}
	case cur.Action.ClientID != clientID:
		return &MismatchError{Reason: fmt.Sprintf("pending action belongs to client %d", cur.Action.ClientID)}
	case cur.Action.FileName != fileName:
		return &MismatchError{Reason: fmt.Sprintf("pending action is for %q", cur.Action.FileName)}
	}
	return nil
}

// Authorize checks a transfer attempt against the active ticket without
// claiming it, so the caller can run pre-transfer checks (like an ADD
// destination conflict) while the ticket is still unstarted.
func (c *Coordinator) Authorize(actionType library.ActionType, actionID uint64, clientID int, fileName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observeExpiryLocked()
	return c.matchLocked(actionType, actionID, clientID, fileName)
}

// Begin authorizes a transfer attempt against the active ticket and marks it
// started. The ticket must still be live and can only start once; a duplicate
// attempt is rejected.
func (c *Coordinator) Begin(actionType library.ActionType, actionID uint64, clientID int, fileName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observeExpiryLocked()
	if err := c.matchLocked(actionType, actionID, clientID, fileName); err != nil {
		return err
	}
	if c.current.Started {
		return &MismatchError{Reason: "transfer already started"}
	}
	c.current.Started = true
	return nil
}

// Cancel aborts the active ticket, freeing the slot for a new proposal.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current.Cancelled {
		return
	}
	c.current.Cancelled = true
	c.logger.Info("pending action cancelled",
		zap.Uint64("action_id", c.current.Action.ActionID),
		zap.Int("client_id", c.current.Action.ClientID),
	)
}

// Finish resolves a started transfer and returns the action to commit. This
// is the point at which the mutation becomes final; the caller appends it to
// the log and broadcasts it.
func (c *Coordinator) Finish() (library.Action, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.current.Started || c.current.Cancelled || c.current.Finished {
		return library.Action{}, ErrNoTransfer
	}
	c.current.Finished = true
	return c.current.Action, nil
}

// Current returns a snapshot of the slot, observing expiry first.
func (c *Coordinator) Current() Ticket {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observeExpiryLocked()
	return c.current
}

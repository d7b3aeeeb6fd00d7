// Package queue implements the FIFO matchmaking queue: join/cancel with
// duplicate guards, per-entry timeouts, and oldest-two pairing into sessions.
package queue

import (
	"sync"
	"time"

	"tickarena/server/internal/auth"
	"tickarena/server/internal/logging"
	"tickarena/server/internal/wire"
)

// tickPeriod is the cadence of the expiry-and-pairing sweep.
const tickPeriod = time.Second

// SessionCreator is the slice of the session manager the queue depends on.
type SessionCreator interface {
	CreateSession(participants []auth.User) string
	IsUserInSession(userID int) bool
}

// Notifier delivers queue errors to a user's live connection. Implemented by
// the realtime hub.
type Notifier interface {
	SendErrorToUser(userID int, code, message string)
}

type entry struct {
	user      auth.User
	joinedAt  time.Time
	expiresAt time.Time
}

// Queue is the matchmaking queue. One mutex guards the FIFO and its index;
// the sweep timer runs only while at least one join has armed it.
type Queue struct {
	mu       sync.Mutex
	entries  []*entry
	index    map[int]*entry
	armed    bool
	stopped  bool
	stop     chan struct{}
	stopOnce sync.Once

	sessions       SessionCreator
	notifier       Notifier
	logger         *logging.Logger
	defaultTimeout time.Duration
	sweepPeriod    time.Duration
	now            func() time.Time
}

// Option configures optional queue behaviour at construction time.
type Option func(*Queue)

// WithClock injects a deterministic time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(q *Queue) {
		if clock != nil {
			q.now = clock
		}
	}
}

// WithSweepPeriod overrides the sweep cadence, primarily for tests.
func WithSweepPeriod(period time.Duration) Option {
	return func(q *Queue) {
		if period > 0 {
			q.sweepPeriod = period
		}
	}
}

// New constructs a queue pairing into the given session manager.
func New(sessions SessionCreator, notifier Notifier, defaultTimeout time.Duration, logger *logging.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = logging.L()
	}
	q := &Queue{
		index:          make(map[int]*entry),
		stop:           make(chan struct{}),
		sessions:       sessions,
		notifier:       notifier,
		logger:         logger,
		defaultTimeout: defaultTimeout,
		sweepPeriod:    tickPeriod,
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

// Join enqueues the user unless they are already queued or already playing.
// A non-positive timeout falls back to the configured default.
func (q *Queue) Join(user auth.User, timeout time.Duration) *wire.Error {
	q.mu.Lock()
	defer q.mu.Unlock()

	//1.- One entry per user across the queue and the active-session set.
	if _, queued := q.index[user.ID]; queued || q.sessions.IsUserInSession(user.ID) {
		return wire.NewError(wire.CodeQueueDuplicate, "already queued or in a session")
	}
	if timeout <= 0 {
		timeout = q.defaultTimeout
	}
	now := q.now()
	e := &entry{user: user, joinedAt: now, expiresAt: now.Add(timeout)}
	q.entries = append(q.entries, e)
	q.index[user.ID] = e

	//2.- The sweep timer is armed lazily on the first successful join.
	q.armSweepLocked()
	return nil
}

// Cancel removes the user's entry, reporting queue_not_found when absent.
func (q *Queue) Cancel(userID int) *wire.Error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.index[userID]
	if !ok {
		return wire.NewError(wire.CodeQueueNotFound, "not in the matchmaking queue")
	}
	q.removeLocked(e)
	return nil
}

// QueueLength reports the number of waiting entries for metrics.
func (q *Queue) QueueLength() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Close stops the sweep timer. Entries are left in place; the process is
// shutting down.
func (q *Queue) Close() {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.stopped = true
		q.mu.Unlock()
		close(q.stop)
	})
}

func (q *Queue) armSweepLocked() {
	if q.armed || q.stopped {
		return
	}
	q.armed = true
	go q.sweepLoop()
}

func (q *Queue) sweepLoop() {
	ticker := time.NewTicker(q.sweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			q.runSweep()
		}
	}
}

// runSweep expires overdue entries, then pairs the two oldest while possible.
func (q *Queue) runSweep() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.expireLocked()
	q.pairLocked()
}

func (q *Queue) expireLocked() {
	now := q.now()
	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.expiresAt.After(now) {
			kept = append(kept, e)
			continue
		}
		delete(q.index, e.user.ID)
		q.logger.Info("queue entry timed out", logging.Int("user_id", e.user.ID))
		q.notifier.SendErrorToUser(e.user.ID, wire.CodeQueueTimeout, "matchmaking timed out")
	}
	q.entries = kept
}

func (q *Queue) pairLocked() {
	for len(q.entries) >= 2 {
		first, second := q.entries[0], q.entries[1]
		q.entries = q.entries[2:]
		delete(q.index, first.user.ID)
		delete(q.index, second.user.ID)

		sessionID := q.sessions.CreateSession([]auth.User{first.user, second.user})
		q.logger.Info("paired queue entries",
			logging.String("session_id", sessionID),
			logging.Int("user1", first.user.ID),
			logging.Int("user2", second.user.ID))
	}
}

func (q *Queue) removeLocked(target *entry) {
	delete(q.index, target.user.ID)
	for i, e := range q.entries {
		if e == target {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return
		}
	}
}

// Package session owns the match session registry and the per-session serial
// executor that drives the tick loop, input admission, and finalization.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"tickarena/server/internal/auth"
	"tickarena/server/internal/finalize"
	"tickarena/server/internal/logging"
	"tickarena/server/internal/realtime"
	"tickarena/server/internal/sim"
	"tickarena/server/internal/wire"
)

// strandBuffer bounds the per-session work queue. Producers block briefly when
// the strand falls behind rather than growing without bound.
const strandBuffer = 32

// Broadcaster delivers server events to a user's live connection. Implemented
// by the realtime hub.
type Broadcaster interface {
	SendEventToUser(userID int, event string, payload any)
}

// Finalizer persists a finished match exactly once. Implemented by the result
// finalizer over Postgres.
type Finalizer interface {
	FinalizeResult(ctx context.Context, record finalize.Record, participants []auth.User) (bool, error)
}

// sessionContext carries one live session. Every mutation of simulation and
// tick bookkeeping happens on the session's strand, never concurrently.
type sessionContext struct {
	id             string
	participants   []auth.User
	participantSet map[int]bool
	simulation     *sim.Simulation
	tickSent       int
	ended          bool

	work     chan func()
	quit     chan struct{}
	quitOnce sync.Once
}

// Manager tracks active sessions and routes work onto their strands.
type Manager struct {
	mu            sync.Mutex
	sessions      map[string]*sessionContext
	userToSession map[int]string
	nextID        uint64

	hub          Broadcaster
	finalizer    Finalizer
	logger       *logging.Logger
	tickInterval time.Duration
	maxTicks     int
	now          func() time.Time
}

// Option configures optional manager behaviour at construction time.
type Option func(*Manager)

// WithClock injects a deterministic time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.now = clock
		}
	}
}

// NewManager constructs a session manager broadcasting through hub and
// persisting through finalizer.
func NewManager(hub Broadcaster, finalizer Finalizer, tickInterval time.Duration, maxTicks int, logger *logging.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = logging.L()
	}
	if tickInterval <= 0 {
		tickInterval = 100 * time.Millisecond
	}
	if maxTicks <= 0 {
		maxTicks = 5
	}
	m := &Manager{
		sessions:      make(map[string]*sessionContext),
		userToSession: make(map[int]string),
		hub:           hub,
		finalizer:     finalizer,
		logger:        logger,
		tickInterval:  tickInterval,
		maxTicks:      maxTicks,
		now:           time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// CreateSession registers a new session for the participants, seeds the
// simulation, and schedules the start broadcasts onto the session's strand.
func (m *Manager) CreateSession(participants []auth.User) string {
	ctx := &sessionContext{
		participants:   append([]auth.User(nil), participants...),
		participantSet: make(map[int]bool, len(participants)),
		simulation:     sim.New(),
		work:           make(chan func(), strandBuffer),
		quit:           make(chan struct{}),
	}

	m.mu.Lock()
	m.nextID++
	ctx.id = fmt.Sprintf("session-%d", m.nextID)
	for _, p := range ctx.participants {
		ctx.participantSet[p.ID] = true
		m.userToSession[p.ID] = ctx.id
		ctx.simulation.AddPlayer(p.ID)
	}
	m.sessions[ctx.id] = ctx
	m.mu.Unlock()

	go m.runStrand(ctx)
	m.dispatch(ctx, func() { m.startSession(ctx) })

	m.logger.Info("session created",
		logging.String("session_id", ctx.id),
		logging.Int("participants", len(ctx.participants)))
	return ctx.id
}

// IsUserInSession reports whether the user currently belongs to a session.
func (m *Manager) IsUserInSession(userID int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.userToSession[userID]
	return ok
}

// ActiveSessionCount reports the live session count for metrics.
func (m *Manager) ActiveSessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// SubmitInput routes the command onto the owning session's strand and waits
// for the admission verdict. A nil return guarantees the command is queued
// and observable to the session's next tick.
func (m *Manager) SubmitInput(input realtime.SessionInput) *wire.Error {
	m.mu.Lock()
	sessionID, ok := m.userToSession[input.UserID]
	var ctx *sessionContext
	if ok {
		ctx = m.sessions[sessionID]
	}
	m.mu.Unlock()
	if ctx == nil {
		return wire.NewError(wire.CodeSessionNotFound, "no active session for user")
	}

	done := make(chan *wire.Error, 1)
	if !m.dispatch(ctx, func() { done <- m.admitInput(ctx, input) }) {
		return wire.NewError(wire.CodeSessionClosed, "session already ended")
	}

	select {
	case werr := <-done:
		return werr
	case <-ctx.quit:
		//1.- The strand may have run the closure right before quitting.
		select {
		case werr := <-done:
			return werr
		default:
			return wire.NewError(wire.CodeSessionClosed, "session already ended")
		}
	}
}

// admitInput runs on the strand.
func (m *Manager) admitInput(ctx *sessionContext, input realtime.SessionInput) *wire.Error {
	if ctx.ended {
		return wire.NewError(wire.CodeSessionClosed, "session already ended")
	}
	if !ctx.participantSet[input.UserID] {
		return wire.NewError(wire.CodeNotParticipant, "not a session participant")
	}
	decision := ctx.simulation.EnqueueInput(sim.Input{
		UserID:     input.UserID,
		Sequence:   input.Sequence,
		TargetTick: input.TargetTick,
		Delta:      input.Delta,
	})
	if !decision.Accepted {
		return wire.NewError(wire.CodeInputInvalid, decision.Reason.String())
	}
	return nil
}

// Close tears down every strand without finalizing; used on shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	contexts := make([]*sessionContext, 0, len(m.sessions))
	for _, ctx := range m.sessions {
		contexts = append(contexts, ctx)
	}
	m.mu.Unlock()
	for _, ctx := range contexts {
		ctx.quitOnce.Do(func() { close(ctx.quit) })
	}
}

func (m *Manager) runStrand(ctx *sessionContext) {
	for {
		select {
		case fn := <-ctx.work:
			fn()
		case <-ctx.quit:
			return
		}
	}
}

// dispatch posts fn onto the strand, reporting false once the session is gone.
func (m *Manager) dispatch(ctx *sessionContext, fn func()) bool {
	select {
	case ctx.work <- fn:
		return true
	case <-ctx.quit:
		return false
	}
}

// startSession runs on the strand: announce, start, and arm the tick timer.
func (m *Manager) startSession(ctx *sessionContext) {
	participants := make([]map[string]any, 0, len(ctx.participants))
	for _, p := range ctx.participants {
		participants = append(participants, map[string]any{
			"userId":   p.ID,
			"username": p.Username,
		})
	}
	m.broadcast(ctx, wire.EventSessionCreated, map[string]any{
		"sessionId":    ctx.id,
		"createdAt":    wire.ISOTime(m.now()),
		"participants": participants,
	})

	snapshot := ctx.simulation.Snapshot()
	m.broadcast(ctx, wire.EventSessionStarted, map[string]any{
		"sessionId":      ctx.id,
		"tick":           0,
		"tickIntervalMs": m.tickInterval.Milliseconds(),
		"state": map[string]any{
			"tick":    snapshot.Tick,
			"players": snapshot.Players,
		},
	})
	m.scheduleTick(ctx)
}

func (m *Manager) scheduleTick(ctx *sessionContext) {
	time.AfterFunc(m.tickInterval, func() {
		m.dispatch(ctx, func() { m.handleTick(ctx) })
	})
}

// handleTick runs on the strand.
func (m *Manager) handleTick(ctx *sessionContext) {
	if ctx.ended {
		return
	}
	ctx.simulation.TickOnce()
	ctx.tickSent++

	snapshot := ctx.simulation.Snapshot()
	m.broadcast(ctx, wire.EventSessionState, map[string]any{
		"sessionId": ctx.id,
		"tick":      snapshot.Tick,
		"players":   snapshot.Players,
		"issuedAt":  wire.ISOTime(m.now()),
	})

	if ctx.tickSent >= m.maxTicks {
		m.finishSession(ctx)
		return
	}
	m.scheduleTick(ctx)
}

// finishSession runs on the strand. Idempotent on ended.
func (m *Manager) finishSession(ctx *sessionContext) {
	if ctx.ended {
		return
	}
	ctx.ended = true

	snapshot := ctx.simulation.Snapshot()
	winner := pickWinner(snapshot)
	m.broadcast(ctx, wire.EventSessionEnded, map[string]any{
		"sessionId": ctx.id,
		"reason":    "completed",
		"result": map[string]any{
			"winnerUserId": winner,
			"ticks":        snapshot.Tick,
		},
	})

	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		snapshotJSON = []byte(`{}`)
	}
	record := finalize.Record{
		MatchID:      ctx.id,
		User1ID:      ctx.participants[0].ID,
		User2ID:      ctx.participants[1].ID,
		WinnerUserID: winner,
		TickCount:    snapshot.Tick,
		EndedAt:      m.now(),
		Snapshot:     snapshotJSON,
	}
	if _, err := m.finalizer.FinalizeResult(context.Background(), record, ctx.participants); err != nil {
		//1.- A failed finalize loses the durable record only; the session
		// still tears down and the clients already saw session.ended.
		m.logger.Error("finalize failed",
			logging.String("session_id", ctx.id),
			logging.Error(err))
	}

	m.mu.Lock()
	for _, p := range ctx.participants {
		delete(m.userToSession, p.ID)
	}
	delete(m.sessions, ctx.id)
	m.mu.Unlock()

	m.logger.Info("session finished",
		logging.String("session_id", ctx.id),
		logging.Int("winner", winner),
		logging.Int("ticks", snapshot.Tick))
	ctx.quitOnce.Do(func() { close(ctx.quit) })
}

func (m *Manager) broadcast(ctx *sessionContext, event string, payload any) {
	for _, p := range ctx.participants {
		m.hub.SendEventToUser(p.ID, event, payload)
	}
}

// pickWinner returns the participant holding the maximum position. Snapshot
// players are sorted by user id, so an exact tie awards the lowest user id.
func pickWinner(snapshot sim.Snapshot) int {
	winner := 0
	best := 0
	for i, player := range snapshot.Players {
		if i == 0 || player.Position > best {
			winner = player.UserID
			best = player.Position
		}
	}
	return winner
}

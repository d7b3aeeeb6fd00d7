package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tickarena/server/internal/auth"
	"tickarena/server/internal/logging"
	"tickarena/server/internal/resume"
	"tickarena/server/internal/wire"
)

// snapshotVersion is the version stamped on connection-scope snapshots.
const snapshotVersion = 1

// backpressureReason is the close reason sent when the outbound queue
// overflows either of its limits.
const backpressureReason = "backpressure_exceeded"

const closeWriteTimeout = 5 * time.Second

// SessionInput is the decoded session.input command forwarded to the session
// layer. The user id comes from the authenticated connection, never the frame.
type SessionInput struct {
	SessionID  string
	UserID     int
	Sequence   uint64
	TargetTick int
	Delta      int
}

// InputSink accepts session inputs and reports domain rejections by code.
// Implemented by the session manager.
type InputSink interface {
	SubmitInput(input SessionInput) *wire.Error
}

// socket abstracts the websocket transport so the session logic is testable
// without a network peer. *websocket.Conn satisfies it.
type socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// connOptions carries the collaborators a connection session needs.
type connOptions struct {
	user             auth.User
	hub              *Hub
	inputs           InputSink
	resume           *resume.Store
	logger           *logging.Logger
	maxQueueMessages int
	maxQueueBytes    int
	now              func() time.Time
}

// Conn owns one authenticated duplex peer: a read loop, a bounded write queue
// drained by a single writer, and the resume-token lifecycle.
type Conn struct {
	ws     socket
	user   auth.User
	hub    *Hub
	inputs InputSink
	resume *resume.Store
	logger *logging.Logger
	now    func() time.Time

	maxQueueMessages int
	maxQueueBytes    int

	mu          sync.Mutex
	cond        *sync.Cond
	sendQueue   [][]byte
	queuedBytes int
	writing     bool
	closing     bool

	resumeToken string
}

func newConn(ws socket, opts connOptions) *Conn {
	logger := opts.logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.now
	if now == nil {
		now = time.Now
	}
	c := &Conn{
		ws:               ws,
		user:             opts.user,
		hub:              opts.hub,
		inputs:           opts.inputs,
		resume:           opts.resume,
		logger:           logger.With(logging.Int("user_id", opts.user.ID)),
		now:              now,
		maxQueueMessages: opts.maxQueueMessages,
		maxQueueBytes:    opts.maxQueueBytes,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// User returns the identity bound to this connection.
func (c *Conn) User() auth.User { return c.user }

// Run registers the connection, sends auth_state, and blocks on the read loop
// until the peer disconnects or the session closes.
func (c *Conn) Run() {
	defer c.teardown()

	//1.- Bind identity before the peer can observe any event.
	snapshot := c.buildSnapshot()
	c.resumeToken = c.resume.Issue(c.user, snapshotVersion, snapshot, "")
	c.hub.Register(c.user.ID, c)

	//2.- auth_state is always the first frame a peer receives.
	c.sendEvent(wire.EventAuthState, 0, map[string]any{
		"userId":          c.user.ID,
		"username":        c.user.Username,
		"resumeToken":     c.resumeToken,
		"snapshotVersion": snapshotVersion,
	})

	go c.writeLoop()
	c.readLoop()
}

func (c *Conn) teardown() {
	c.hub.Unregister(c.user.ID, c)
	c.mu.Lock()
	c.closing = true
	c.sendQueue = nil
	c.queuedBytes = 0
	c.cond.Broadcast()
	c.mu.Unlock()
	_ = c.ws.Close()
}

func (c *Conn) readLoop() {
	for {
		c.mu.Lock()
		closing := c.closing
		c.mu.Unlock()
		if closing {
			return
		}
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read loop ended", logging.Error(err))
			}
			return
		}
		c.handleMessage(data)
	}
}

func (c *Conn) handleMessage(data []byte) {
	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.sendError(wire.CodeBadRequest, "malformed frame", 0)
		return
	}
	if env.Type != wire.TypeEvent {
		c.sendError(wire.CodeBadRequest, "unknown message type", env.Seq)
		return
	}
	switch env.Event {
	case wire.EventEcho:
		c.handleEcho(env)
	case wire.EventResyncReq:
		c.handleResync(env)
	case wire.EventSessionInput:
		c.handleSessionInput(env)
	default:
		c.sendError(wire.CodeBadRequest, "unknown event", env.Seq)
	}
}

// handleEcho reflects the payload back with the caller's user id added.
func (c *Conn) handleEcho(env wire.Envelope) {
	var payload map[string]any
	if err := json.Unmarshal(env.Payload, &payload); err != nil || payload == nil {
		c.sendError(wire.CodeBadRequest, "payload must be an object", env.Seq)
		return
	}
	if _, ok := payload["message"].(string); !ok {
		c.sendError(wire.CodeBadRequest, "message field is required", env.Seq)
		return
	}
	payload["userId"] = c.user.ID
	c.sendEvent(wire.EventEcho, env.Seq, payload)
}

// handleResync validates the presented resume token, rotates it, and delivers
// a freshly built snapshot.
func (c *Conn) handleResync(env wire.Envelope) {
	var payload struct {
		ResumeToken *string `json:"resumeToken"`
	}
	if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.ResumeToken == nil {
		c.sendError(wire.CodeInvalidResumeToken, "resumeToken is required", env.Seq)
		return
	}
	presented := *payload.ResumeToken
	if _, ok := c.resume.Validate(presented, c.user.ID); !ok {
		c.sendError(wire.CodeInvalidResumeToken, "resume token is not valid", env.Seq)
		return
	}

	//1.- Rotate: the presented token dies with the issuance of its successor.
	snapshot := c.buildSnapshot()
	c.resumeToken = c.resume.Issue(c.user, snapshotVersion, snapshot, presented)
	c.sendEvent(wire.EventResyncState, env.Seq, map[string]any{
		"resumeToken": c.resumeToken,
		"snapshot":    json.RawMessage(snapshot),
	})
}

func (c *Conn) handleSessionInput(env wire.Envelope) {
	var payload struct {
		SessionID  *string `json:"sessionId"`
		Sequence   *uint64 `json:"sequence"`
		TargetTick *int    `json:"targetTick"`
		Delta      *int    `json:"delta"`
	}
	if err := json.Unmarshal(env.Payload, &payload); err != nil ||
		payload.SessionID == nil || payload.Sequence == nil || payload.TargetTick == nil || payload.Delta == nil {
		c.sendError(wire.CodeBadRequest, "sessionId, sequence, targetTick and delta are required", env.Seq)
		return
	}
	input := SessionInput{
		SessionID:  *payload.SessionID,
		UserID:     c.user.ID,
		Sequence:   *payload.Sequence,
		TargetTick: *payload.TargetTick,
		Delta:      *payload.Delta,
	}
	if werr := c.inputs.SubmitInput(input); werr != nil {
		c.sendError(werr.Code, werr.Message, env.Seq)
	}
}

// buildSnapshot produces the connection-scope snapshot handed to the resume
// store and to resync replies.
func (c *Conn) buildSnapshot() json.RawMessage {
	snapshot, err := json.Marshal(map[string]any{
		"version":  snapshotVersion,
		"state":    "auth_only",
		"issuedAt": wire.ISOTime(c.now()),
		"user": map[string]any{
			"userId":   c.user.ID,
			"username": c.user.Username,
		},
	})
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return snapshot
}

// SendEvent implements Peer for server-originated events (seq 0).
func (c *Conn) SendEvent(event string, payload any) {
	c.sendEvent(event, 0, payload)
}

// SendError implements Peer for server-originated error frames (seq 0).
func (c *Conn) SendError(code, message string) {
	c.sendError(code, message, 0)
}

func (c *Conn) sendEvent(event string, seq uint64, payload any) {
	frame, err := wire.MarshalEvent(event, seq, payload)
	if err != nil {
		c.logger.Error("encode event", logging.String("event", event), logging.Error(err))
		return
	}
	c.enqueue(frame)
}

func (c *Conn) sendError(code, message string, seq uint64) {
	frame, err := wire.MarshalError(code, message, seq)
	if err != nil {
		c.logger.Error("encode error frame", logging.String("code", code), logging.Error(err))
		return
	}
	c.enqueue(frame)
}

// enqueue appends to the bounded send queue; overflowing either limit trips
// the backpressure close and discards the queue.
func (c *Conn) enqueue(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return
	}
	if len(c.sendQueue) >= c.maxQueueMessages || c.queuedBytes+len(frame) > c.maxQueueBytes {
		c.beginCloseLocked(websocket.ClosePolicyViolation, backpressureReason)
		return
	}
	c.sendQueue = append(c.sendQueue, frame)
	c.queuedBytes += len(frame)
	c.cond.Signal()
}

// beginCloseLocked transitions to closing, empties the queue, and initiates a
// protocol-level close. Callers hold the mutex.
func (c *Conn) beginCloseLocked(code int, reason string) {
	if c.closing {
		return
	}
	c.closing = true
	c.sendQueue = nil
	c.queuedBytes = 0
	c.cond.Broadcast()
	c.logger.Warn("closing connection", logging.String("reason", reason))
	payload := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, payload, time.Now().Add(closeWriteTimeout))
	_ = c.ws.Close()
}

// writeLoop drains the queue with at most one outstanding write; the next
// frame is taken only after the previous write returned.
func (c *Conn) writeLoop() {
	for {
		c.mu.Lock()
		for len(c.sendQueue) == 0 && !c.closing {
			c.cond.Wait()
		}
		if c.closing {
			c.mu.Unlock()
			return
		}
		frame := c.sendQueue[0]
		c.sendQueue = c.sendQueue[1:]
		c.queuedBytes -= len(frame)
		c.writing = true
		c.mu.Unlock()

		err := c.ws.WriteMessage(websocket.TextMessage, frame)

		c.mu.Lock()
		c.writing = false
		if err != nil {
			//1.- A write error abandons the connection; the peer is gone.
			c.closing = true
			c.sendQueue = nil
			c.queuedBytes = 0
			c.cond.Broadcast()
			c.mu.Unlock()
			_ = c.ws.Close()
			return
		}
		c.mu.Unlock()
	}
}

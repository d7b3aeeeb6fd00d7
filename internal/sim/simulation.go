// Package sim implements the pure, deterministic tick/input model that drives
// every match session. It performs no I/O and holds no clock; all concurrency
// control lives with the caller.
package sim

import "sort"

const (
	// MaxDelta bounds the absolute per-input position change.
	MaxDelta = 3
	// MaxInputsPerTickPerUser caps admitted commands per user and target tick.
	MaxInputsPerTickPerUser = 4
)

// RejectReason enumerates why an input command was refused admission.
type RejectReason string

const (
	RejectNone                 RejectReason = ""
	RejectStaleTick            RejectReason = "stale_tick"
	RejectDeltaOutOfRange      RejectReason = "delta_out_of_range"
	RejectSequenceRequired     RejectReason = "sequence_required"
	RejectSequenceNotMonotonic RejectReason = "sequence_not_monotonic"
	RejectTickInputLimit       RejectReason = "tick_input_limit"
)

// String returns the textual representation of the reject reason.
func (r RejectReason) String() string { return string(r) }

// Input is one client command targeting a future tick.
type Input struct {
	UserID     int
	Sequence   uint64
	TargetTick int
	Delta      int
}

// Decision summarises whether an input was admitted.
type Decision struct {
	Accepted bool
	Reason   RejectReason
}

// PlayerSnapshot is the per-player slice of an authoritative state snapshot.
type PlayerSnapshot struct {
	UserID       int    `json:"userId"`
	Position     int    `json:"position"`
	LastSequence uint64 `json:"lastSequence"`
}

// Snapshot is the authoritative state at a tick. Players are sorted by user id
// so equal simulations marshal to byte-identical payloads.
type Snapshot struct {
	Tick    int              `json:"tick"`
	Players []PlayerSnapshot `json:"players"`
}

type playerState struct {
	position     int
	lastSequence uint64
}

type inputTracker struct {
	lastSequence uint64
	perTickCount map[int]int
}

// Simulation holds the tick counter, the admitted input buckets, and the
// per-player state. Ticks only advance through TickOnce.
type Simulation struct {
	currentTick  int
	players      map[int]*playerState
	inputsByTick map[int][]Input
	trackers     map[int]*inputTracker
}

// New constructs an empty simulation at tick zero.
func New() *Simulation {
	return &Simulation{
		players:      make(map[int]*playerState),
		inputsByTick: make(map[int][]Input),
		trackers:     make(map[int]*inputTracker),
	}
}

// AddPlayer introduces a player at position zero. Idempotent.
func (s *Simulation) AddPlayer(userID int) {
	if _, ok := s.players[userID]; !ok {
		s.players[userID] = &playerState{}
	}
}

// CurrentTick reports the last completed tick.
func (s *Simulation) CurrentTick() int { return s.currentTick }

// EnqueueInput validates the command against the admission rules and, on
// acceptance, buckets it for its target tick. Checks run in a fixed order so
// a command violating several rules reports a stable reason.
func (s *Simulation) EnqueueInput(cmd Input) Decision {
	if reason := s.validate(cmd); reason != RejectNone {
		return Decision{Accepted: false, Reason: reason}
	}

	//1.- Promote the tracker so later commands must keep the sequence moving.
	tracker := s.trackers[cmd.UserID]
	if tracker == nil {
		tracker = &inputTracker{perTickCount: make(map[int]int)}
		s.trackers[cmd.UserID] = tracker
	}
	tracker.lastSequence = cmd.Sequence
	tracker.perTickCount[cmd.TargetTick]++

	//2.- Bucket the command under its target tick for deterministic replay.
	s.inputsByTick[cmd.TargetTick] = append(s.inputsByTick[cmd.TargetTick], cmd)
	return Decision{Accepted: true}
}

func (s *Simulation) validate(cmd Input) RejectReason {
	if cmd.TargetTick <= s.currentTick {
		return RejectStaleTick
	}
	if cmd.Delta > MaxDelta || cmd.Delta < -MaxDelta {
		return RejectDeltaOutOfRange
	}
	if cmd.Sequence == 0 {
		return RejectSequenceRequired
	}
	if tracker, ok := s.trackers[cmd.UserID]; ok {
		if cmd.Sequence <= tracker.lastSequence {
			return RejectSequenceNotMonotonic
		}
		if tracker.perTickCount[cmd.TargetTick] >= MaxInputsPerTickPerUser {
			return RejectTickInputLimit
		}
	}
	return RejectNone
}

// TickOnce advances the simulation one tick, applying the bucket for the new
// tick in (sequence asc, user id asc) order and erasing it afterwards.
func (s *Simulation) TickOnce() {
	s.currentTick++
	bucket, ok := s.inputsByTick[s.currentTick]
	if !ok {
		return
	}

	sort.SliceStable(bucket, func(i, j int) bool {
		if bucket[i].Sequence == bucket[j].Sequence {
			return bucket[i].UserID < bucket[j].UserID
		}
		return bucket[i].Sequence < bucket[j].Sequence
	})

	for _, cmd := range bucket {
		state := s.players[cmd.UserID]
		if state == nil {
			state = &playerState{}
			s.players[cmd.UserID] = state
		}
		state.position += cmd.Delta
		state.lastSequence = cmd.Sequence
	}
	delete(s.inputsByTick, s.currentTick)
}

// Snapshot returns the authoritative state with players sorted by user id.
func (s *Simulation) Snapshot() Snapshot {
	ids := make([]int, 0, len(s.players))
	for id := range s.players {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	players := make([]PlayerSnapshot, 0, len(ids))
	for _, id := range ids {
		state := s.players[id]
		players = append(players, PlayerSnapshot{
			UserID:       id,
			Position:     state.position,
			LastSequence: state.lastSequence,
		})
	}
	return Snapshot{Tick: s.currentTick, Players: players}
}

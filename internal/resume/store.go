// Package resume issues and validates the opaque tokens that let a client
// reclaim its server-side identity after a disconnect.
package resume

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"tickarena/server/internal/auth"
)

// Record binds a token to the user it was issued for and the snapshot that was
// current at issuance.
type Record struct {
	User            auth.User
	Token           string
	SnapshotVersion int
	Snapshot        json.RawMessage
	IssuedAt        time.Time
}

// Store is the in-memory token registry. Safe for concurrent use; entries live
// for the process lifetime, with each issuance retiring its predecessor.
type Store struct {
	mu     sync.Mutex
	tokens map[string]Record
	now    func() time.Time
}

// Option configures optional store behaviour.
type Option func(*Store)

// WithClock injects a deterministic time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.now = clock
		}
	}
}

// NewStore constructs an empty token store.
func NewStore(opts ...Option) *Store {
	store := &Store{
		tokens: make(map[string]Record),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store
}

// Issue mints a fresh token for the user, retiring previous when non-empty.
func (s *Store) Issue(user auth.User, snapshotVersion int, snapshot json.RawMessage, previous string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if previous != "" {
		delete(s.tokens, previous)
	}
	token := generateToken()
	s.tokens[token] = Record{
		User:            user,
		Token:           token,
		SnapshotVersion: snapshotVersion,
		Snapshot:        snapshot,
		IssuedAt:        s.now(),
	}
	return token
}

// Validate returns the stored record only when the token is known and was
// issued to the same user id.
func (s *Store) Validate(token string, userID int) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.tokens[token]
	if !ok || record.User.ID != userID {
		return Record{}, false
	}
	return record, true
}

// Len reports how many live tokens the store holds.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

// generateToken returns 16 random bytes as lowercase hex.
func generateToken() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing is unrecoverable for token issuance.
		panic(err)
	}
	return hex.EncodeToString(buf[:])
}

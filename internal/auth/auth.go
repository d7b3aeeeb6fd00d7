// Package auth implements account registration, bearer-token login, and the
// identity type threaded through the realtime layer.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"tickarena/server/internal/errs"
)

// User is the stable identity attached to a connection for its lifetime.
type User struct {
	ID       int    `json:"userId"`
	Username string `json:"username"`
}

// CredentialStore persists accounts. Implemented by the Postgres user repo.
type CredentialStore interface {
	CreateUser(ctx context.Context, username, passwordHash string) (int, error)
	GetByUsername(ctx context.Context, username string) (id int, passwordHash string, err error)
	GetByID(ctx context.Context, id int) (User, error)
}

// Option configures optional service behaviour at construction time.
type Option func(*Service)

// WithClock injects a deterministic time source, primarily for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.now = clock
		}
	}
}

// Config carries the token and rate-limit tunables.
type Config struct {
	Secret          []byte
	TokenTTL        time.Duration
	LoginRateWindow time.Duration
	LoginRateMax    int
}

// Service validates credentials, signs bearer tokens, and tracks revocations.
type Service struct {
	store    CredentialStore
	secret   []byte
	tokenTTL time.Duration
	limiter  *RateLimiter
	now      func() time.Time

	mu      sync.Mutex
	revoked map[string]time.Time
}

// NewService constructs the auth service around a credential store.
func NewService(store CredentialStore, cfg Config, opts ...Option) *Service {
	svc := &Service{
		store:    store,
		secret:   cfg.Secret,
		tokenTTL: cfg.TokenTTL,
		limiter:  NewRateLimiter(cfg.LoginRateMax, cfg.LoginRateWindow),
		now:      time.Now,
		revoked:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	svc.limiter.now = svc.now
	return svc
}

// Register creates an account with a bcrypt-hashed password.
func (s *Service) Register(ctx context.Context, username, password string) (User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return User{}, fmt.Errorf("username and password are required: %w", errs.ErrInvalidInput)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}
	id, err := s.store.CreateUser(ctx, username, string(hash))
	if err != nil {
		return User{}, err
	}
	return User{ID: id, Username: username}, nil
}

// Login verifies the credentials and issues a signed bearer token. The rate
// limiter keys on the username so lockouts follow the targeted account.
func (s *Service) Login(ctx context.Context, username, password string) (string, User, error) {
	username = strings.TrimSpace(username)
	if !s.limiter.Allow(username) {
		return "", User{}, errs.ErrRateLimited
	}
	id, hash, err := s.store.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return "", User{}, errs.ErrUnauthorized
		}
		return "", User{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return "", User{}, errs.ErrUnauthorized
	}

	user := User{ID: id, Username: username}
	token, err := s.signToken(user)
	if err != nil {
		return "", User{}, err
	}
	return token, user, nil
}

type tokenClaims struct {
	Username string `json:"name"`
	jwt.RegisteredClaims
}

func (s *Service) signToken(user User) (string, error) {
	now := s.now()
	claims := tokenClaims{
		Username: user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprintf("%d", user.ID),
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Authenticate resolves a bearer token into the user it was issued for.
func (s *Service) Authenticate(tokenString string) (User, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return User{}, errs.ErrUnauthorized
	}

	s.mu.Lock()
	_, revoked := s.revoked[claims.ID]
	s.mu.Unlock()
	if revoked {
		return User{}, errs.ErrUnauthorized
	}

	var id int
	if _, err := fmt.Sscanf(claims.Subject, "%d", &id); err != nil || id <= 0 {
		return User{}, errs.ErrUnauthorized
	}
	return User{ID: id, Username: claims.Username}, nil
}

// Logout revokes the token's identity until its natural expiry.
func (s *Service) Logout(tokenString string) error {
	claims, err := s.parse(tokenString)
	if err != nil {
		return errs.ErrUnauthorized
	}
	s.mu.Lock()
	//1.- Remember the jti with its expiry so the set can be pruned later.
	s.revoked[claims.ID] = claims.ExpiresAt.Time
	for jti, expiry := range s.revoked {
		if expiry.Before(s.now()) {
			delete(s.revoked, jti)
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *Service) parse(tokenString string) (*tokenClaims, error) {
	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return s.now() }))
	if err != nil || !token.Valid {
		return nil, errs.ErrUnauthorized
	}
	return claims, nil
}

// RateLimiter applies a fixed-window attempt budget per key.
type RateLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	now     func() time.Time
	buckets map[string]*rateBucket
}

type rateBucket struct {
	windowStart time.Time
	count       int
}

// NewRateLimiter builds a limiter allowing max attempts per window.
func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		max:     max,
		window:  window,
		now:     time.Now,
		buckets: make(map[string]*rateBucket),
	}
}

// Allow reports whether another attempt for the key fits the current window.
func (r *RateLimiter) Allow(key string) bool {
	if r == nil || r.max <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	bucket := r.buckets[key]
	if bucket == nil {
		bucket = &rateBucket{windowStart: now}
		r.buckets[key] = bucket
	}
	if now.Sub(bucket.windowStart) > r.window {
		bucket.windowStart = now
		bucket.count = 0
	}
	if bucket.count >= r.max {
		return false
	}
	bucket.count++
	return true
}

package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"tickarena/server/internal/auth"
	"tickarena/server/internal/errs"
)

// UserRepo persists account credentials. It backs the auth service.
type UserRepo struct{ db *DB }

// NewUserRepo constructs a user repository.
func NewUserRepo(db *DB) *UserRepo { return &UserRepo{db: db} }

// CreateUser inserts an account and returns its assigned id.
func (r *UserRepo) CreateUser(ctx context.Context, username, passwordHash string) (int, error) {
	const sql = `
INSERT INTO users (username, password_hash) VALUES ($1, $2) RETURNING id`
	var id int
	if err := r.db.Pool.QueryRow(ctx, sql, username, passwordHash).Scan(&id); err != nil {
		if isUniqueViolation(err) {
			return 0, errs.ErrAlreadyExists
		}
		return 0, err
	}
	return id, nil
}

// GetByUsername loads the credentials for a login attempt.
func (r *UserRepo) GetByUsername(ctx context.Context, username string) (int, string, error) {
	const sql = `
SELECT id, password_hash FROM users WHERE username = $1`
	var id int
	var hash string
	if err := r.db.Pool.QueryRow(ctx, sql, username).Scan(&id, &hash); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, "", errs.ErrNotFound
		}
		return 0, "", err
	}
	return id, hash, nil
}

// GetByID resolves a stored identity.
func (r *UserRepo) GetByID(ctx context.Context, id int) (auth.User, error) {
	const sql = `
SELECT id, username FROM users WHERE id = $1`
	var user auth.User
	if err := r.db.Pool.QueryRow(ctx, sql, id).Scan(&user.ID, &user.Username); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return auth.User{}, errs.ErrNotFound
		}
		return auth.User{}, err
	}
	return user, nil
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"tickarena/server/internal/errs"
	"tickarena/server/internal/rating"
)

// RatingSummary is one player's durable rating row.
type RatingSummary struct {
	UserID   int    `json:"userId"`
	Username string `json:"username"`
	Rating   int    `json:"rating"`
	Wins     int    `json:"wins"`
	Losses   int    `json:"losses"`
}

// LeaderboardPage is one page of the rating ladder.
type LeaderboardPage struct {
	Total   int             `json:"total"`
	Entries []RatingSummary `json:"entries"`
}

// RatingRepo reads and mutates the ratings table.
type RatingRepo struct{ db *DB }

// NewRatingRepo constructs a rating repository.
func NewRatingRepo(db *DB) *RatingRepo { return &RatingRepo{db: db} }

// EnsureUser seeds the initial-rating row on first encounter and keeps the
// display name current when a non-empty one is supplied.
func (r *RatingRepo) EnsureUser(ctx context.Context, q Querier, userID int, username string, now time.Time) error {
	const sql = `
INSERT INTO ratings (user_id, username, rating, wins, losses, updated_at)
VALUES ($1, $2, $3, 0, 0, $4)
ON CONFLICT (user_id) DO UPDATE SET
	username = CASE WHEN EXCLUDED.username <> '' THEN EXCLUDED.username ELSE ratings.username END,
	updated_at = EXCLUDED.updated_at`
	_, err := q.Exec(ctx, sql, userID, username, rating.InitialRating, now.UTC())
	return err
}

// GetSummary returns the user's rating row, or errs.ErrNotFound.
func (r *RatingRepo) GetSummary(ctx context.Context, userID int) (RatingSummary, error) {
	const sql = `
SELECT user_id, username, rating, wins, losses FROM ratings WHERE user_id = $1`
	var summary RatingSummary
	row := r.db.Pool.QueryRow(ctx, sql, userID)
	if err := row.Scan(&summary.UserID, &summary.Username, &summary.Rating, &summary.Wins, &summary.Losses); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RatingSummary{}, errs.ErrNotFound
		}
		return RatingSummary{}, err
	}
	return summary, nil
}

// GetLeaderboard pages the ladder ordered by rating descending with user id as
// the deterministic tie-break. page is 1-based.
func (r *RatingRepo) GetLeaderboard(ctx context.Context, page, size int) (LeaderboardPage, error) {
	result := LeaderboardPage{Entries: []RatingSummary{}}
	if err := r.db.Pool.QueryRow(ctx, `SELECT count(*) FROM ratings`).Scan(&result.Total); err != nil {
		return LeaderboardPage{}, err
	}

	const sql = `
SELECT user_id, username, rating, wins, losses
FROM ratings
ORDER BY rating DESC, user_id ASC
LIMIT $1 OFFSET $2`
	rows, err := r.db.Pool.Query(ctx, sql, size, (page-1)*size)
	if err != nil {
		return LeaderboardPage{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var summary RatingSummary
		if err := rows.Scan(&summary.UserID, &summary.Username, &summary.Rating, &summary.Wins, &summary.Losses); err != nil {
			return LeaderboardPage{}, err
		}
		result.Entries = append(result.Entries, summary)
	}
	if err := rows.Err(); err != nil {
		return LeaderboardPage{}, err
	}
	return result, nil
}

// ApplyMatchOutcome locks both rating rows, computes Elo, and writes the new
// ratings plus win/loss counters. Must run inside the finalize transaction.
func (r *RatingRepo) ApplyMatchOutcome(ctx context.Context, q Querier, winnerID, loserID int, now time.Time) error {
	const selectSQL = `
SELECT user_id, rating FROM ratings WHERE user_id = ANY($1) ORDER BY user_id FOR UPDATE`
	rows, err := q.Query(ctx, selectSQL, []int64{int64(winnerID), int64(loserID)})
	if err != nil {
		return err
	}
	ratings := make(map[int]int, 2)
	for rows.Next() {
		var userID, current int
		if err := rows.Scan(&userID, &current); err != nil {
			rows.Close()
			return err
		}
		ratings[userID] = current
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	winnerRating, ok := ratings[winnerID]
	if !ok {
		return fmt.Errorf("rating row missing for winner %d", winnerID)
	}
	loserRating, ok := ratings[loserID]
	if !ok {
		return fmt.Errorf("rating row missing for loser %d", loserID)
	}

	newWinner, newLoser := rating.Outcome(winnerRating, loserRating)

	const winnerSQL = `
UPDATE ratings SET rating = $2, wins = wins + 1, updated_at = $3 WHERE user_id = $1`
	if _, err := q.Exec(ctx, winnerSQL, winnerID, newWinner, now.UTC()); err != nil {
		return err
	}
	const loserSQL = `
UPDATE ratings SET rating = $2, losses = losses + 1, updated_at = $3 WHERE user_id = $1`
	if _, err := q.Exec(ctx, loserSQL, loserID, newLoser, now.UTC()); err != nil {
		return err
	}
	return nil
}

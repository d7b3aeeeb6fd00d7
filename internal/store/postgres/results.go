package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/golang/snappy"
	"github.com/jackc/pgx/v5"

	"tickarena/server/internal/errs"
)

// MatchResultRecord is the durable shape of a finished match.
type MatchResultRecord struct {
	MatchID      string
	User1ID      int
	User2ID      int
	WinnerUserID int
	TickCount    int
	EndedAt      time.Time
	Snapshot     []byte
}

// ResultRepo persists match results and the rating-apply guard rows.
type ResultRepo struct{ db *DB }

// NewResultRepo constructs a result repository.
func NewResultRepo(db *DB) *ResultRepo { return &ResultRepo{db: db} }

// InsertMatchResult writes the result row keyed by match id, reporting false
// when a prior attempt already persisted it. The snapshot blob is stored
// snappy-compressed.
func (r *ResultRepo) InsertMatchResult(ctx context.Context, q Querier, record MatchResultRecord) (bool, error) {
	const sql = `
INSERT INTO match_results (match_id, user1_id, user2_id, winner_user_id, tick_count, ended_at, snapshot)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (match_id) DO NOTHING`
	compressed := snappy.Encode(nil, record.Snapshot)
	tag, err := q.Exec(ctx, sql,
		record.MatchID, record.User1ID, record.User2ID, record.WinnerUserID,
		record.TickCount, record.EndedAt.UTC(), compressed)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// InsertRatingGuard writes one (match_id, user_id) guard row, reporting false
// when the guard already exists and Elo was therefore already applied.
func (r *ResultRepo) InsertRatingGuard(ctx context.Context, q Querier, matchID string, userID int, appliedAt time.Time) (bool, error) {
	const sql = `
INSERT INTO rating_applies (match_id, user_id, applied_at)
VALUES ($1, $2, $3)
ON CONFLICT (match_id, user_id) DO NOTHING`
	tag, err := q.Exec(ctx, sql, matchID, userID, appliedAt.UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// GetResult loads a persisted match result, decompressing the snapshot.
func (r *ResultRepo) GetResult(ctx context.Context, matchID string) (MatchResultRecord, error) {
	const sql = `
SELECT match_id, user1_id, user2_id, winner_user_id, tick_count, ended_at, snapshot
FROM match_results WHERE match_id = $1`
	var record MatchResultRecord
	var compressed []byte
	row := r.db.Pool.QueryRow(ctx, sql, matchID)
	if err := row.Scan(&record.MatchID, &record.User1ID, &record.User2ID,
		&record.WinnerUserID, &record.TickCount, &record.EndedAt, &compressed); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return MatchResultRecord{}, errs.ErrNotFound
		}
		return MatchResultRecord{}, err
	}
	snapshot, err := snappy.Decode(nil, compressed)
	if err != nil {
		return MatchResultRecord{}, err
	}
	record.Snapshot = snapshot
	return record, nil
}

// CountResults reports the persisted result count, used by ops tooling.
func (r *ResultRepo) CountResults(ctx context.Context) (int, error) {
	var count int
	if err := r.db.Pool.QueryRow(ctx, `SELECT count(*) FROM match_results`).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

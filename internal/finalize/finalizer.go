// Package finalize makes a completed match durable: one transaction writes
// the result row and applies Elo exactly once, guarded by uniqueness rather
// than in-memory coordination.
package finalize

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"tickarena/server/internal/auth"
	"tickarena/server/internal/logging"
	"tickarena/server/internal/store/postgres"
)

// Record is the finished-match payload handed over by the session manager.
type Record struct {
	MatchID      string
	User1ID      int
	User2ID      int
	WinnerUserID int
	TickCount    int
	EndedAt      time.Time
	Snapshot     json.RawMessage
}

// Finalizer persists results through the transaction-with-retry helper.
type Finalizer struct {
	db      *postgres.DB
	results *postgres.ResultRepo
	ratings *postgres.RatingRepo
	logger  *logging.Logger
	now     func() time.Time
}

// Option configures optional finalizer behaviour.
type Option func(*Finalizer)

// WithClock injects a deterministic time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(f *Finalizer) {
		if clock != nil {
			f.now = clock
		}
	}
}

// NewFinalizer constructs a finalizer over the given repositories.
func NewFinalizer(db *postgres.DB, results *postgres.ResultRepo, ratings *postgres.RatingRepo, logger *logging.Logger, opts ...Option) *Finalizer {
	if logger == nil {
		logger = logging.L()
	}
	f := &Finalizer{
		db:      db,
		results: results,
		ratings: ratings,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// FinalizeResult writes the result row and applies Elo in one transaction.
// Duplicate calls for the same match id are successful no-ops: losing the
// result insert or either guard insert means a prior attempt already applied
// the effect. Returns true when the record is durable, whether from this call
// or an earlier one.
func (f *Finalizer) FinalizeResult(ctx context.Context, record Record, participants []auth.User) (bool, error) {
	err := postgres.InTxWithRetry(ctx, f.db.Pool, f.logger, func(ctx context.Context, tx pgx.Tx) error {
		inserted, err := f.results.InsertMatchResult(ctx, tx, postgres.MatchResultRecord{
			MatchID:      record.MatchID,
			User1ID:      record.User1ID,
			User2ID:      record.User2ID,
			WinnerUserID: record.WinnerUserID,
			TickCount:    record.TickCount,
			EndedAt:      record.EndedAt,
			Snapshot:     record.Snapshot,
		})
		if err != nil {
			return err
		}
		if !inserted {
			//1.- A prior attempt persisted this match; nothing else may run.
			f.logger.Info("match result already persisted", logging.String("match_id", record.MatchID))
			return nil
		}

		now := f.now()
		//2.- Seed rating rows, keeping display names current when known.
		for _, participant := range participants {
			if err := f.ratings.EnsureUser(ctx, tx, participant.ID, participant.Username, now); err != nil {
				return err
			}
		}
		for _, userID := range []int{record.User1ID, record.User2ID} {
			if err := f.ratings.EnsureUser(ctx, tx, userID, "", now); err != nil {
				return err
			}
		}

		loserID := record.User2ID
		if record.WinnerUserID == record.User2ID {
			loserID = record.User1ID
		}

		//3.- The guard rows make Elo application exactly-once even if two
		// finalize attempts interleave past the result insert.
		winnerGuard, err := f.results.InsertRatingGuard(ctx, tx, record.MatchID, record.WinnerUserID, now)
		if err != nil {
			return err
		}
		loserGuard, err := f.results.InsertRatingGuard(ctx, tx, record.MatchID, loserID, now)
		if err != nil {
			return err
		}
		if !winnerGuard || !loserGuard {
			f.logger.Info("rating already applied", logging.String("match_id", record.MatchID))
			return nil
		}

		return f.ratings.ApplyMatchOutcome(ctx, tx, record.WinnerUserID, loserID, now)
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/golang/snappy"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

func testResultRecord() MatchResultRecord {
	return MatchResultRecord{
		MatchID:      "session-9",
		User1ID:      1,
		User2ID:      2,
		WinnerUserID: 2,
		TickCount:    5,
		EndedAt:      time.Unix(1_700_000_000, 0),
		Snapshot:     []byte(`{"tick":5,"players":[{"userId":1,"position":0,"lastSequence":0}]}`),
	}
}

func TestInsertMatchResultReportsFreshInsert(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	repo := NewResultRepo(db)
	record := testResultRecord()

	mock.ExpectExec(`INSERT INTO match_results`).
		WithArgs(record.MatchID, record.User1ID, record.User2ID, record.WinnerUserID,
			record.TickCount, record.EndedAt.UTC(), snappy.Encode(nil, record.Snapshot)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	inserted, err := repo.InsertMatchResult(context.Background(), db.Pool, record)
	require.NoError(t, err)
	require.True(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertMatchResultDetectsDuplicate(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	repo := NewResultRepo(db)
	record := testResultRecord()

	//1.- ON CONFLICT DO NOTHING reports zero affected rows on a duplicate.
	mock.ExpectExec(`INSERT INTO match_results`).
		WithArgs(record.MatchID, record.User1ID, record.User2ID, record.WinnerUserID,
			record.TickCount, record.EndedAt.UTC(), snappy.Encode(nil, record.Snapshot)).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	inserted, err := repo.InsertMatchResult(context.Background(), db.Pool, record)
	require.NoError(t, err)
	require.False(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertRatingGuardDetectsDuplicate(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	repo := NewResultRepo(db)
	now := time.Unix(1_700_000_000, 0)

	mock.ExpectExec(`INSERT INTO rating_applies`).
		WithArgs("session-9", 2, now.UTC()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO rating_applies`).
		WithArgs("session-9", 2, now.UTC()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	fresh, err := repo.InsertRatingGuard(context.Background(), db.Pool, "session-9", 2, now)
	require.NoError(t, err)
	require.True(t, fresh)

	repeat, err := repo.InsertRatingGuard(context.Background(), db.Pool, "session-9", 2, now)
	require.NoError(t, err)
	require.False(t, repeat)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetResultRoundTripsSnapshot(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	repo := NewResultRepo(db)
	record := testResultRecord()

	//1.- The stored blob is snappy-compressed; GetResult must decompress it.
	mock.ExpectQuery(`SELECT match_id, user1_id, user2_id, winner_user_id, tick_count, ended_at, snapshot`).
		WithArgs(record.MatchID).
		WillReturnRows(pgxmock.NewRows([]string{
			"match_id", "user1_id", "user2_id", "winner_user_id", "tick_count", "ended_at", "snapshot",
		}).AddRow(record.MatchID, record.User1ID, record.User2ID, record.WinnerUserID,
			record.TickCount, record.EndedAt.UTC(), snappy.Encode(nil, record.Snapshot)))

	got, err := repo.GetResult(context.Background(), record.MatchID)
	require.NoError(t, err)
	require.Equal(t, string(record.Snapshot), string(got.Snapshot))
	require.Equal(t, record.WinnerUserID, got.WinnerUserID)
	require.NoError(t, mock.ExpectationsWereMet())
}

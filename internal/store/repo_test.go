package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sessionColumns = []string{
	"id", "class_id", "teacher_email", "start_time", "end_time", "on_time_limit_minutes",
	"status", "motion_threshold", "cooldown_seconds", "max_snapshots_per_hour", "ended_at", "created_at",
}

func newMockRepo(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewRepository(db), mock
}

func sessionRow(id, status string, start time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(sessionColumns).
		AddRow(id, "class-1", "teacher@school.test", start, start.Add(2*time.Hour), 30,
			status, 0.1, 30, 120, nil, start)
}

func TestInsertSessionRejectsSecondActive(t *testing.T) {
	repo, mock := newMockRepo(t)
	start := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("FROM attendance_sessions WHERE class_id = $1 AND status = 'active'")).
		WithArgs("class-1").
		WillReturnRows(sessionRow("existing", "active", start))

	_, err := repo.InsertSession(context.Background(), Session{ClassID: "class-1", TeacherEmail: "t@x"})
	assert.ErrorIs(t, err, ErrActiveSessionExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertSessionSucceeds(t *testing.T) {
	repo, mock := newMockRepo(t)
	start := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("FROM attendance_sessions WHERE class_id = $1 AND status = 'active'")).
		WithArgs("class-1").
		WillReturnRows(sqlmock.NewRows(sessionColumns))

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO attendance_sessions")).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(start))

	sess, err := repo.InsertSession(context.Background(), Session{
		ClassID:      "class-1",
		TeacherEmail: "t@x",
		StartTime:    start,
		EndTime:      start.Add(2 * time.Hour),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, "active", sess.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEndSessionTransitions(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE attendance_sessions")).
		WithArgs("sess-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, repo.EndSession(context.Background(), "sess-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEndSessionAlreadyEnded(t *testing.T) {
	repo, mock := newMockRepo(t)
	start := time.Now()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE attendance_sessions")).
		WithArgs("sess-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM attendance_sessions WHERE id = $1")).
		WithArgs("sess-1").
		WillReturnRows(sessionRow("sess-1", "ended", start))

	assert.ErrorIs(t, repo.EndSession(context.Background(), "sess-1"), ErrSessionEnded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEndSessionUnknown(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE attendance_sessions")).
		WithArgs("nope").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM attendance_sessions WHERE id = $1")).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(sessionColumns))

	assert.ErrorIs(t, repo.EndSession(context.Background(), "nope"), ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertAttendanceDuplicateIsSkipped(t *testing.T) {
	repo, mock := newMockRepo(t)

	// ON CONFLICT DO NOTHING reports zero affected rows for a duplicate.
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO attendance_records")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := repo.InsertAttendance(context.Background(), AttendanceRecord{
		SessionID: "sess-1",
		StudentID: "alice",
	}, false)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertAttendanceForceOverwrites(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec("INSERT INTO attendance_records[\\s\\S]*DO UPDATE").
		WillReturnResult(sqlmock.NewResult(0, 1))

	inserted, err := repo.InsertAttendance(context.Background(), AttendanceRecord{
		SessionID: "sess-1",
		StudentID: "alice",
	}, true)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStudentEmailNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT email FROM students")).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"email"}))

	_, err := repo.StudentEmail(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestActiveEmbeddingAbsentIsNil(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM student_face_embeddings")).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"embedding_json"}))

	emb, err := repo.ActiveEmbedding(context.Background(), "alice")
	require.NoError(t, err)
	assert.Nil(t, emb)
}

func TestActiveEmbeddingDecodes(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM student_face_embeddings")).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"embedding_json"}).AddRow([]byte("[0.1,0.2,0.3]")))

	emb, err := repo.ActiveEmbedding(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.2, 0.3}, emb)
}

func TestSaveEmbeddingDeactivatesThenInserts(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE student_face_embeddings SET is_active = FALSE")).
		WithArgs("alice").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO student_face_embeddings")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.SaveEmbedding(context.Background(), "alice", "alice@school.test", []float64{0.1}, 0.9, 3)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

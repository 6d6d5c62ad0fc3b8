package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors surfaced to callers as invariant violations.
var (
	ErrNotFound            = errors.New("not found")
	ErrSessionEnded        = errors.New("session already ended")
	ErrActiveSessionExists = errors.New("class already has an active session")
)

// Session is the durable attendance-session record.
type Session struct {
	ID                  string     `json:"id"`
	ClassID             string     `json:"class_id"`
	TeacherEmail        string     `json:"teacher_email"`
	StartTime           time.Time  `json:"start_time"`
	EndTime             time.Time  `json:"end_time"`
	OnTimeLimitMinutes  int        `json:"on_time_limit_minutes"`
	Status              string     `json:"status"`
	MotionThreshold     float64    `json:"motion_threshold"`
	CooldownSeconds     int        `json:"cooldown_seconds"`
	MaxSnapshotsPerHour int        `json:"max_snapshots_per_hour"`
	EndedAt             *time.Time `json:"ended_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

// AttendanceRecord is one student's verified presence in a session.
type AttendanceRecord struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id"`
	StudentID       string    `json:"student_id"`
	StudentEmail    string    `json:"student_email"`
	CheckInTime     time.Time `json:"check_in_time"`
	Status          string    `json:"status"`
	FaceMatchScore  float64   `json:"face_match_score"`
	DetectionMethod string    `json:"detection_method"`
	ProcessingPhase string    `json:"processing_phase"`
	FaceQuality     float64   `json:"face_quality"`
	MotionStrength  float64   `json:"motion_strength"`
	TriggerType     string    `json:"trigger_type"`
	CreatedAt       time.Time `json:"created_at"`
}

// CaptureLog is the audit row written for every admission decision and
// every processed job.
type CaptureLog struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"session_id"`
	CaptureTime      time.Time `json:"capture_time"`
	CaptureType      string    `json:"capture_type"`
	TriggerType      string    `json:"trigger_type"`
	MotionStrength   float64   `json:"motion_strength"`
	ProcessingPhase  string    `json:"processing_phase,omitempty"`
	ProcessingStatus string    `json:"processing_status"`
	BlockReason      *string   `json:"block_reason,omitempty"`
	QueuePriority    *float64  `json:"queue_priority,omitempty"`
	FacesDetected    int       `json:"faces_detected"`
	FacesRecognized  int       `json:"faces_recognized"`
	NewRecords       int       `json:"new_records"`
	ProcessingTimeMs *int      `json:"processing_time_ms,omitempty"`
	ErrorMessage     *string   `json:"error_message,omitempty"`
	DeviceID         *string   `json:"device_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// CaptureResult is what the processor reports back for a completed job.
type CaptureResult struct {
	FacesDetected   int
	FacesRecognized int
	NewRecords      int
	Elapsed         time.Duration
}

// Repository persists sessions, attendance, capture logs, and embeddings
// in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// InsertSession writes a new session row. Fails with
// ErrActiveSessionExists when the class already has an active session.
func (r *Repository) InsertSession(ctx context.Context, s Session) (Session, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Status == "" {
		s.Status = "active"
	}

	active, err := r.ActiveSessionForClass(ctx, s.ClassID)
	if err != nil {
		return Session{}, err
	}
	if active != nil {
		return Session{}, ErrActiveSessionExists
	}

	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_sessions
			(id, class_id, teacher_email, start_time, end_time, on_time_limit_minutes,
			 status, motion_threshold, cooldown_seconds, max_snapshots_per_hour)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at
	`, s.ID, s.ClassID, s.TeacherEmail, s.StartTime, s.EndTime, s.OnTimeLimitMinutes,
		s.Status, s.MotionThreshold, s.CooldownSeconds, s.MaxSnapshotsPerHour)
	if err := row.Scan(&s.CreatedAt); err != nil {
		return Session{}, err
	}
	return s, nil
}

// GetSession returns a session by id.
func (r *Repository) GetSession(ctx context.Context, id string) (Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, class_id, teacher_email, start_time, end_time, on_time_limit_minutes,
		       status, motion_threshold, cooldown_seconds, max_snapshots_per_hour, ended_at, created_at
		FROM attendance_sessions WHERE id = $1
	`, id)
	return scanSession(row)
}

// ActiveSessionForClass returns the class's active session, or nil.
func (r *Repository) ActiveSessionForClass(ctx context.Context, classID string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, class_id, teacher_email, start_time, end_time, on_time_limit_minutes,
		       status, motion_threshold, cooldown_seconds, max_snapshots_per_hour, ended_at, created_at
		FROM attendance_sessions WHERE class_id = $1 AND status = 'active'
		LIMIT 1
	`, classID)
	s, err := scanSession(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ActiveSessions lists all currently active sessions.
func (r *Repository) ActiveSessions(ctx context.Context) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, class_id, teacher_email, start_time, end_time, on_time_limit_minutes,
		       status, motion_threshold, cooldown_seconds, max_snapshots_per_hour, ended_at, created_at
		FROM attendance_sessions WHERE status = 'active'
		ORDER BY start_time
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSessionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// EndSession flips a session to ended. The transition is unique: ending an
// already-ended session returns ErrSessionEnded, an unknown id returns
// ErrNotFound.
func (r *Repository) EndSession(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance_sessions
		SET status = 'ended', ended_at = NOW()
		WHERE id = $1 AND status = 'active'
	`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, gerr := r.GetSession(ctx, id); errors.Is(gerr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrSessionEnded
	}
	return nil
}

// InsertAttendance writes one attendance record. Without force, insertion
// is compare-and-insert on (session_id, student_id): a racing duplicate is
// silently skipped and the return reports whether a row was written. With
// force, an existing row is overwritten (operator re-assertion).
func (r *Repository) InsertAttendance(ctx context.Context, rec AttendanceRecord, force bool) (bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	conflict := `ON CONFLICT (session_id, student_id) DO NOTHING`
	if force {
		conflict = `ON CONFLICT (session_id, student_id) DO UPDATE SET
			check_in_time = EXCLUDED.check_in_time,
			status = EXCLUDED.status,
			face_match_score = EXCLUDED.face_match_score,
			detection_method = EXCLUDED.detection_method,
			processing_phase = EXCLUDED.processing_phase,
			face_quality = EXCLUDED.face_quality,
			motion_strength = EXCLUDED.motion_strength,
			trigger_type = EXCLUDED.trigger_type`
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_records
			(id, session_id, student_id, student_email, check_in_time, status,
			 face_match_score, detection_method, processing_phase, face_quality,
			 motion_strength, trigger_type)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		`+conflict,
		rec.ID, rec.SessionID, rec.StudentID, rec.StudentEmail, rec.CheckInTime, rec.Status,
		rec.FaceMatchScore, rec.DetectionMethod, rec.ProcessingPhase, rec.FaceQuality,
		rec.MotionStrength, rec.TriggerType)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListAttendance returns all attendance records for a session.
func (r *Repository) ListAttendance(ctx context.Context, sessionID string) ([]AttendanceRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, student_id, student_email, check_in_time, status,
		       face_match_score, detection_method, processing_phase, face_quality,
		       motion_strength, trigger_type, created_at
		FROM attendance_records WHERE session_id = $1
		ORDER BY check_in_time
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AttendanceRecord
	for rows.Next() {
		var rec AttendanceRecord
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.StudentID, &rec.StudentEmail,
			&rec.CheckInTime, &rec.Status, &rec.FaceMatchScore, &rec.DetectionMethod,
			&rec.ProcessingPhase, &rec.FaceQuality, &rec.MotionStrength, &rec.TriggerType,
			&rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// InsertCaptureLog writes a capture-log row at admission time.
func (r *Repository) InsertCaptureLog(ctx context.Context, l CaptureLog) (string, error) {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO motion_captures
			(id, session_id, capture_time, capture_type, trigger_type, motion_strength,
			 processing_phase, processing_status, block_reason, queue_priority, device_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, l.ID, l.SessionID, l.CaptureTime, l.CaptureType, l.TriggerType, l.MotionStrength,
		nullifyEmpty(l.ProcessingPhase), l.ProcessingStatus, l.BlockReason, l.QueuePriority, l.DeviceID)
	if err != nil {
		return "", err
	}
	return l.ID, nil
}

// CompleteCaptureLog marks a queued capture completed with its counts.
func (r *Repository) CompleteCaptureLog(ctx context.Context, id string, res CaptureResult) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE motion_captures
		SET faces_detected = $2, faces_recognized = $3, new_records = $4,
		    processing_time_ms = $5, processing_status = 'completed'
		WHERE id = $1
	`, id, res.FacesDetected, res.FacesRecognized, res.NewRecords, res.Elapsed.Milliseconds())
	return err
}

// FailCaptureLog marks a queued capture failed with the error message.
func (r *Repository) FailCaptureLog(ctx context.Context, id, msg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE motion_captures
		SET processing_status = 'failed', error_message = $2
		WHERE id = $1
	`, id, msg)
	return err
}

// ListCaptureLogs returns a session's capture logs in capture order.
func (r *Repository) ListCaptureLogs(ctx context.Context, sessionID string) ([]CaptureLog, error) {
	return r.queryCaptureLogs(ctx, `
		SELECT id, session_id, capture_time, capture_type, trigger_type, motion_strength,
		       COALESCE(processing_phase, ''), processing_status, block_reason, queue_priority,
		       faces_detected, faces_recognized, new_records, processing_time_ms,
		       error_message, device_id, created_at
		FROM motion_captures WHERE session_id = $1
		ORDER BY capture_time
	`, sessionID)
}

// RecentCaptureLogs returns a session's capture logs created since a
// cutoff, for live statistics.
func (r *Repository) RecentCaptureLogs(ctx context.Context, sessionID string, since time.Time) ([]CaptureLog, error) {
	return r.queryCaptureLogs(ctx, `
		SELECT id, session_id, capture_time, capture_type, trigger_type, motion_strength,
		       COALESCE(processing_phase, ''), processing_status, block_reason, queue_priority,
		       faces_detected, faces_recognized, new_records, processing_time_ms,
		       error_message, device_id, created_at
		FROM motion_captures WHERE session_id = $1 AND created_at >= $2
		ORDER BY capture_time
	`, sessionID, since)
}

func (r *Repository) queryCaptureLogs(ctx context.Context, query string, args ...any) ([]CaptureLog, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CaptureLog
	for rows.Next() {
		var l CaptureLog
		if err := rows.Scan(&l.ID, &l.SessionID, &l.CaptureTime, &l.CaptureType, &l.TriggerType,
			&l.MotionStrength, &l.ProcessingPhase, &l.ProcessingStatus, &l.BlockReason,
			&l.QueuePriority, &l.FacesDetected, &l.FacesRecognized, &l.NewRecords,
			&l.ProcessingTimeMs, &l.ErrorMessage, &l.DeviceID, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// EnrolledStudents returns the student ids enrolled in a class.
func (r *Repository) EnrolledStudents(ctx context.Context, classID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT student_id FROM class_students WHERE class_id = $1
		ORDER BY student_id
	`, classID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// StudentEmail resolves a student id to their email.
func (r *Repository) StudentEmail(ctx context.Context, studentID string) (string, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT email FROM students WHERE student_id = $1
	`, studentID)
	var email string
	if err := row.Scan(&email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return email, nil
}

// ActiveEmbedding returns the student's active face embedding, or nil when
// none is enrolled.
func (r *Repository) ActiveEmbedding(ctx context.Context, studentID string) ([]float64, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT embedding_json FROM student_face_embeddings
		WHERE student_id = $1 AND is_active = TRUE
		ORDER BY created_at DESC LIMIT 1
	`, studentID)
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var emb []float64
	if err := json.Unmarshal(raw, &emb); err != nil {
		return nil, err
	}
	return emb, nil
}

// SaveEmbedding deactivates prior embeddings for the student and inserts a
// fresh active one.
func (r *Repository) SaveEmbedding(ctx context.Context, studentID, studentEmail string, emb []float64, quality float64, imagesUsed int) error {
	raw, err := json.Marshal(emb)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
		UPDATE student_face_embeddings SET is_active = FALSE, updated_at = NOW()
		WHERE student_id = $1
	`, studentID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO student_face_embeddings
			(id, student_id, student_email, embedding_json, face_quality, images_used, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,TRUE)
	`, uuid.NewString(), studentID, studentEmail, raw, quality, imagesUsed); err != nil {
		return err
	}

	return tx.Commit()
}

func nullifyEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.ClassID, &s.TeacherEmail, &s.StartTime, &s.EndTime,
		&s.OnTimeLimitMinutes, &s.Status, &s.MotionThreshold, &s.CooldownSeconds,
		&s.MaxSnapshotsPerHour, &s.EndedAt, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	return s, nil
}

func scanSessionRows(rows *sql.Rows) (Session, error) {
	var s Session
	err := rows.Scan(&s.ID, &s.ClassID, &s.TeacherEmail, &s.StartTime, &s.EndTime,
		&s.OnTimeLimitMinutes, &s.Status, &s.MotionThreshold, &s.CooldownSeconds,
		&s.MaxSnapshotsPerHour, &s.EndedAt, &s.CreatedAt)
	return s, err
}

package deadletter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	pferrors "github.com/drblury/phaseflow/internal/runtime/errors"
	eventpkg "github.com/drblury/phaseflow/internal/runtime/event"
	executionpkg "github.com/drblury/phaseflow/internal/runtime/execution"
	"github.com/drblury/phaseflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/phaseflow/internal/runtime/logging"
)

const sqliteSinkName = "sqlite"

// DefaultListLimit caps List when no limit is given.
const DefaultListLimit = 100

// ErrRecordNotFound is returned by Replay for an unknown id.
var ErrRecordNotFound = errors.New("phaseflow: dead letter record not found")

// StoredRecord is a Record with its row id.
type StoredRecord struct {
	ID int64 `json:"id"`
	Record
}

// Filter narrows List, Count and Purge. Zero values match everything.
type Filter struct {
	EventType string
	Limit     int
	Offset    int
}

// SQLiteStore persists dead letters in a local SQLite database so they
// survive restarts and can be inspected or replayed.
type SQLiteStore struct {
	db       *sql.DB
	logger   loggingpkg.ServiceLogger
	recorder Recorder
	now      func() time.Time

	mu     sync.RWMutex
	closed bool
}

type SQLiteOption func(*SQLiteStore)

func WithSQLiteLogger(logger loggingpkg.ServiceLogger) SQLiteOption {
	return func(s *SQLiteStore) { s.logger = loggingpkg.OrNop(logger) }
}

func WithSQLiteRecorder(r Recorder) SQLiteOption {
	return func(s *SQLiteStore) { s.recorder = r }
}

func WithSQLiteClock(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) {
		if now != nil {
			s.now = now
		}
	}
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: sqlite file path", pferrors.ErrConfigRequired)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// sqlite serialises writers; one connection also keeps :memory: databases alive
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:     db,
		logger: loggingpkg.NopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS dead_letters (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL,
			correlation_id TEXT NOT NULL DEFAULT '',
			event_type TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			original_topic TEXT NOT NULL DEFAULT '',
			payload BLOB,
			headers TEXT NOT NULL DEFAULT '{}',
			error_message TEXT NOT NULL,
			failed_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_dead_letters_type ON dead_letters(event_type, failed_at);
	`)
	return err
}

func (s *SQLiteStore) Send(ctx context.Context, evt eventpkg.Event, ec *executionpkg.Context) error {
	rec, err := NewRecord(evt, ec, s.now())
	if err != nil {
		return fmt.Errorf("encode dead letter payload: %w", err)
	}
	if _, err := s.Insert(ctx, rec); err != nil {
		return err
	}
	if s.recorder != nil {
		s.recorder.RecordDeadLetter(sqliteSinkName)
	}
	return nil
}

// Insert stores rec and returns its row id.
func (s *SQLiteStore) Insert(ctx context.Context, rec Record) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	headers, err := jsoncodec.Marshal(rec.Headers)
	if err != nil {
		return 0, fmt.Errorf("marshal headers: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letters
			(event_id, correlation_id, event_type, source, original_topic, payload, headers, error_message, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.EventID, rec.CorrelationID, rec.EventType, rec.Source, rec.OriginalTopic,
		rec.Payload, string(headers), rec.ErrorMessage, rec.FailedAt.UTC())
	if err != nil {
		return 0, fmt.Errorf("insert dead letter: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	s.logger.Debug("Dead letter stored", loggingpkg.LogFields{
		"id":             id,
		"correlation_id": rec.CorrelationID,
		"event_type":     rec.EventType,
	})
	return id, nil
}

func (s *SQLiteStore) Count(ctx context.Context, f Filter) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dead_letters WHERE (? = '' OR event_type = ?)`,
		f.EventType, f.EventType,
	).Scan(&n)
	return n, err
}

// List returns records newest first.
func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]StoredRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, correlation_id, event_type, source, original_topic, payload, headers, error_message, failed_at
		FROM dead_letters
		WHERE (? = '' OR event_type = ?)
		ORDER BY failed_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, f.EventType, f.EventType, limit, f.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredRecord
	for rows.Next() {
		rec, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scan(row scanner) (StoredRecord, error) {
	var (
		rec     StoredRecord
		headers string
	)
	if err := row.Scan(&rec.ID, &rec.EventID, &rec.CorrelationID, &rec.EventType, &rec.Source,
		&rec.OriginalTopic, &rec.Payload, &headers, &rec.ErrorMessage, &rec.FailedAt); err != nil {
		return StoredRecord{}, err
	}
	if headers != "" && headers != "null" {
		if err := jsoncodec.Unmarshal([]byte(headers), &rec.Headers); err != nil {
			s.logger.Error("failed to unmarshal dead letter headers", err, loggingpkg.LogFields{"id": rec.ID})
		}
	}
	return rec, nil
}

// Purge deletes matching records and returns how many were removed.
func (s *SQLiteStore) Purge(ctx context.Context, f Filter) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dead_letters WHERE (? = '' OR event_type = ?)`,
		f.EventType, f.EventType,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Replay hands the record with the given id to fn and deletes it once fn
// succeeds. The record stays stored when fn fails. fn may write to the store,
// so a replay that fails again can dead-letter the event as a new record.
func (s *SQLiteStore) Replay(ctx context.Context, id int64, fn func(context.Context, Record) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, event_id, correlation_id, event_type, source, original_topic, payload, headers, error_message, failed_at
		FROM dead_letters WHERE id = ?
	`, id)
	rec, err := s.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %d", ErrRecordNotFound, id)
	}
	if err != nil {
		return err
	}

	if err := fn(ctx, rec.Record); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return pferrors.ErrStoreClosed
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.db.Close()
}

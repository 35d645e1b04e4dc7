// Package history keeps the append-only log of finished backup jobs.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/TheGojiOG/pvebackup/internal/failure"
)

// Status of a finished job
type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// completed_at is stored fixed-width so lexical order is time order
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Record is one finished job
type Record struct {
	ID          string    `json:"id"`
	JobID       string    `json:"job_id"`
	Filename    string    `json:"filename"`
	CompletedAt time.Time `json:"completed_at"`
	SizeBytes   int64     `json:"size_bytes"`
	Status      Status    `json:"status"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	ErrorDetail string    `json:"error_detail,omitempty"`
	Trigger     string    `json:"trigger"`
	Warnings    []string  `json:"warnings,omitempty"`
	DurationMs  int64     `json:"duration_ms"`
}

// Store persists records in the backup_history table
type Store struct {
	db *sql.DB
}

// NewStore creates a history store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append writes a record, assigning an id and completion time when unset
func (s *Store) Append(ctx context.Context, record Record) (Record, error) {
	switch record.Status {
	case StatusSuccess, StatusFailed, StatusCancelled:
	default:
		return Record{}, failure.Newf("history", "append", failure.InvalidConfiguration, "invalid status %q", record.Status)
	}
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.CompletedAt.IsZero() {
		record.CompletedAt = time.Now()
	}
	record.CompletedAt = record.CompletedAt.UTC()
	if record.Trigger == "" {
		record.Trigger = "manual"
	}

	var warnings sql.NullString
	if len(record.Warnings) > 0 {
		data, err := json.Marshal(record.Warnings)
		if err != nil {
			return Record{}, failure.New("history", "append", failure.Internal, err)
		}
		warnings = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backup_history (id, job_id, filename, completed_at, size_bytes, status,
		                            error_kind, error_detail, trigger_source, warnings, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		record.ID,
		record.JobID,
		record.Filename,
		record.CompletedAt.Format(timeLayout),
		record.SizeBytes,
		string(record.Status),
		record.ErrorKind,
		record.ErrorDetail,
		record.Trigger,
		warnings,
		record.DurationMs,
	)
	if err != nil {
		return Record{}, failure.New("history", "append", failure.Internal, fmt.Errorf("failed to insert history record: %w", err))
	}
	return record, nil
}

// List returns all records, most recent first
func (s *Store) List(ctx context.Context) ([]Record, error) {
	return s.query(ctx, `
		SELECT id, job_id, filename, completed_at, size_bytes, status, error_kind,
		       error_detail, trigger_source, warnings, duration_ms
		FROM backup_history
		ORDER BY completed_at DESC, seq DESC
	`)
}

// ListByJob returns the records written for one job
func (s *Store) ListByJob(ctx context.Context, jobID string) ([]Record, error) {
	return s.query(ctx, `
		SELECT id, job_id, filename, completed_at, size_bytes, status, error_kind,
		       error_detail, trigger_source, warnings, duration_ms
		FROM backup_history
		WHERE job_id = ?
		ORDER BY completed_at DESC, seq DESC
	`, jobID)
}

// Get returns one record
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	records, err := s.query(ctx, `
		SELECT id, job_id, filename, completed_at, size_bytes, status, error_kind,
		       error_detail, trigger_source, warnings, duration_ms
		FROM backup_history
		WHERE id = ?
	`, id)
	if err != nil {
		return Record{}, err
	}
	if len(records) == 0 {
		return Record{}, failure.Newf("history", "get", failure.NotFound, "history record %s not found", id)
	}
	return records[0], nil
}

// Delete removes one record
func (s *Store) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM backup_history WHERE id = ?`, id)
	if err != nil {
		return failure.New("history", "delete", failure.Internal, fmt.Errorf("failed to delete history record: %w", err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return failure.New("history", "delete", failure.Internal, err)
	}
	if affected == 0 {
		return failure.Newf("history", "delete", failure.NotFound, "history record %s not found", id)
	}
	return nil
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, failure.New("history", "list", failure.Internal, fmt.Errorf("failed to query history: %w", err))
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			record      Record
			completedAt string
			status      string
			warnings    sql.NullString
		)
		if err := rows.Scan(
			&record.ID,
			&record.JobID,
			&record.Filename,
			&completedAt,
			&record.SizeBytes,
			&status,
			&record.ErrorKind,
			&record.ErrorDetail,
			&record.Trigger,
			&warnings,
			&record.DurationMs,
		); err != nil {
			return nil, failure.New("history", "list", failure.Internal, fmt.Errorf("failed to scan history record: %w", err))
		}

		record.Status = Status(status)
		record.CompletedAt, err = time.Parse(timeLayout, completedAt)
		if err != nil {
			return nil, failure.New("history", "list", failure.Internal, fmt.Errorf("bad completed_at %q: %w", completedAt, err))
		}
		if warnings.Valid && warnings.String != "" {
			if err := json.Unmarshal([]byte(warnings.String), &record.Warnings); err != nil {
				return nil, failure.New("history", "list", failure.Internal, fmt.Errorf("failed to parse warnings: %w", err))
			}
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, failure.New("history", "list", failure.Internal, err)
	}
	return records, nil
}

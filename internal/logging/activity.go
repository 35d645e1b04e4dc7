package logging

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ActivityLogger records operator and job activity to the database and a daily file
type ActivityLogger struct {
	db          *sql.DB
	logDir      string
	currentFile *os.File
	currentDate string
	mu          sync.Mutex
	now         func() time.Time
}

// Activity represents a logged activity
type Activity struct {
	Timestamp    time.Time              `json:"timestamp"`
	Actor        string                 `json:"actor"`
	JobID        string                 `json:"job_id,omitempty"`
	ActivityType string                 `json:"activity_type"`
	Description  string                 `json:"description"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Success      bool                   `json:"success"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}

// Activity type constants
const (
	ActivityTargetUpdate    = "target.update"
	ActivityTargetTest      = "target.test"
	ActivitySelectionUpdate = "selection.update"
	ActivitySelectionToggle = "selection.toggle"
	ActivityScheduleUpdate  = "schedule.update"
	ActivityScheduleSkipped = "schedule.skipped"
	ActivityJobStart        = "job.start"
	ActivityJobFinish       = "job.finish"
	ActivityJobCancel       = "job.cancel"
	ActivityHistoryDelete   = "history.delete"
	ActivityError           = "error"
)

// Actors
const (
	ActorOperator  = "operator"
	ActorScheduler = "scheduler"
)

// NewActivityLogger creates a new activity logger
func NewActivityLogger(db *sql.DB, logDir string) (*ActivityLogger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	L().Info("activity_logger_initialized", "log_dir", logDir)

	return &ActivityLogger{
		db:     db,
		logDir: logDir,
		now:    time.Now,
	}, nil
}

// LogActivity logs an activity to both database and file
func (al *ActivityLogger) LogActivity(activity *Activity) error {
	if al == nil {
		return nil
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	if activity.Timestamp.IsZero() {
		activity.Timestamp = al.now().UTC()
	}
	if activity.Actor == "" {
		activity.Actor = ActorOperator
	}

	// A database failure still lets the file copy through
	if err := al.logToDatabase(activity); err != nil {
		L().Warn("activity_db_write_failed", "error", err)
	}

	if err := al.logToFile(activity); err != nil {
		L().Warn("activity_file_write_failed", "error", err)
		return err
	}

	return nil
}

// LogOperatorAction logs a configuration change made by the operator
func (al *ActivityLogger) LogOperatorAction(activityType, description string, metadata map[string]interface{}, err error) error {
	activity := &Activity{
		Actor:        ActorOperator,
		ActivityType: activityType,
		Description:  description,
		Metadata:     metadata,
		Success:      err == nil,
	}
	if err != nil {
		activity.ErrorMessage = err.Error()
	}
	return al.LogActivity(activity)
}

// LogJobStart logs the start of a backup job
func (al *ActivityLogger) LogJobStart(jobID, trigger string, entries int) error {
	actor := ActorOperator
	if trigger == "scheduled" {
		actor = ActorScheduler
	}
	return al.LogActivity(&Activity{
		Actor:        actor,
		JobID:        jobID,
		ActivityType: ActivityJobStart,
		Description:  fmt.Sprintf("Backup job started (%s)", trigger),
		Metadata: map[string]interface{}{
			"trigger": trigger,
			"entries": entries,
		},
		Success: true,
	})
}

// LogJobFinish logs the terminal state of a backup job
func (al *ActivityLogger) LogJobFinish(jobID, state, artifact string, bytesSent int64, errorMsg string) error {
	return al.LogActivity(&Activity{
		JobID:        jobID,
		Actor:        ActorOperator,
		ActivityType: ActivityJobFinish,
		Description:  fmt.Sprintf("Backup job %s", state),
		Metadata: map[string]interface{}{
			"state":      state,
			"artifact":   artifact,
			"bytes_sent": bytesSent,
		},
		Success:      errorMsg == "",
		ErrorMessage: errorMsg,
	})
}

// LogScheduleSkipped logs a scheduled fire that was skipped because a run was active
func (al *ActivityLogger) LogScheduleSkipped(dueAt time.Time, reason string) error {
	return al.LogActivity(&Activity{
		Actor:        ActorScheduler,
		ActivityType: ActivityScheduleSkipped,
		Description:  "Scheduled backup skipped",
		Metadata: map[string]interface{}{
			"due_at": dueAt.UTC().Format(time.RFC3339),
			"reason": reason,
		},
		Success: false,
	})
}

// ActivityFilter narrows an activity query. Zero fields match everything.
type ActivityFilter struct {
	Type  string
	JobID string
	Since time.Time
	Limit int
}

// Query returns matching activities, most recent first
func (al *ActivityLogger) Query(ctx context.Context, f ActivityFilter) ([]*Activity, error) {
	if al == nil || al.db == nil {
		return nil, fmt.Errorf("database not available")
	}

	var (
		where []string
		args  []interface{}
	)
	if f.Type != "" {
		where = append(where, "activity_type = ?")
		args = append(args, f.Type)
	}
	if f.JobID != "" {
		where = append(where, "job_id = ?")
		args = append(args, f.JobID)
	}
	if !f.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, f.Since.UTC())
	}

	query := `SELECT timestamp, actor, job_id, activity_type, description, metadata, success, error_message
		FROM activity_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := al.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query activities: %w", err)
	}
	defer rows.Close()

	out := make([]*Activity, 0)
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanActivity(rows *sql.Rows) (*Activity, error) {
	var (
		a        Activity
		jobID    sql.NullString
		metadata sql.NullString
	)
	if err := rows.Scan(&a.Timestamp, &a.Actor, &jobID, &a.ActivityType,
		&a.Description, &metadata, &a.Success, &a.ErrorMessage); err != nil {
		return nil, fmt.Errorf("failed to scan activity: %w", err)
	}
	a.JobID = jobID.String
	if metadata.Valid && metadata.String != "" && metadata.String != "null" {
		if err := json.Unmarshal([]byte(metadata.String), &a.Metadata); err != nil {
			L().Warn("activity_metadata_invalid", "error", err)
		}
	}
	return &a, nil
}

func (al *ActivityLogger) logToDatabase(activity *Activity) error {
	if al.db == nil {
		return nil
	}

	metadataJSON, err := json.Marshal(activity.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = al.db.Exec(`
		INSERT INTO activity_log (
			timestamp, actor, job_id, activity_type,
			description, metadata, success, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		activity.Timestamp,
		activity.Actor,
		nullString(activity.JobID),
		activity.ActivityType,
		activity.Description,
		string(metadataJSON),
		activity.Success,
		activity.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert activity: %w", err)
	}

	return nil
}

func (al *ActivityLogger) logToFile(activity *Activity) error {
	currentDate := al.now().UTC().Format("2006-01-02")

	if al.currentFile == nil || al.currentDate != currentDate {
		if err := al.rotateLogFile(currentDate); err != nil {
			return fmt.Errorf("failed to rotate log file: %w", err)
		}
	}

	line, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("failed to marshal activity: %w", err)
	}

	if _, err := fmt.Fprintf(al.currentFile, "%s\n", line); err != nil {
		return fmt.Errorf("failed to write to log file: %w", err)
	}

	if activity.ActivityType == ActivityJobFinish || activity.ActivityType == ActivityError {
		_ = al.currentFile.Sync()
	}

	return nil
}

func (al *ActivityLogger) rotateLogFile(date string) error {
	if al.currentFile != nil {
		_ = al.currentFile.Close()
		al.currentFile = nil
	}

	logPath := filepath.Join(al.logDir, fmt.Sprintf("activity-%s.log", date))

	file, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	al.currentFile = file
	al.currentDate = date

	L().Debug("activity_log_rotated", "path", logPath)
	return nil
}

// Close closes the activity logger
func (al *ActivityLogger) Close() error {
	if al == nil {
		return nil
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	if al.currentFile != nil {
		err := al.currentFile.Close()
		al.currentFile = nil
		return err
	}

	return nil
}

// CleanupOldActivities removes activities older than a specified duration
func (al *ActivityLogger) CleanupOldActivities(olderThan time.Duration) (int64, error) {
	if al.db == nil {
		return 0, fmt.Errorf("database not available")
	}

	cutoff := al.now().UTC().Add(-olderThan)

	result, err := al.db.Exec(`DELETE FROM activity_log WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old activities: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	L().Info("activity_cleanup", "removed", rowsAffected, "older_than", olderThan.String())

	return rowsAffected, nil
}

func nullString(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

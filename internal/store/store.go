// Package store implements C1, the Task Store: a single-writer durable
// key-value table keyed by task_id, backed by gorm and a pure-Go sqlite
// driver (no cgo), following the teacher's internal/storage/models.go
// gorm model and internal/storage/db.go access pattern.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Growatt-New-Energy-B-V/markitdown-vision-service/internal/apperr"
	"github.com/Growatt-New-Energy-B-V/markitdown-vision-service/internal/task"
)

// ErrAlreadyExists is returned by Create on a primary-key collision.
var ErrAlreadyExists = errors.New("task already exists")

// Store is the sole writer of task state transitions.
type Store struct {
	db *gorm.DB
}

// Open creates (or attaches to) the sqlite database at path and ensures
// the tasks table and its status/expires_at indexes exist.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if err := db.AutoMigrate(&task.Task{}); err != nil {
		return nil, fmt.Errorf("migrate tasks table: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Create inserts a new task row. Durability: gorm commits synchronously by
// default, so a successful return means the row is durable before the
// caller proceeds to enqueue the task.
func (s *Store) Create(t *task.Task) error {
	if err := s.db.Create(t).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrAlreadyExists
		}
		return apperr.Internal("create task", err)
	}
	return nil
}

// Get returns the task row for id, or apperr.NotFoundError.
func (s *Store) Get(id string) (*task.Task, error) {
	var t task.Task
	err := s.db.First(&t, "task_id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &apperr.NotFoundError{TaskID: id}
	}
	if err != nil {
		return nil, apperr.Internal("get task", err)
	}
	return &t, nil
}

// UpdateStatus atomically updates status and any non-zero fields in
// patch. Callers (the worker, the janitor) are responsible for enforcing
// the transition DAG before calling this; the store persists whatever it
// is given.
func (s *Store) UpdateStatus(id string, to task.Status, patch task.StatusPatch) error {
	updates := map[string]any{"status": to}
	if patch.StartedAt != nil {
		updates["started_at"] = patch.StartedAt
	}
	if patch.FinishedAt != nil {
		updates["finished_at"] = patch.FinishedAt
	}
	if patch.ErrorCode != "" {
		updates["error_code"] = patch.ErrorCode
	}
	if patch.ErrorMessage != "" {
		updates["error_message"] = task.TruncateErrorMessage(patch.ErrorMessage)
	}
	if patch.OutputFiles != nil {
		t := task.Task{}
		t.SetOutputFiles(patch.OutputFiles)
		updates["output_files"] = t.OutputFilesJSON
	}

	res := s.db.Model(&task.Task{}).Where("task_id = ?", id).Updates(updates)
	if res.Error != nil {
		return apperr.Internal("update task status", res.Error)
	}
	if res.RowsAffected == 0 {
		return &apperr.NotFoundError{TaskID: id}
	}
	return nil
}

// UpdateWebhookTelemetry touches only webhook delivery fields.
func (s *Store) UpdateWebhookTelemetry(id string, statusCode, attemptCount int) error {
	now := time.Now().UTC()
	res := s.db.Model(&task.Task{}).Where("task_id = ?", id).Updates(map[string]any{
		"webhook_last_status":     statusCode,
		"webhook_last_attempt_at": &now,
		"webhook_attempt_count":   attemptCount,
	})
	if res.Error != nil {
		return apperr.Internal("update webhook telemetry", res.Error)
	}
	return nil
}

// ListQueued returns up to limit queued tasks, oldest-first, used for
// crash recovery at startup (spec.md §4.2).
func (s *Store) ListQueued(limit int) ([]task.Task, error) {
	var tasks []task.Task
	err := s.db.Where("status = ?", task.StatusQueued).
		Order("created_at ASC").
		Limit(limit).
		Find(&tasks).Error
	if err != nil {
		return nil, apperr.Internal("list queued tasks", err)
	}
	return tasks, nil
}

// ListExpired returns completed/failed tasks whose expires_at has passed.
func (s *Store) ListExpired(now time.Time) ([]task.Task, error) {
	var tasks []task.Task
	err := s.db.Where("status IN ? AND expires_at < ?",
		[]task.Status{task.StatusCompleted, task.StatusFailed}, now).
		Find(&tasks).Error
	if err != nil {
		return nil, apperr.Internal("list expired tasks", err)
	}
	return tasks, nil
}

// MarkExpired performs the terminal completed|failed -> expired transition.
func (s *Store) MarkExpired(id string) error {
	return s.UpdateStatus(id, task.StatusExpired, task.StatusPatch{})
}

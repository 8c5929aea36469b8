// Package task defines the Task record, its status DAG, and the
// read/write shapes exposed over the wire. A Task is the single
// first-class entity of the conversion service; internal/store is its
// sole writer of state transitions.
package task

import (
	"encoding/json"
	"time"
)

// Status is one of the five legal lifecycle states. Transitions form a
// DAG: queued->running, running->completed, running->failed,
// completed->expired, failed->expired. No other edge is legal.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// transitions enumerates the legal DAG edges.
var transitions = map[Status]map[Status]bool{
	StatusQueued:    {StatusRunning: true},
	StatusRunning:   {StatusCompleted: true, StatusFailed: true},
	StatusCompleted: {StatusExpired: true},
	StatusFailed:    {StatusExpired: true},
}

// CanTransition reports whether moving from `from` to `to` is a legal DAG
// edge. The store persists whatever it is given; the worker and the
// janitor do not call this, and instead only issue DAG edges by
// construction (the worker claims only `queued` rows, the janitor expires
// only the completed/failed rows ListExpired returns).
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// Task is the durable record of one document-conversion job.
type Task struct {
	TaskID               string     `gorm:"primaryKey;column:task_id"`
	Status               Status     `gorm:"column:status;index"`
	OriginalFilename     string     `gorm:"column:original_filename"`
	ContentType          string     `gorm:"column:content_type"`
	SizeBytes            int64      `gorm:"column:size_bytes"`
	DescribeImages       bool       `gorm:"column:describe_images"`
	WebhookURL           string     `gorm:"column:webhook_url"`
	CreatedAt            time.Time  `gorm:"column:created_at"`
	StartedAt            *time.Time `gorm:"column:started_at"`
	FinishedAt           *time.Time `gorm:"column:finished_at"`
	ExpiresAt            time.Time  `gorm:"column:expires_at;index"`
	ErrorCode            string     `gorm:"column:error_code"`
	ErrorMessage         string     `gorm:"column:error_message"`
	OutputFilesJSON      string     `gorm:"column:output_files"`
	WebhookLastStatus    int        `gorm:"column:webhook_last_status"`
	WebhookLastAttemptAt *time.Time `gorm:"column:webhook_last_attempt_at"`
	WebhookAttemptCount  int        `gorm:"column:webhook_attempt_count"`
}

// TableName pins the gorm table name regardless of struct renames.
func (Task) TableName() string { return "tasks" }

// OutputFiles decodes the JSON-encoded output_files column.
func (t *Task) OutputFiles() []string {
	if t.OutputFilesJSON == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(t.OutputFilesJSON), &out); err != nil {
		return nil
	}
	return out
}

// SetOutputFiles encodes files into the output_files column.
func (t *Task) SetOutputFiles(files []string) {
	b, _ := json.Marshal(files)
	t.OutputFilesJSON = string(b)
}

// ErrorMessageLimit is the maximum length persisted for error_message.
const ErrorMessageLimit = 500

// TruncateErrorMessage enforces the 500-char ceiling from the data model.
func TruncateErrorMessage(msg string) string {
	if len(msg) <= ErrorMessageLimit {
		return msg
	}
	return msg[:ErrorMessageLimit]
}

// FilenameLimit is the maximum length of a sanitized original_filename.
const FilenameLimit = 255

// StatusPatch is the set of mutable fields a caller may update alongside a
// status transition. Zero-value fields are left untouched by the store.
type StatusPatch struct {
	StartedAt    *time.Time
	FinishedAt   *time.Time
	ErrorCode    string
	ErrorMessage string
	OutputFiles  []string
}

// WebhookPayload is the exact JSON body posted to a registered webhook URL.
type WebhookPayload struct {
	TaskID       string     `json:"task_id"`
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Outputs      []string   `json:"outputs,omitempty"`
	ErrorCode    string     `json:"error_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// Payload builds the webhook payload for a terminal task.
func (t *Task) Payload() WebhookPayload {
	p := WebhookPayload{
		TaskID:     t.TaskID,
		Status:     t.Status,
		CreatedAt:  t.CreatedAt,
		StartedAt:  t.StartedAt,
		FinishedAt: t.FinishedAt,
	}
	switch t.Status {
	case StatusCompleted:
		p.Outputs = t.OutputFiles()
	case StatusFailed:
		p.ErrorCode = t.ErrorCode
		p.ErrorMessage = t.ErrorMessage
	}
	return p
}

// StatusResponse is the JSON shape returned by GET /tasks/{id}.
type StatusResponse struct {
	TaskID           string     `json:"task_id"`
	Status           Status     `json:"status"`
	OriginalFilename string     `json:"original_filename"`
	SizeBytes        int64      `json:"size_bytes"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	Outputs          []string   `json:"outputs,omitempty"`
	ErrorCode        string     `json:"error_code,omitempty"`
	ErrorMessage     string     `json:"error_message,omitempty"`
}

// ToStatusResponse projects the store record into the wire shape.
func (t *Task) ToStatusResponse() StatusResponse {
	r := StatusResponse{
		TaskID:           t.TaskID,
		Status:           t.Status,
		OriginalFilename: t.OriginalFilename,
		SizeBytes:        t.SizeBytes,
		CreatedAt:        t.CreatedAt,
		StartedAt:        t.StartedAt,
		FinishedAt:       t.FinishedAt,
	}
	switch t.Status {
	case StatusCompleted:
		r.Outputs = t.OutputFiles()
	case StatusFailed:
		r.ErrorCode = t.ErrorCode
		r.ErrorMessage = t.ErrorMessage
	}
	return r
}

// CreateResponse is the JSON shape returned by POST /tasks.
type CreateResponse struct {
	TaskID string `json:"task_id"`
	Status Status `json:"status"`
}

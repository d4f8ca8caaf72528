package dispatch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// attemptRecord is written once per (attempt, model) pair, matching the
// per-interaction structured log the dispatcher is required to produce:
// every vendor call is individually observable, success or failure.
type attemptRecord struct {
	RequestID        string    `json:"request_id"`
	Timestamp        time.Time `json:"timestamp"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	Request          string    `json:"request"`
	Response         string    `json:"response,omitempty"`
	Error            string    `json:"error,omitempty"`
	DurationMS       int64     `json:"duration_ms"`
}

// AttemptLogger persists one attemptRecord per dispatch attempt.
type AttemptLogger interface {
	Log(record attemptRecord)
}

// FileAttemptLogger writes each attempt as its own JSON file under Dir,
// named deterministically from timestamp and request id so concurrent
// dispatches never collide.
type FileAttemptLogger struct {
	Dir string
}

func NewFileAttemptLogger(dir string) *FileAttemptLogger {
	return &FileAttemptLogger{Dir: dir}
}

func (f *FileAttemptLogger) Log(record attemptRecord) {
	if f.Dir == "" {
		return
	}
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return
	}
	name := fmt.Sprintf("%s-%s.json", record.Timestamp.UTC().Format("20060102T150405.000000000Z"), record.RequestID)
	path := filepath.Join(f.Dir, name)
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(path, data, 0o644)
}

func (d *Dispatcher) logAttempt(rec attemptRecord) {
	rec.RequestID = uuid.NewString()
	rec.Timestamp = time.Now().UTC()
	rec.TotalTokens = rec.PromptTokens + rec.CompletionTokens
	if d.promptLog != nil {
		d.promptLog.Log(rec)
	}
}

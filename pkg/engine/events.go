package engine

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/openevolve/openevolve-go/pkg/errors"
)

// Event types written to the run's append-only event log.
const (
	EventSlot       = "slot"
	EventGeneration = "generation"
	EventFatal      = "fatal"
)

// Event is one structured record in runs/<run_id>/events.jsonl.
type Event struct {
	Type         string    `json:"type"`
	RunID        string    `json:"run_id"`
	Generation   int       `json:"generation"`
	Slot         int       `json:"slot,omitempty"`
	CandID       string    `json:"cand_id,omitempty"`
	MetaPromptID string    `json:"meta_prompt_id,omitempty"`
	Accepted     bool      `json:"accepted"`
	Rejected     bool      `json:"rejected"`
	Error        string    `json:"error,omitempty"`
	ArchiveSize  int       `json:"archive_size,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// EventSink appends events to a JSONL file. These files are advisory
// mirrors of the Store for human inspection.
type EventSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewEventSink opens the log at path in append mode.
func NewEventSink(path string) (*EventSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "failed to open event log")
	}
	return &EventSink{file: f}, nil
}

// Emit appends one event, stamping the time when unset.
func (s *EventSink) Emit(ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, errors.Unknown, "failed to marshal event")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(append(payload, '\n')); err != nil {
		return errors.Wrap(err, errors.Unknown, "failed to append event")
	}
	return nil
}

// Close flushes and closes the log.
func (s *EventSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.Sync(); err != nil {
		return err
	}
	return s.file.Close()
}

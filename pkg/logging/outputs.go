package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// ConsoleOutput formats logs for human readability.
type ConsoleOutput struct {
	mu     sync.Mutex
	writer io.Writer
	color  bool // Whether to use ANSI color codes
}

type ConsoleOutputOption func(*ConsoleOutput)

func WithColor(enabled bool) ConsoleOutputOption {
	return func(c *ConsoleOutput) {
		c.color = enabled
	}
}

func NewConsoleOutput(useStderr bool, opts ...ConsoleOutputOption) *ConsoleOutput {
	writer := os.Stdout
	if useStderr {
		writer = os.Stderr
	}

	c := &ConsoleOutput{
		writer: writer,
		color:  true,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Helper function to get ANSI color codes for different severity levels.
func getSeverityColor(s Severity) string {
	switch s {
	case DEBUG:
		return "\033[37m" // Gray
	case INFO:
		return "\033[32m" // Green
	case WARN:
		return "\033[33m" // Yellow
	case ERROR:
		return "\033[31m" // Red
	case FATAL:
		return "\033[35m" // Magenta
	default:
		return ""
	}
}

func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}

	var result string
	for k, v := range fields {
		// Truncate long text such as prompts and patches for console display
		str := fmt.Sprintf("%v", v)
		if len(str) > 100 {
			result += fmt.Sprintf("%s=%q ", k, str[:97]+"...")
		} else {
			result += fmt.Sprintf("%s=%v ", k, v)
		}
	}

	return result
}

func (o *ConsoleOutput) Write(e LogEntry) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	timestamp := time.Unix(0, e.Time).Format("2006-01-02 15:04:05.000")

	var levelColor, resetColor string
	if o.color {
		levelColor = getSeverityColor(e.Severity)
		resetColor = "\033[0m"
	}

	basic := fmt.Sprintf("%s %s%-5s%s [%s:%d] %s",
		timestamp,
		levelColor,
		e.Severity,
		resetColor,
		e.File,
		e.Line,
		e.Message,
	)

	if e.RunID != "" {
		basic += fmt.Sprintf(" [run=%s]", e.RunID)
	}
	if e.Generation >= 0 {
		basic += fmt.Sprintf(" [gen=%d]", e.Generation)
	}
	if e.CandidateID != "" {
		basic += fmt.Sprintf(" [cand=%s]", e.CandidateID)
	}
	if len(e.Fields) > 0 {
		basic += " " + formatFields(e.Fields)
	}

	_, err := fmt.Fprintln(o.writer, basic)
	return err
}

func (o *ConsoleOutput) Sync() error { return nil }

func (o *ConsoleOutput) Close() error { return nil }

// jsonEntry is the wire shape written by JSONLOutput.
type jsonEntry struct {
	Time        string                 `json:"time"`
	Severity    string                 `json:"severity"`
	Message     string                 `json:"message"`
	RunID       string                 `json:"run_id,omitempty"`
	Generation  *int                   `json:"generation,omitempty"`
	CandidateID string                 `json:"candidate_id,omitempty"`
	Fields      map[string]interface{} `json:"fields,omitempty"`
}

// JSONLOutput appends one JSON object per log entry to a file. The engine's
// run event log does not go through it; pkg/engine writes events.jsonl with
// its own EventSink.
type JSONLOutput struct {
	mu   sync.Mutex
	file *os.File
}

// NewJSONLOutput opens (or creates) the file at path in append mode.
func NewJSONLOutput(path string) (*JSONLOutput, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &JSONLOutput{file: f}, nil
}

func (o *JSONLOutput) Write(e LogEntry) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry := jsonEntry{
		Time:        time.Unix(0, e.Time).UTC().Format(time.RFC3339Nano),
		Severity:    e.Severity.String(),
		Message:     e.Message,
		RunID:       e.RunID,
		CandidateID: e.CandidateID,
		Fields:      e.Fields,
	}
	if e.Generation >= 0 {
		gen := e.Generation
		entry.Generation = &gen
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if _, err := o.file.Write(append(payload, '\n')); err != nil {
		return err
	}
	return nil
}

func (o *JSONLOutput) Sync() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.file.Sync()
}

func (o *JSONLOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.file.Close()
}

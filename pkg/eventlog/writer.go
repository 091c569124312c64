// Package eventlog provides daily-rotated JSONL logging of fleet events, for
// operators who want a plain-text tail rather than querying the sqlite audit
// trail in pkg/auditlog.
package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"studiofleet/pkg/events"
)

// Writer handles structured logging of fleet events to daily rotated JSONL
// log files.
type Writer struct {
	logDir      string
	currentFile *os.File
	currentDate string
	mu          sync.Mutex
}

// NewWriter creates a new event log writer with daily rotation in the
// specified directory.
func NewWriter(logDir string) (*Writer, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	w := &Writer{logDir: logDir}
	if err := w.rotateIfNeeded(); err != nil {
		return nil, fmt.Errorf("failed to initialize log file: %w", err)
	}
	return w, nil
}

// WriteEvent appends ev to the current log file with automatic rotation.
func (w *Writer) WriteEvent(ev events.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateIfNeeded(); err != nil {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}

	jsonData, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	if _, err := w.currentFile.Write(jsonData); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if _, err := w.currentFile.WriteString("\n"); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	return w.currentFile.Sync()
}

// Subscribe drains sub's channel into the writer until it's closed. A write
// failure is discarded rather than reported or panicked on; Subscribe
// returns nothing through which a caller could observe it.
func (w *Writer) Subscribe(sub *events.Subscription) {
	go func() {
		for ev := range sub.Events() {
			_ = w.WriteEvent(ev) // best-effort: a full disk must not crash the controller
		}
	}()
}

func (w *Writer) rotateIfNeeded() error {
	newDate := time.Now().Format("2006-01-02")
	if w.currentFile == nil || w.currentDate != newDate {
		return w.rotate(newDate)
	}
	return nil
}

func (w *Writer) rotate(newDate string) error {
	if w.currentFile != nil {
		if err := w.currentFile.Close(); err != nil {
			return fmt.Errorf("failed to close current log file: %w", err)
		}
	}

	name := fmt.Sprintf("events-%s.jsonl", newDate)
	path := filepath.Join(w.logDir, name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}

	w.currentFile = file
	w.currentDate = newDate
	return nil
}

// Close closes the current log file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile != nil {
		err := w.currentFile.Close()
		w.currentFile = nil
		if err != nil {
			return fmt.Errorf("failed to close event log file: %w", err)
		}
	}
	return nil
}

// GetCurrentLogFile returns the path of the currently active log file.
func (w *Writer) GetCurrentLogFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentFile == nil {
		return ""
	}
	return filepath.Join(w.logDir, fmt.Sprintf("events-%s.jsonl", w.currentDate))
}

// ReadEvents reads and parses events from a specific log file.
func ReadEvents(logFilePath string) ([]events.Event, error) {
	data, err := os.ReadFile(logFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}

	var out []events.Event
	var line []byte
	flush := func() error {
		if len(line) == 0 {
			return nil
		}
		var ev events.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return fmt.Errorf("failed to parse event: %w", err)
		}
		out = append(out, ev)
		line = nil
		return nil
	}

	for _, b := range data {
		if b == '\n' {
			if err := flush(); err != nil {
				return nil, err
			}
			continue
		}
		line = append(line, b)
	}
	if err := flush(); err != nil {
		return nil, err
	}

	return out, nil
}

// ListLogFiles returns all event log files in the log directory.
func ListLogFiles(logDir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(logDir, "events-*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to list log files: %w", err)
	}
	return files, nil
}

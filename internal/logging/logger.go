package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// DispatchLog represents a single task dispatch log entry: one
// execution-pipeline run for one message (§4.9).
type DispatchLog struct {
	Timestamp   time.Time `json:"timestamp"`
	TaskID      string    `json:"task_id"`
	TaskName    string    `json:"task_name"`
	Queue       string    `json:"queue"`
	Worker      string    `json:"worker"`
	DurationMs  int64     `json:"duration_ms"`
	Outcome     string    `json:"outcome"`
	Retries     int       `json:"retries,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Logger writes DispatchLog entries to console and/or a JSON file,
// distinct from the operational Op() logger.
type Logger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var defaultLogger = &Logger{enabled: true, console: true}

// Default returns the process-wide dispatch logger.
func Default() *Logger {
	return defaultLogger
}

// SetOutput directs dispatch logs to a JSON file in addition to the
// console.
func (l *Logger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole enables/disables console output.
func (l *Logger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log writes a dispatch log entry.
func (l *Logger) Log(entry *DispatchLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	entry.Timestamp = time.Now()

	if l.console {
		retry := ""
		if entry.Retries > 0 {
			retry = fmt.Sprintf(" [retry:%d]", entry.Retries)
		}
		fmt.Printf("[dispatch] %s %s %s %dms%s\n",
			entry.Outcome, entry.TaskID, entry.TaskName, entry.DurationMs, retry)
		if entry.Error != "" {
			fmt.Printf("[dispatch]   error: %s\n", entry.Error)
		}
	}

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the log file, if any.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

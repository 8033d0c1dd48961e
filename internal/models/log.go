package models

import (
	"strings"
	"time"
)

// LogLevel classifies a job log line.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// NormalizeLogLevel maps arbitrary input onto a known level, defaulting to info.
func NormalizeLogLevel(value string) LogLevel {
	switch LogLevel(strings.ToLower(strings.TrimSpace(value))) {
	case LogLevelDebug:
		return LogLevelDebug
	case LogLevelWarning:
		return LogLevelWarning
	case LogLevelError:
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// LogEntry is one line of job output. Entries are immutable once appended;
// Seq is assigned by the hub at arrival time, so ordering reflects arrival
// order and tolerates out-of-order network delivery.
type LogEntry struct {
	// JobID is the job the entry belongs to.
	JobID string `json:"job_id"`

	// Seq is strictly increasing and gapless within a job.
	Seq int64 `json:"seq"`

	// Timestamp is when the hub stored the entry.
	Timestamp time.Time `json:"timestamp"`

	// Level is the severity of the line.
	Level LogLevel `json:"level"`

	// Message is the log text.
	Message string `json:"message"`
}

package podsub

import "time"

// LogLevel orders job-scoped log entries from debug to critical.
type LogLevel string

const (
	LogLevelDebug    LogLevel = "debug"
	LogLevelInfo     LogLevel = "info"
	LogLevelWarning  LogLevel = "warning"
	LogLevelError    LogLevel = "error"
	LogLevelCritical LogLevel = "critical"
)

// logLevelRank supports MinLevel filtering; unknown levels rank lowest.
var logLevelRank = map[LogLevel]int{
	LogLevelDebug:    1,
	LogLevelInfo:     2,
	LogLevelWarning:  3,
	LogLevelError:    4,
	LogLevelCritical: 5,
}

// AtLeast reports whether l is at or above min severity.
func (l LogLevel) AtLeast(min LogLevel) bool {
	return logLevelRank[l] >= logLevelRank[min]
}

// LogLevelsAtLeast returns every level at or above min, for IN-clause
// filtering by stores that cannot compare levels natively.
func LogLevelsAtLeast(min LogLevel) []LogLevel {
	ordered := []LogLevel{LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError, LogLevelCritical}
	var out []LogLevel
	for _, l := range ordered {
		if l.AtLeast(min) {
			out = append(out, l)
		}
	}
	return out
}

// LogEntry is one append-only, optionally job-scoped message.
type LogEntry struct {
	ID        uint              `json:"id" db:"id"`
	JobID     *uint             `json:"job_id" db:"job_id"`
	Level     LogLevel          `json:"level" db:"level"`
	Message   string            `json:"message" db:"message"`
	Metadata  map[string]string `json:"metadata" db:"-"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
}

// LogFilter selects entries for ListLogs. Zero values mean "any".
type LogFilter struct {
	JobID    *uint
	MinLevel LogLevel
	Since    time.Time
	// Limit caps the number of returned entries, oldest first. 0 means no cap.
	Limit int
}

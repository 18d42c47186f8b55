package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/iteam1/reviewbot/pkg/models"
)

const previewLen = 200

// RunLogger carries the fields of one pipeline run. Every line it emits has
// the run id attached, and, when a run directory is configured, is also
// written as JSON to a per-run log file.
//
// All methods are safe on a nil receiver.
type RunLogger struct {
	runID      string
	logger     zerolog.Logger
	fileLogger *zerolog.Logger
	logFile    *os.File
	mutex      sync.Mutex
	startTime  time.Time
}

// NewRunLogger derives a run-scoped logger from base.
func NewRunLogger(base zerolog.Logger, runID string) *RunLogger {
	return &RunLogger{
		runID:     runID,
		logger:    base.With().Str("run_id", runID).Logger(),
		startTime: time.Now(),
	}
}

// StartRunLogging is like NewRunLogger but additionally writes every line to
// dir/run_<id>_<timestamp>.log. An empty dir disables the file.
func StartRunLogging(base zerolog.Logger, runID, dir string) (*RunLogger, error) {
	r := NewRunLogger(base, runID)
	if dir == "" {
		return r, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	timestamp := r.startTime.Format("20060102_150405")
	logPath := filepath.Join(dir, fmt.Sprintf("run_%s_%s.log", runID, timestamp))
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}

	fl := zerolog.New(logFile).With().Timestamp().Str("run_id", runID).Logger()
	r.logFile = logFile
	r.fileLogger = &fl
	return r, nil
}

// RunID returns the run identifier.
func (r *RunLogger) RunID() string {
	if r == nil {
		return ""
	}
	return r.runID
}

// WithEvent attaches the change-request coordinates to every later line.
func (r *RunLogger) WithEvent(ev *models.PullRequestEvent) {
	if r == nil || ev == nil {
		return
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.logger = withEvent(r.logger, ev)
	if r.fileLogger != nil {
		fl := withEvent(*r.fileLogger, ev)
		r.fileLogger = &fl
	}
}

func withEvent(l zerolog.Logger, ev *models.PullRequestEvent) zerolog.Logger {
	return l.With().
		Str("provider", string(ev.Provider)).
		Str("project", ev.ProjectPath).
		Int("request", ev.RequestNumber).
		Str("head", ev.ShortCommit()).
		Logger()
}

// Logger exposes the console logger of the run.
func (r *RunLogger) Logger() *zerolog.Logger {
	if r == nil {
		l := zerolog.Nop()
		return &l
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	l := r.logger
	return &l
}

// emit builds the same line on the console logger and the run file.
func (r *RunLogger) emit(level zerolog.Level, build func(e *zerolog.Event)) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	build(r.logger.WithLevel(level))
	if r.fileLogger != nil {
		build(r.fileLogger.WithLevel(level))
	}
}

// Log writes an info line.
func (r *RunLogger) Log(format string, args ...interface{}) {
	if r == nil {
		return
	}
	elapsed := time.Since(r.startTime).Round(time.Millisecond)
	r.emit(zerolog.InfoLevel, func(e *zerolog.Event) {
		e.Dur("elapsed", elapsed).Msgf(format, args...)
	})
}

// Warn writes a warning line.
func (r *RunLogger) Warn(format string, args ...interface{}) {
	if r == nil {
		return
	}
	r.emit(zerolog.WarnLevel, func(e *zerolog.Event) {
		e.Msgf(format, args...)
	})
}

// LogSection marks the start of a pipeline step.
func (r *RunLogger) LogSection(title string) {
	if r == nil {
		return
	}
	r.emit(zerolog.InfoLevel, func(e *zerolog.Event) {
		e.Str("section", title).Msg(strings.Repeat("=", 20) + " " + title)
	})
}

// LogRequest logs an LLM request. The prompt preview is only emitted at debug.
func (r *RunLogger) LogRequest(batchID, model, prompt string) {
	if r == nil {
		return
	}
	r.emit(zerolog.InfoLevel, func(e *zerolog.Event) {
		e.Str("batch", batchID).Str("model", model).Int("prompt_chars", len(prompt)).Msg("LLM request")
	})
	r.emit(zerolog.DebugLevel, func(e *zerolog.Event) {
		e.Str("batch", batchID).Str("prompt_head", truncateString(prompt, previewLen)).Msg("LLM prompt")
	})
}

// LogResponse logs an LLM response.
func (r *RunLogger) LogResponse(batchID, response string) {
	if r == nil {
		return
	}
	r.emit(zerolog.InfoLevel, func(e *zerolog.Event) {
		e.Str("batch", batchID).Int("response_chars", len(response)).Msg("LLM response")
	})
	r.emit(zerolog.DebugLevel, func(e *zerolog.Event) {
		e.Str("batch", batchID).
			Str("response_head", truncateString(response, previewLen)).
			Str("response_tail", lastChars(response, previewLen)).
			Msg("LLM response body")
	})
}

// LogError logs an error together with the operation it happened in.
func (r *RunLogger) LogError(context string, err error) {
	if r == nil {
		return
	}
	r.emit(zerolog.ErrorLevel, func(e *zerolog.Event) {
		e.Err(err).Str("context", context).Msg("ERROR in " + context)
	})
}

// Close logs the run duration and closes the run file.
func (r *RunLogger) Close() {
	if r == nil {
		return
	}
	duration := time.Since(r.startTime)
	r.emit(zerolog.InfoLevel, func(e *zerolog.Event) {
		e.Dur("duration", duration).Msg("run logging completed")
	})

	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.logFile != nil {
		r.logFile.Sync()
		r.logFile.Close()
		r.logFile = nil
		r.fileLogger = nil
	}
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func lastChars(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}

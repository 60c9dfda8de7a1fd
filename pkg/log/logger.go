// Package log provides structured logging utilities for the hivepool services.
// It wraps the standard library's slog package with mining-specific helpers.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

type contextKey string

// RequestIDKey and TraceIDKey are the context keys picked up by WithContext.
const (
	RequestIDKey contextKey = "request_id"
	TraceIDKey   contextKey = "trace_id"
)

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger writing to stdout
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a logger writing to w
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	logLevel := ParseLevel(level)

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger:  slog.New(handler).With("service", service, "version", version),
		service: service,
		version: version,
	}
}

// Discard returns a logger that drops every record. Used by tests.
func Discard() *Logger {
	return &Logger{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1})),
		service: "discard",
	}
}

// ParseLevel maps a level name to a slog level, defaulting to info
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Service returns the service name the logger was created with
func (l *Logger) Service() string {
	return l.service
}

// WithContext returns a logger with request and trace ids taken from ctx
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger
	if reqID := ctx.Value(RequestIDKey); reqID != nil {
		logger = logger.With("request_id", reqID)
	}
	if traceID := ctx.Value(TraceIDKey); traceID != nil {
		logger = logger.With("trace_id", traceID)
	}
	return &Logger{Logger: logger, service: l.service, version: l.version}
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithMiner returns a logger with miner-specific fields
func (l *Logger) WithMiner(minerID, remoteAddr string) *Logger {
	return l.WithFields("miner_id", minerID, "remote_addr", remoteAddr)
}

// WithJob returns a logger with job-specific fields
func (l *Logger) WithJob(jobID string, nbits uint32) *Logger {
	return l.WithFields("job_id", jobID, "nbits", nbits)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogDuration logs the duration of an operation
func (l *Logger) LogDuration(operation string, duration time.Duration) {
	l.Debug("operation completed",
		"operation", operation,
		"duration_ms", float64(duration.Nanoseconds())/1e6,
	)
}

// LogConnection logs connection events
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}

// LogProtocolMessage logs wire messages (debug level)
func (l *Logger) LogProtocolMessage(direction, message string) {
	l.Debug("protocol message",
		"direction", direction,
		"message", message,
	)
}

// LogShareSubmission logs share submissions
func (l *Logger) LogShareSubmission(minerID, jobID string, difficulty float64, status string) {
	l.Info("share submission",
		"miner_id", minerID,
		"job_id", jobID,
		"difficulty", difficulty,
		"status", status,
	)
}

// LogBlockFound logs when a block is found
func (l *Logger) LogBlockFound(blockHash, minerID string, nbits uint32) {
	l.Info("block found",
		"block_hash", blockHash,
		"miner_id", minerID,
		"nbits", nbits,
	)
}

// LogJobDistribution logs a template broadcast
func (l *Logger) LogJobDistribution(nbits uint32, minerCount int) {
	l.Info("template distributed",
		"nbits", nbits,
		"miner_count", minerCount,
	)
}

// LogRewardDistribution logs the result of a reward distribution
func (l *Logger) LogRewardDistribution(txid string, reward int64, miners int, retained int64) {
	l.Info("reward distributed",
		"txid", txid,
		"reward_sat", reward,
		"miners", miners,
		"retained_sat", retained,
	)
}

// LogPayout logs a payout batch
func (l *Logger) LogPayout(txid string, miners int, total int64, status string) {
	l.Info("payout batch",
		"txid", txid,
		"miners", miners,
		"total_sat", total,
		"status", status,
	)
}

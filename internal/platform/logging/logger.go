// Package logging provides the orchestrator's structured logger. It stays
// dependency-free at this layer, the same choice the teacher framework's
// core module makes, and leaves trace/metric export to the telemetry
// package that wraps it (see DESIGN.md).
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Logger is the minimal structured-logging contract used across every
// package in this module.
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})

	DebugContext(ctx context.Context, msg string, fields map[string]interface{})
	InfoContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorContext(ctx context.Context, msg string, fields map[string]interface{})

	With(component string) Logger
}

type contextKey string

const traceContextKey contextKey = "turnpipe.trace"

// TraceFields attaches correlation fields (request_id, conversation_id,
// workspace_id, ...) to ctx so every log line emitted downstream carries
// them without threading them through every call site.
func TraceFields(ctx context.Context, fields map[string]string) context.Context {
	merged := map[string]string{}
	if existing, ok := ctx.Value(traceContextKey).(map[string]string); ok {
		for k, v := range existing {
			merged[k] = v
		}
	}
	for k, v := range fields {
		merged[k] = v
	}
	return context.WithValue(ctx, traceContextKey, merged)
}

func traceFieldsFromContext(ctx context.Context) map[string]string {
	if ctx == nil {
		return nil
	}
	f, _ := ctx.Value(traceContextKey).(map[string]string)
	return f
}

// Config selects the logger's output format and verbosity.
type Config struct {
	Level     string // debug|info|warn|error
	Format    string // json|text
	Output    io.Writer
	Service   string
	Component string
}

// StructuredLogger is the production implementation: JSON lines to an
// io.Writer (stdout by default), or a human-readable line for local dev.
type StructuredLogger struct {
	level     level
	format    string
	output    io.Writer
	service   string
	component string
}

type level int

const (
	levelDebug level = iota
	levelInfo
	levelWarn
	levelError
)

func parseLevel(s string) level {
	switch strings.ToLower(s) {
	case "debug":
		return levelDebug
	case "warn", "warning":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

// New creates a StructuredLogger from cfg, defaulting to JSON on stdout
// at info level.
func New(cfg Config) *StructuredLogger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	format := cfg.Format
	if format == "" {
		format = "json"
	}
	service := cfg.Service
	if service == "" {
		service = "turnpipe"
	}
	return &StructuredLogger{
		level:     parseLevel(cfg.Level),
		format:    format,
		output:    out,
		service:   service,
		component: cfg.Component,
	}
}

func (l *StructuredLogger) With(component string) Logger {
	next := *l
	if l.component != "" {
		next.component = l.component + "/" + component
	} else {
		next.component = component
	}
	return &next
}

func (l *StructuredLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(levelDebug, "DEBUG", msg, fields, nil)
}
func (l *StructuredLogger) Info(msg string, fields map[string]interface{}) {
	l.log(levelInfo, "INFO", msg, fields, nil)
}
func (l *StructuredLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(levelWarn, "WARN", msg, fields, nil)
}
func (l *StructuredLogger) Error(msg string, fields map[string]interface{}) {
	l.log(levelError, "ERROR", msg, fields, nil)
}

func (l *StructuredLogger) DebugContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(levelDebug, "DEBUG", msg, fields, ctx)
}
func (l *StructuredLogger) InfoContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(levelInfo, "INFO", msg, fields, ctx)
}
func (l *StructuredLogger) WarnContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(levelWarn, "WARN", msg, fields, ctx)
}
func (l *StructuredLogger) ErrorContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(levelError, "ERROR", msg, fields, ctx)
}

func (l *StructuredLogger) log(lv level, levelName, msg string, fields map[string]interface{}, ctx context.Context) {
	if lv < l.level {
		return
	}
	if l.format == "json" {
		entry := map[string]interface{}{
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"level":     levelName,
			"service":   l.service,
			"component": l.component,
			"message":   msg,
		}
		for k, v := range traceFieldsFromContext(ctx) {
			entry["trace."+k] = v
		}
		for k, v := range fields {
			entry[k] = v
		}
		if data, err := json.Marshal(entry); err == nil {
			fmt.Fprintln(l.output, string(data))
		}
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] [%s] %s", time.Now().Format(time.RFC3339), levelName, l.component, msg)
	for k, v := range traceFieldsFromContext(ctx) {
		fmt.Fprintf(&b, " trace.%s=%v", k, v)
	}
	for k, v := range fields {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	fmt.Fprintln(l.output, b.String())
}

// NoOpLogger discards everything; used as the zero-value default and in
// tests that don't assert on log output.
type NoOpLogger struct{}

func (NoOpLogger) Debug(string, map[string]interface{}) {}
func (NoOpLogger) Info(string, map[string]interface{})  {}
func (NoOpLogger) Warn(string, map[string]interface{})  {}
func (NoOpLogger) Error(string, map[string]interface{}) {}
func (NoOpLogger) DebugContext(context.Context, string, map[string]interface{}) {}
func (NoOpLogger) InfoContext(context.Context, string, map[string]interface{})  {}
func (NoOpLogger) WarnContext(context.Context, string, map[string]interface{})  {}
func (NoOpLogger) ErrorContext(context.Context, string, map[string]interface{}) {}
func (n NoOpLogger) With(string) Logger { return n }

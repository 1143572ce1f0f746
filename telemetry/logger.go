package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	otellog "go.opentelemetry.io/otel/log"
)

// Logger provides structured logging for the instrumentation core and
// the services embedding it.
//
// Output layers:
//   - Layer 1: console, JSON in Kubernetes and text locally. Always on.
//   - Layer 2: the pipeline's log provider, so log records share the
//     service resource and exporter with traces and metrics. Enabled
//     once a Pipeline attaches its provider.
//
// Error logs are rate limited so a dead collector cannot flood stdout.
// Loggers are constructed explicitly and injected; there is no package
// global.
type Logger struct {
	level       string
	debug       bool
	serviceName string
	format      string
	output      io.Writer
	mu          sync.RWMutex

	errorLimiter *RateLimiter

	otel otellog.Logger
}

// NewLogger creates a logger for the named service.
// Configuration priority:
//  1. Environment variables (LOG_LEVEL, LOG_FORMAT, TELEMETRY_DEBUG)
//  2. Auto-detection (JSON when running in Kubernetes)
//  3. Defaults
func NewLogger(serviceName string) *Logger {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "INFO"
	}
	level = strings.ToUpper(level)

	debug := os.Getenv("TELEMETRY_DEBUG") == "true" || level == "DEBUG"

	format := "text"
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		format = "json"
	}
	if envFormat := os.Getenv("LOG_FORMAT"); envFormat != "" {
		format = envFormat
	}

	return &Logger{
		level:        level,
		debug:        debug,
		serviceName:  serviceName,
		format:       format,
		output:       os.Stdout,
		errorLimiter: NewRateLimiter(1 * time.Second),
	}
}

// Info logs informational messages.
func (l *Logger) Info(msg string, fields map[string]interface{}) {
	l.log("INFO", msg, fields)
}

// Warn logs warning messages.
func (l *Logger) Warn(msg string, fields map[string]interface{}) {
	l.log("WARN", msg, fields)
}

// Error logs error messages, rate limited to one per second.
func (l *Logger) Error(msg string, fields map[string]interface{}) {
	if l.errorLimiter != nil && !l.errorLimiter.Allow() {
		return
	}
	l.log("ERROR", msg, fields)
}

// Debug logs debug messages when debug mode is enabled.
func (l *Logger) Debug(msg string, fields map[string]interface{}) {
	if !l.debug {
		return
	}
	l.log("DEBUG", msg, fields)
}

func (l *Logger) log(level, msg string, fields map[string]interface{}) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.shouldLog(level) {
		return
	}

	timestamp := time.Now().Format(time.RFC3339)
	if l.format == "json" {
		l.logJSON(timestamp, level, msg, fields)
	} else {
		l.logText(timestamp, level, msg, fields)
	}

	l.emitLogRecord(level, msg, fields)
}

func (l *Logger) logJSON(timestamp, level, msg string, fields map[string]interface{}) {
	entry := map[string]interface{}{
		"timestamp": timestamp,
		"level":     level,
		"service":   l.serviceName,
		"message":   msg,
	}
	for k, v := range fields {
		if k != "timestamp" && k != "level" && k != "service" && k != "message" {
			entry[k] = v
		}
	}
	if data, err := json.Marshal(entry); err == nil {
		fmt.Fprintln(l.output, string(data))
	}
}

func (l *Logger) logText(timestamp, level, msg string, fields map[string]interface{}) {
	var fieldStr strings.Builder
	for k, v := range fields {
		fieldStr.WriteString(fmt.Sprintf(" %s=%v", k, v))
	}
	fmt.Fprintf(l.output, "%s [%s] [%s] %s%s\n",
		timestamp, level, l.serviceName, msg, fieldStr.String())
}

var logLevels = map[string]int{
	"DEBUG": 0,
	"INFO":  1,
	"WARN":  2,
	"ERROR": 3,
}

func (l *Logger) shouldLog(level string) bool {
	currentLevel, ok1 := logLevels[l.level]
	messageLevel, ok2 := logLevels[level]
	if !ok1 || !ok2 {
		return true
	}
	return messageLevel >= currentLevel
}

// SetLevel dynamically updates the log level.
func (l *Logger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = strings.ToUpper(level)
	l.debug = l.level == "DEBUG"
}

// SetOutput changes the console writer. Used by tests.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}

// attachLogProvider enables Layer 2 emission through the pipeline's
// log provider.
func (l *Logger) attachLogProvider(provider otellog.LoggerProvider) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.otel = provider.Logger(l.serviceName)
}

var logSeverities = map[string]otellog.Severity{
	"DEBUG": otellog.SeverityDebug,
	"INFO":  otellog.SeverityInfo,
	"WARN":  otellog.SeverityWarn,
	"ERROR": otellog.SeverityError,
}

// emitLogRecord mirrors a console line into the OTel log stream.
// Called with l.mu held for reading.
func (l *Logger) emitLogRecord(level, msg string, fields map[string]interface{}) {
	if l.otel == nil {
		return
	}

	var rec otellog.Record
	rec.SetTimestamp(time.Now())
	rec.SetSeverity(logSeverities[level])
	rec.SetSeverityText(level)
	rec.SetBody(otellog.StringValue(msg))

	for k, v := range fields {
		switch val := v.(type) {
		case string:
			rec.AddAttributes(otellog.String(k, val))
		case int:
			rec.AddAttributes(otellog.Int(k, val))
		case int64:
			rec.AddAttributes(otellog.Int64(k, val))
		case float64:
			rec.AddAttributes(otellog.Float64(k, val))
		case bool:
			rec.AddAttributes(otellog.Bool(k, val))
		case error:
			rec.AddAttributes(otellog.String(k, val.Error()))
		default:
			rec.AddAttributes(otellog.String(k, fmt.Sprintf("%v", val)))
		}
	}

	l.otel.Emit(context.Background(), rec)
}

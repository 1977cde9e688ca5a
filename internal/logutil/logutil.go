// Package logutil writes structured JSON log lines through the standard logger.
package logutil

import (
	"encoding/json"
	"log"
	"time"
)

// Fields carries structured attributes for a log entry.
type Fields map[string]interface{}

// Info logs a structured info message.
func Info(msg string, fields Fields) {
	logJSON("info", msg, fields)
}

// Warn logs a structured warning.
func Warn(msg string, fields Fields) {
	logJSON("warn", msg, fields)
}

// Error logs a structured error message including the error string.
func Error(msg string, err error, fields Fields) {
	entry := Fields{}
	for k, v := range fields {
		entry[k] = v
	}
	if err != nil {
		entry["error"] = err.Error()
	}
	logJSON("error", msg, entry)
}

// Component returns a logger that stamps every entry with a component name.
func Component(name string) Logger {
	return Logger{component: name}
}

// Logger is a component-scoped structured logger.
type Logger struct {
	component string
}

func (l Logger) Info(msg string, fields Fields) {
	Info(msg, l.with(fields))
}

func (l Logger) Warn(msg string, fields Fields) {
	Warn(msg, l.with(fields))
}

func (l Logger) Error(msg string, err error, fields Fields) {
	Error(msg, err, l.with(fields))
}

func (l Logger) with(fields Fields) Fields {
	out := Fields{"component": l.component}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func logJSON(level, msg string, fields Fields) {
	entry := map[string]interface{}{
		"level":     level,
		"message":   msg,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range fields {
		entry[k] = v
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		log.Printf("%s: %+v", msg, fields)
		return
	}
	log.Printf("%s", payload)
}

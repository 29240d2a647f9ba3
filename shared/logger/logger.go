// Copyright 2025 DomeKit
// SPDX-License-Identifier: Apache-2.0

// Package logger provides structured JSON logging for the gateway.
// One line per entry on stdout, so the log is tail- and grep-friendly
// alongside the audit trail.
package logger

import (
	"encoding/json"
	"log"
	"time"
)

// LogLevel represents the severity of a log entry.
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

// Logger emits structured entries for one gateway component.
type Logger struct {
	Component string
}

// LogEntry is one structured log line.
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     LogLevel               `json:"level"`
	Component string                 `json:"component"`
	SessionID string                 `json:"session_id,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// New creates a Logger for the named component.
func New(component string) *Logger {
	return &Logger{Component: component}
}

// Log writes one structured entry.
func (l *Logger) Log(level LogLevel, sessionID, requestID, message string, fields map[string]interface{}) {
	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Component: l.Component,
		SessionID: sessionID,
		RequestID: requestID,
		Message:   message,
		Fields:    fields,
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		log.Printf("ERROR: Failed to marshal log entry: %v", err)
		return
	}
	log.Println(string(jsonBytes))
}

// Info logs an informational message.
func (l *Logger) Info(sessionID, requestID, message string, fields map[string]interface{}) {
	l.Log(INFO, sessionID, requestID, message, fields)
}

// Warn logs a warning message.
func (l *Logger) Warn(sessionID, requestID, message string, fields map[string]interface{}) {
	l.Log(WARN, sessionID, requestID, message, fields)
}

// Error logs an error message.
func (l *Logger) Error(sessionID, requestID, message string, fields map[string]interface{}) {
	l.Log(ERROR, sessionID, requestID, message, fields)
}

// Debug logs a debug message.
func (l *Logger) Debug(sessionID, requestID, message string, fields map[string]interface{}) {
	l.Log(DEBUG, sessionID, requestID, message, fields)
}

// ErrorWithErr logs an error message with the error attached as a field.
func (l *Logger) ErrorWithErr(sessionID, requestID, message string, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Error(sessionID, requestID, message, fields)
}

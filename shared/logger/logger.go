// Copyright 2025 FlowGrid
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

// LogLevel represents the severity of a log entry
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

// Logger provides structured JSON logging tagged with the owning
// component and deployment instance.
type Logger struct {
	Component  string
	InstanceID string
	Container  string
}

// LogEntry is the wire shape of a single log line. OwnerID and
// WorkflowID are attached when the entry relates to a specific owner's
// workflow so log queries can follow one execution end to end.
type LogEntry struct {
	Timestamp  string                 `json:"timestamp"`
	Level      LogLevel               `json:"level"`
	Component  string                 `json:"component"`
	InstanceID string                 `json:"instance_id"`
	Container  string                 `json:"container"`
	OwnerID    string                 `json:"owner_id,omitempty"`
	WorkflowID string                 `json:"workflow_id,omitempty"`
	Message    string                 `json:"message"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

// New creates a new Logger for the specified component
func New(component string) *Logger {
	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		instanceID = "unknown"
	}

	container, err := os.Hostname()
	if err != nil {
		container = "unknown"
	}

	return &Logger{
		Component:  component,
		InstanceID: instanceID,
		Container:  container,
	}
}

// Log creates a structured log entry and writes it to stdout
func (l *Logger) Log(level LogLevel, ownerID, workflowID, message string, fields map[string]interface{}) {
	entry := LogEntry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Level:      level,
		Component:  l.Component,
		InstanceID: l.InstanceID,
		Container:  l.Container,
		OwnerID:    ownerID,
		WorkflowID: workflowID,
		Message:    message,
		Fields:     fields,
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		log.Printf("ERROR: Failed to marshal log entry: %v", err)
		return
	}

	// Write JSON log to stdout (Docker will capture this)
	log.Println(string(jsonBytes))
}

// Info logs an informational message
func (l *Logger) Info(ownerID, workflowID, message string, fields map[string]interface{}) {
	l.Log(INFO, ownerID, workflowID, message, fields)
}

// Error logs an error message
func (l *Logger) Error(ownerID, workflowID, message string, fields map[string]interface{}) {
	l.Log(ERROR, ownerID, workflowID, message, fields)
}

// Warn logs a warning message
func (l *Logger) Warn(ownerID, workflowID, message string, fields map[string]interface{}) {
	l.Log(WARN, ownerID, workflowID, message, fields)
}

// Debug logs a debug message
func (l *Logger) Debug(ownerID, workflowID, message string, fields map[string]interface{}) {
	l.Log(DEBUG, ownerID, workflowID, message, fields)
}

// InfoWithDuration logs an info message with a duration field attached.
func (l *Logger) InfoWithDuration(ownerID, workflowID, message string, durationMS float64, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["duration_ms"] = durationMS
	l.Info(ownerID, workflowID, message, fields)
}

// ErrorWithCode logs an error with the HTTP status code it produced.
func (l *Logger) ErrorWithCode(ownerID, workflowID, message string, statusCode int, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["status_code"] = statusCode
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Error(ownerID, workflowID, message, fields)
}

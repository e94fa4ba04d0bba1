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

package orchestrator

import (
	"encoding/json"
	"time"
)

// WorkflowStatus is the lifecycle state of a workflow.
type WorkflowStatus string

const (
	StatusPending   WorkflowStatus = "PENDING"
	StatusRunning   WorkflowStatus = "RUNNING"
	StatusCompleted WorkflowStatus = "COMPLETED"
	StatusFailed    WorkflowStatus = "FAILED"
	StatusCancelled WorkflowStatus = "CANCELLED"
)

// Terminal reports whether no further transition is possible from s.
func (s WorkflowStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// TaskSpec is one agent invocation within a workflow, identified by its
// position. The input template may reference the prior step's output via
// the reserved {{previous.output}} placeholder.
type TaskSpec struct {
	StepIndex     int                    `json:"step_index"`
	AgentID       string                 `json:"agent_id"`
	InputTemplate map[string]interface{} `json:"input_template"`
}

// StepResult records the outcome of a single step. Exactly one of Output
// and Error is set.
type StepResult struct {
	StepIndex   int             `json:"step_index"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	ErrorKind   string          `json:"error_kind,omitempty"`
	DurationMS  int64           `json:"duration_ms"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Succeeded reports whether the step produced an output.
func (r StepResult) Succeeded() bool {
	return r.Error == ""
}

// Workflow is a named, ordered, immutable-after-create sequence of tasks
// with tracked execution state.
//
// Invariants maintained by the store:
//   - len(Results) == Cursor, the index of the next task to run
//   - StatusCompleted implies len(Results) == len(Tasks)
//   - StatusFailed implies len(Results) < len(Tasks) and the last result
//     carries an error
//   - Tasks never mutates after creation
type Workflow struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	OwnerID    string         `json:"owner_id"`
	Tasks      []TaskSpec     `json:"tasks"`
	Status     WorkflowStatus `json:"status"`
	Results    []StepResult   `json:"results"`
	Cursor     int            `json:"cursor"`
	LeaseToken string         `json:"lease_token,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// AgentHealth is the advisory liveness state of a registered agent.
type AgentHealth string

const (
	HealthHealthy     AgentHealth = "HEALTHY"
	HealthDegraded    AgentHealth = "DEGRADED"
	HealthUnreachable AgentHealth = "UNREACHABLE"
)

// AgentDescriptor is the registry record for one external agent service.
// Health and ConsecutiveFailures are mutated only through the registry's
// RecordOutcome path.
type AgentDescriptor struct {
	AgentID             string      `json:"agent_id" yaml:"agent_id"`
	Name                string      `json:"name" yaml:"name"`
	Description         string      `json:"description" yaml:"description"`
	Endpoint            string      `json:"endpoint" yaml:"endpoint"`
	Category            string      `json:"category" yaml:"category"`
	CapabilityTags      []string    `json:"capability_tags" yaml:"capability_tags"`
	Health              AgentHealth `json:"health" yaml:"-"`
	ConsecutiveFailures int         `json:"consecutive_failures" yaml:"-"`
}

// HasTag reports whether the descriptor carries the given capability tag.
func (d *AgentDescriptor) HasTag(tag string) bool {
	for _, t := range d.CapabilityTags {
		if t == tag {
			return true
		}
	}
	return false
}

// Identity is the authenticated caller extracted from a bearer token.
type Identity struct {
	SubjectID string    `json:"subject_id"`
	Roles     []string  `json:"roles"`
	ExpiresAt time.Time `json:"expires_at"`
	TokenID   string    `json:"token_id"`
}

// HasRole reports whether the identity carries the given role.
func (id *Identity) HasRole(role string) bool {
	for _, r := range id.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// EventType enumerates workflow lifecycle events.
type EventType string

const (
	EventCreated       EventType = "created"
	EventStarted       EventType = "started"
	EventStepCompleted EventType = "step_completed"
	EventStepFailed    EventType = "step_failed"
	EventCompleted     EventType = "completed"
	EventFailed        EventType = "failed"
	EventCancelled     EventType = "cancelled"
)

// Event is one lifecycle event published on the bus. Delivery is
// at-least-once; consumers deduplicate by (workflow_id, event_type,
// step_index in payload).
type Event struct {
	EventID    string                 `json:"event_id"`
	WorkflowID string                 `json:"workflow_id"`
	EventType  EventType              `json:"event_type"`
	OwnerID    string                 `json:"owner_id,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
}

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
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
)

// MaxTasksPerWorkflow bounds the accepted task list length.
const MaxTasksPerWorkflow = 100

// WorkflowManager is the facade over the store, registry, dispatcher and
// bus. It owns the PENDING -> RUNNING -> {COMPLETED, FAILED, CANCELLED}
// state machine; every transition is a store-level CAS, so concurrent
// callers race safely and exactly one wins.
type WorkflowManager struct {
	store      WorkflowStore
	registry   *AgentRegistry
	dispatcher *Dispatcher
	gate       *PolicyGate
	bus        EventBus
}

// NewWorkflowManager wires the manager and binds itself as the
// dispatcher's finalizer.
func NewWorkflowManager(store WorkflowStore, registry *AgentRegistry, dispatcher *Dispatcher, gate *PolicyGate, bus EventBus) *WorkflowManager {
	m := &WorkflowManager{
		store:      store,
		registry:   registry,
		dispatcher: dispatcher,
		gate:       gate,
		bus:        bus,
	}
	dispatcher.SetFinalizer(m)
	return m
}

// CreateRequest is the validated input to Create.
type CreateRequest struct {
	Name  string     `json:"name"`
	Tasks []TaskSpec `json:"tasks"`
}

// Create validates the task list, verifies every referenced agent resolves
// in the registry (fail fast rather than discovering it mid-run), persists
// the workflow PENDING and publishes the created event.
func (m *WorkflowManager) Create(ctx context.Context, requester *Identity, req CreateRequest) (*Workflow, error) {
	if !m.gate.Authorize(requester, "workflows", "execute") {
		return nil, fmt.Errorf("%w: create workflow", ErrPolicyDenied)
	}

	if req.Name == "" {
		return nil, fmt.Errorf("%w: workflow name is required", ErrValidation)
	}
	if len(req.Tasks) == 0 {
		return nil, fmt.Errorf("%w: workflow must have at least one task", ErrValidation)
	}
	if len(req.Tasks) > MaxTasksPerWorkflow {
		return nil, fmt.Errorf("%w: workflow exceeds %d tasks", ErrValidation, MaxTasksPerWorkflow)
	}
	for i := range req.Tasks {
		req.Tasks[i].StepIndex = i
		if req.Tasks[i].AgentID == "" {
			return nil, fmt.Errorf("%w: task %d missing agent_id", ErrValidation, i)
		}
		if !m.registry.Has(req.Tasks[i].AgentID) {
			return nil, fmt.Errorf("%w: %s (task %d)", ErrUnknownAgent, req.Tasks[i].AgentID, i)
		}
	}

	wf := &Workflow{
		ID:      uuid.NewString(),
		Name:    req.Name,
		OwnerID: requester.SubjectID,
		Tasks:   req.Tasks,
		Status:  StatusPending,
		Results: []StepResult{},
	}
	if err := m.store.Create(ctx, wf); err != nil {
		return nil, err
	}

	promWorkflowsTotal.WithLabelValues("created").Inc()
	m.bus.Publish(ctx, DefaultEventTopic, newEvent(wf.ID, wf.OwnerID, EventCreated, map[string]interface{}{
		"name":       wf.Name,
		"task_count": len(wf.Tasks),
	}))
	log.Printf("[Manager] Workflow %q (%s) created for %s with %d tasks", wf.Name, wf.ID, wf.OwnerID, len(wf.Tasks))

	created, err := m.store.Get(ctx, wf.ID)
	if err != nil {
		return wf, nil
	}
	return created, nil
}

// Execute transitions PENDING -> RUNNING and enqueues step 0. A failed CAS
// surfaces as ErrConflict: the workflow is already running, finished or
// cancelled, and the caller inspects current state rather than getting a
// silent no-op.
func (m *WorkflowManager) Execute(ctx context.Context, requester *Identity, id string) (*Workflow, error) {
	wf, err := m.getOwned(ctx, requester, id, "execute")
	if err != nil {
		return nil, err
	}

	lease := uuid.NewString()
	if err := m.store.Transition(ctx, id, StatusPending, StatusRunning, lease); err != nil {
		if errors.Is(err, ErrStaleStatus) {
			return nil, fmt.Errorf("%w: workflow %s is %s", ErrConflict, id, wf.Status)
		}
		return nil, err
	}

	promWorkflowsTotal.WithLabelValues("started").Inc()
	m.bus.Publish(ctx, DefaultEventTopic, newEvent(id, wf.OwnerID, EventStarted, map[string]interface{}{
		"lease_token": lease,
	}))
	log.Printf("[Manager] Workflow %s started (lease %s)", id, lease)

	m.dispatcher.Submit(id, 0)
	return m.store.Get(ctx, id)
}

// Cancel moves a PENDING or RUNNING workflow to CANCELLED. An in-flight
// step is allowed to finish; its completion races the cancel on the status
// CAS and whichever writes first wins. Cancelling an already terminal
// workflow is an idempotent no-op returning the current status.
func (m *WorkflowManager) Cancel(ctx context.Context, requester *Identity, id string) (*Workflow, error) {
	wf, err := m.getOwned(ctx, requester, id, "execute")
	if err != nil {
		return nil, err
	}
	if wf.Status.Terminal() {
		return wf, nil
	}

	err = m.store.Transition(ctx, id, wf.Status, StatusCancelled, "")
	if errors.Is(err, ErrStaleStatus) {
		// Raced with a transition; retry once from the fresh state, then
		// accept whatever terminal state won.
		fresh, getErr := m.store.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if fresh.Status.Terminal() {
			return fresh, nil
		}
		if err = m.store.Transition(ctx, id, fresh.Status, StatusCancelled, ""); err != nil {
			return m.store.Get(ctx, id)
		}
	} else if err != nil {
		return nil, err
	}

	promWorkflowsTotal.WithLabelValues("cancelled").Inc()
	m.bus.Publish(ctx, DefaultEventTopic, newEvent(id, wf.OwnerID, EventCancelled, nil))
	log.Printf("[Manager] Workflow %s cancelled", id)
	return m.store.Get(ctx, id)
}

// Finalize moves RUNNING to a terminal outcome. Called only by the
// Dispatcher; a failed CAS means a cancel won the race, which is fine.
func (m *WorkflowManager) Finalize(ctx context.Context, id string, outcome WorkflowStatus, stepErr error) error {
	if outcome != StatusCompleted && outcome != StatusFailed {
		return fmt.Errorf("%w: finalize outcome must be terminal, got %s", ErrValidation, outcome)
	}

	if err := m.store.Transition(ctx, id, StatusRunning, outcome, ""); err != nil {
		if errors.Is(err, ErrStaleStatus) {
			log.Printf("[Manager] Finalize %s to %s lost the race: %v", id, outcome, err)
			return nil
		}
		return err
	}

	wf, err := m.store.Get(ctx, id)
	ownerID := ""
	if err == nil {
		ownerID = wf.OwnerID
	}

	payload := map[string]interface{}{}
	eventType := EventCompleted
	if outcome == StatusFailed {
		eventType = EventFailed
		if stepErr != nil {
			payload["error"] = stepErr.Error()
		}
	}
	promWorkflowsTotal.WithLabelValues(string(outcome)).Inc()
	m.bus.Publish(ctx, DefaultEventTopic, newEvent(id, ownerID, eventType, payload))
	log.Printf("[Manager] Workflow %s finalized %s", id, outcome)
	return nil
}

// Get returns an owner-scoped view of a workflow, including results.
func (m *WorkflowManager) Get(ctx context.Context, requester *Identity, id string) (*Workflow, error) {
	return m.getOwned(ctx, requester, id, "read")
}

// ListByOwner returns the requester's workflows, newest first.
func (m *WorkflowManager) ListByOwner(ctx context.Context, requester *Identity, limit, offset int) ([]*Workflow, error) {
	if !m.gate.Authorize(requester, "workflows", "read") {
		return nil, fmt.Errorf("%w: list workflows", ErrPolicyDenied)
	}
	return m.store.ListByOwner(ctx, requester.SubjectID, limit, offset)
}

// getOwned loads a workflow and enforces both the policy rule and
// ownership. Non-owners get ErrNotFound rather than ErrPolicyDenied so
// workflow ids are not probeable, unless they hold the operator role.
func (m *WorkflowManager) getOwned(ctx context.Context, requester *Identity, id, action string) (*Workflow, error) {
	if !m.gate.Authorize(requester, "workflows", action) {
		return nil, fmt.Errorf("%w: %s workflow", ErrPolicyDenied, action)
	}
	wf, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if wf.OwnerID != requester.SubjectID && !requester.HasRole("operator") {
		return nil, fmt.Errorf("%w: workflow %s", ErrNotFound, id)
	}
	return wf, nil
}

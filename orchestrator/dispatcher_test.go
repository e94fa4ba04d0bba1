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
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAgentClient scripts agent behavior per endpoint: fail the first
// failuresBefore calls, then return the configured output. A non-zero
// delay makes every call that slow regardless of the attempt context.
type fakeAgentClient struct {
	mu            sync.Mutex
	calls         []string
	failuresLeft  map[string]int
	outputs       map[string]json.RawMessage
	alwaysTimeout bool
	delay         time.Duration
}

func newFakeAgentClient() *fakeAgentClient {
	return &fakeAgentClient{
		failuresLeft: make(map[string]int),
		outputs:      make(map[string]json.RawMessage),
	}
}

func (c *fakeAgentClient) Execute(ctx context.Context, endpoint string, input map[string]interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	c.calls = append(c.calls, endpoint)
	delay := c.delay
	timeout := c.alwaysTimeout
	fail := false
	if n := c.failuresLeft[endpoint]; n > 0 {
		c.failuresLeft[endpoint] = n - 1
		fail = true
	}
	out, hasOut := c.outputs[endpoint]
	c.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if timeout {
		return nil, context.DeadlineExceeded
	}
	if fail {
		return nil, fmt.Errorf("agent returned status 500")
	}
	if hasOut {
		return out, nil
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func (c *fakeAgentClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// dispatcherFixture wires a dispatcher over in-memory collaborators with
// an aggressive retry policy so tests run fast.
type dispatcherFixture struct {
	store      *InMemoryWorkflowStore
	registry   *AgentRegistry
	client     *fakeAgentClient
	bus        *InMemoryEventBus
	dispatcher *Dispatcher
	manager    *WorkflowManager

	eventsMu sync.Mutex
	events   []Event
}

func newDispatcherFixture(t *testing.T) *dispatcherFixture {
	t.Helper()

	f := &dispatcherFixture{
		store:    NewInMemoryWorkflowStore(),
		registry: newTestRegistry(t),
		client:   newFakeAgentClient(),
		bus:      NewInMemoryEventBus(),
	}
	f.bus.Subscribe(func(_ string, event Event) {
		f.eventsMu.Lock()
		f.events = append(f.events, event)
		f.eventsMu.Unlock()
	})

	cfg := DispatcherConfig{
		Workers:     2,
		QueueSize:   16,
		StepTimeout: 200 * time.Millisecond,
		MaxRetries:  1,
		BackoffBase: 5 * time.Millisecond,
		BackoffCap:  10 * time.Millisecond,
	}
	f.dispatcher = NewDispatcher(cfg, f.store, f.registry, f.client, f.bus)
	f.manager = NewWorkflowManager(f.store, f.registry, f.dispatcher, newTestGate(), f.bus)

	f.dispatcher.Start(context.Background())
	t.Cleanup(f.dispatcher.Stop)
	return f
}

// startWorkflow seeds a RUNNING workflow directly in the store.
func (f *dispatcherFixture) startWorkflow(t *testing.T, id string, agentIDs ...string) {
	t.Helper()
	wf := &Workflow{
		ID:      id,
		Name:    "test",
		OwnerID: "user-1",
		Status:  StatusPending,
		Results: []StepResult{},
	}
	for i, agentID := range agentIDs {
		wf.Tasks = append(wf.Tasks, TaskSpec{StepIndex: i, AgentID: agentID})
	}
	require.NoError(t, f.store.Create(context.Background(), wf))
	require.NoError(t, f.store.Transition(context.Background(), id, StatusPending, StatusRunning, "lease"))
}

func (f *dispatcherFixture) waitTerminal(t *testing.T, id string) *Workflow {
	t.Helper()
	var wf *Workflow
	require.Eventually(t, func() bool {
		var err error
		wf, err = f.store.Get(context.Background(), id)
		return err == nil && wf.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond, "workflow %s never reached a terminal state", id)
	return wf
}

func (f *dispatcherFixture) eventTypes() []EventType {
	f.eventsMu.Lock()
	defer f.eventsMu.Unlock()
	out := make([]EventType, len(f.events))
	for i, e := range f.events {
		out[i] = e.EventType
	}
	return out
}

// waitEvent polls for an event type; bus delivery is asynchronous.
func (f *dispatcherFixture) waitEvent(t *testing.T, want EventType) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, et := range f.eventTypes() {
			if et == want {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "event %s never delivered", want)
}

func TestDispatcher_CompletesSequentialWorkflow(t *testing.T) {
	f := newDispatcherFixture(t)
	f.startWorkflow(t, "wf-1", "summarizer", "translator")

	f.dispatcher.Submit("wf-1", 0)
	wf := f.waitTerminal(t, "wf-1")

	assert.Equal(t, StatusCompleted, wf.Status)
	require.Len(t, wf.Results, 2)
	assert.Equal(t, 2, wf.Cursor)
	assert.Equal(t, 0, wf.Results[0].StepIndex)
	assert.Equal(t, 1, wf.Results[1].StepIndex)
	assert.True(t, wf.Results[0].Succeeded())
	assert.True(t, wf.Results[1].Succeeded())

	f.waitEvent(t, EventStepCompleted)
	f.waitEvent(t, EventCompleted)
}

func TestDispatcher_FailFast(t *testing.T) {
	f := newDispatcherFixture(t)
	f.startWorkflow(t, "wf-1", "summarizer", "translator", "chart-builder")

	// The first agent fails through the whole retry budget.
	f.client.failuresLeft["http://summarizer:9000"] = 10

	f.dispatcher.Submit("wf-1", 0)
	wf := f.waitTerminal(t, "wf-1")

	assert.Equal(t, StatusFailed, wf.Status)
	// Fail-fast: only step 0 has a result, no later step ran.
	require.Len(t, wf.Results, 1)
	assert.Equal(t, 0, wf.Results[0].StepIndex)
	assert.False(t, wf.Results[0].Succeeded())
	assert.Equal(t, "AgentExecutionError", wf.Results[0].ErrorKind)

	// One initial attempt plus one retry, then terminal.
	assert.Equal(t, 2, f.client.callCount())
	f.waitEvent(t, EventStepFailed)
	f.waitEvent(t, EventFailed)
}

func TestDispatcher_MidWorkflowFailureKeepsEarlierResults(t *testing.T) {
	f := newDispatcherFixture(t)
	f.startWorkflow(t, "wf-1", "summarizer", "translator", "chart-builder")

	// Step 0 succeeds, step 1 fails through the retry budget.
	f.client.failuresLeft["http://translator:9000"] = 10

	f.dispatcher.Submit("wf-1", 0)
	wf := f.waitTerminal(t, "wf-1")

	assert.Equal(t, StatusFailed, wf.Status)
	require.Len(t, wf.Results, 2)
	assert.True(t, wf.Results[0].Succeeded())
	assert.False(t, wf.Results[1].Succeeded())

	// The third agent was never called.
	f.client.mu.Lock()
	defer f.client.mu.Unlock()
	assert.NotContains(t, f.client.calls, "http://charts:9000")
}

func TestDispatcher_RetryThenSuccess(t *testing.T) {
	f := newDispatcherFixture(t)
	f.startWorkflow(t, "wf-1", "summarizer")

	f.client.failuresLeft["http://summarizer:9000"] = 1

	f.dispatcher.Submit("wf-1", 0)
	wf := f.waitTerminal(t, "wf-1")

	assert.Equal(t, StatusCompleted, wf.Status)
	require.Len(t, wf.Results, 1)
	assert.True(t, wf.Results[0].Succeeded())
	assert.Equal(t, 2, f.client.callCount())
}

func TestDispatcher_StepTimeoutKind(t *testing.T) {
	f := newDispatcherFixture(t)
	f.startWorkflow(t, "wf-1", "summarizer")

	f.client.alwaysTimeout = true

	f.dispatcher.Submit("wf-1", 0)
	wf := f.waitTerminal(t, "wf-1")

	assert.Equal(t, StatusFailed, wf.Status)
	require.Len(t, wf.Results, 1)
	assert.Equal(t, "StepTimeout", wf.Results[0].ErrorKind)
}

func TestDispatcher_WorkflowBudgetExhausted(t *testing.T) {
	f := newDispatcherFixture(t)
	f.startWorkflow(t, "wf-1", "summarizer", "translator")

	// The overall budget for two steps is per-step budget times two. A
	// first step slower than the whole budget trips the derived deadline
	// before step 1 runs.
	f.client.delay = time.Second

	f.dispatcher.Submit("wf-1", 0)
	wf := f.waitTerminal(t, "wf-1")

	assert.Equal(t, StatusFailed, wf.Status)
	require.Len(t, wf.Results, 2)
	assert.True(t, wf.Results[0].Succeeded())
	last := wf.Results[1]
	assert.False(t, last.Succeeded())
	assert.Equal(t, "WorkflowTimeout", last.ErrorKind)
	assert.Contains(t, last.Error, "budget exhausted")
}

func TestDispatcher_SlowEventSubscriberDoesNotStallWorkflow(t *testing.T) {
	f := newDispatcherFixture(t)
	// An expensive downstream consumer must not eat into the workflow
	// budget: with instant agents this two-step workflow completes well
	// inside its deadline even though each event takes a second to
	// consume.
	f.bus.Subscribe(func(string, Event) { time.Sleep(time.Second) })
	f.startWorkflow(t, "wf-1", "summarizer", "translator")

	f.dispatcher.Submit("wf-1", 0)
	wf := f.waitTerminal(t, "wf-1")

	assert.Equal(t, StatusCompleted, wf.Status)
	require.Len(t, wf.Results, 2)
	assert.True(t, wf.Results[0].Succeeded())
	assert.True(t, wf.Results[1].Succeeded())
}

func TestDispatcher_UnreachableAgentSkipsNetworkCall(t *testing.T) {
	f := newDispatcherFixture(t)
	f.startWorkflow(t, "wf-1", "summarizer")

	// Push the agent to UNREACHABLE before dispatch.
	for i := 0; i < DefaultFailureThreshold*2; i++ {
		f.registry.RecordOutcome("summarizer", false)
	}

	f.dispatcher.Submit("wf-1", 0)
	wf := f.waitTerminal(t, "wf-1")

	assert.Equal(t, StatusFailed, wf.Status)
	require.Len(t, wf.Results, 1)
	assert.Equal(t, "AgentUnreachable", wf.Results[0].ErrorKind)
	assert.Equal(t, 0, f.client.callCount())
}

func TestDispatcher_StaleSubmissionDropped(t *testing.T) {
	f := newDispatcherFixture(t)
	f.startWorkflow(t, "wf-1", "summarizer")

	// Duplicate submissions of step 0: the second finds the cursor moved
	// on and is dropped without a second agent call.
	f.dispatcher.Submit("wf-1", 0)
	wf := f.waitTerminal(t, "wf-1")
	require.Equal(t, StatusCompleted, wf.Status)

	callsBefore := f.client.callCount()
	f.dispatcher.Submit("wf-1", 0)

	time.Sleep(100 * time.Millisecond)
	wf, err := f.store.Get(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Len(t, wf.Results, 1)
	assert.Equal(t, callsBefore, f.client.callCount())
}

func TestDispatcher_CancelStopsProgress(t *testing.T) {
	f := newDispatcherFixture(t)
	f.startWorkflow(t, "wf-1", "summarizer", "translator")

	// Cancel before any step is dispatched: the submission sees a
	// non-RUNNING workflow and drops.
	require.NoError(t, f.store.Transition(context.Background(), "wf-1", StatusRunning, StatusCancelled, ""))
	f.dispatcher.Submit("wf-1", 0)

	time.Sleep(100 * time.Millisecond)
	wf, err := f.store.Get(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, wf.Status)
	assert.Empty(t, wf.Results)
	assert.Equal(t, 0, f.client.callCount())
}

func TestDispatcher_CancelReleasesDeadlineAnchor(t *testing.T) {
	f := newDispatcherFixture(t)
	f.startWorkflow(t, "wf-1", "summarizer", "translator")

	// A cancelled workflow never passes the complete/fail paths, so the
	// stale-submission drop must release its deadline anchor.
	require.NoError(t, f.store.Transition(context.Background(), "wf-1", StatusRunning, StatusCancelled, ""))
	f.dispatcher.Submit("wf-1", 0)

	require.Eventually(t, func() bool {
		_, ok := f.dispatcher.startedAt.Load("wf-1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond, "deadline anchor for cancelled workflow never released")
}

func TestDispatcher_SubmitBeforeStart(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{QueueSize: 1},
		NewInMemoryWorkflowStore(), NewAgentRegistry(), newFakeAgentClient(), NewInMemoryEventBus())

	// The second submission overflows the queue and takes the deferred
	// send path; with no workers running yet that path must still be
	// safe. Stop releases the deferred goroutine.
	assert.NotPanics(t, func() {
		d.Submit("wf-1", 0)
		d.Submit("wf-1", 1)
	})
	d.Stop()
}

func TestRenderInput_PreviousOutputPlaceholder(t *testing.T) {
	previous := json.RawMessage(`{"summary":"short text"}`)

	tests := []struct {
		name     string
		template map[string]interface{}
		want     map[string]interface{}
	}{
		{
			name:     "exact placeholder decodes output",
			template: map[string]interface{}{"input": "{{previous.output}}"},
			want:     map[string]interface{}{"input": map[string]interface{}{"summary": "short text"}},
		},
		{
			name:     "embedded placeholder splices raw JSON",
			template: map[string]interface{}{"prompt": "Translate: {{previous.output}}"},
			want:     map[string]interface{}{"prompt": `Translate: {"summary":"short text"}`},
		},
		{
			name: "nested maps and slices",
			template: map[string]interface{}{
				"outer": map[string]interface{}{"inner": "{{previous.output}}"},
				"list":  []interface{}{"{{previous.output}}", "literal"},
			},
			want: map[string]interface{}{
				"outer": map[string]interface{}{"inner": map[string]interface{}{"summary": "short text"}},
				"list":  []interface{}{map[string]interface{}{"summary": "short text"}, "literal"},
			},
		},
		{
			name:     "plain values pass through",
			template: map[string]interface{}{"n": 42, "s": "hello"},
			want:     map[string]interface{}{"n": 42, "s": "hello"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, renderInput(tt.template, previous))
		})
	}
}

func TestRenderInput_NoPreviousOutput(t *testing.T) {
	got := renderInput(map[string]interface{}{"input": "{{previous.output}}"}, nil)
	assert.Equal(t, map[string]interface{}{"input": ""}, got)

	assert.Equal(t, map[string]interface{}{}, renderInput(nil, nil))
}

func TestDispatcher_BackoffDelayBounds(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{
		BackoffBase: 500 * time.Millisecond,
		BackoffCap:  8 * time.Second,
	}, NewInMemoryWorkflowStore(), NewAgentRegistry(), newFakeAgentClient(), NewInMemoryEventBus())

	// attempt n has base delay base*2^(n-1) capped, plus at most 50% jitter.
	for attempt, base := range map[int]time.Duration{
		1: 500 * time.Millisecond,
		2: 1 * time.Second,
		3: 2 * time.Second,
		4: 4 * time.Second,
		5: 8 * time.Second,
		6: 8 * time.Second, // capped
	} {
		for i := 0; i < 20; i++ {
			delay := d.backoffDelay(attempt)
			assert.GreaterOrEqual(t, delay, base, "attempt %d", attempt)
			assert.LessOrEqual(t, delay, base+base/2+time.Millisecond, "attempt %d", attempt)
		}
	}
}

func TestHTTPAgentClient_Execute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/execute", r.URL.Path)

		var req agentExecuteRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "hello", req.Input["text"])

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"output":{"echo":"hello"}}`)
	}))
	defer srv.Close()

	client := NewHTTPAgentClient()
	out, err := client.Execute(context.Background(), srv.URL, map[string]interface{}{"text": "hello"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"echo":"hello"}`, string(out))
}

func TestHTTPAgentClient_Execute_NonOutputPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"echo":"hello"}`)
	}))
	defer srv.Close()

	client := NewHTTPAgentClient()
	out, err := client.Execute(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"echo":"hello"}`, string(out))
}

func TestHTTPAgentClient_Execute_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewHTTPAgentClient()
	_, err := client.Execute(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestHTTPAgentClient_Execute_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	client := NewHTTPAgentClient()
	_, err := client.Execute(ctx, srv.URL, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

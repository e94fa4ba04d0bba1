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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Dispatcher defaults.
const (
	DefaultWorkers     = 8
	DefaultQueueSize   = 256
	DefaultStepTimeout = 30 * time.Second
	DefaultMaxRetries  = 3
	DefaultBackoffBase = 500 * time.Millisecond
	DefaultBackoffCap  = 8 * time.Second
)

// previousOutputPlaceholder is the reserved template placeholder resolved
// against the prior step's output.
const previousOutputPlaceholder = "{{previous.output}}"

// AgentClient is the fixed capability interface every agent shares:
// POST {endpoint}/execute with {input} returning {output}. No per-agent
// branching exists anywhere in the core.
type AgentClient interface {
	Execute(ctx context.Context, endpoint string, input map[string]interface{}) (json.RawMessage, error)
}

// workflowFinalizer breaks the construction cycle between the Dispatcher
// and the WorkflowManager: the dispatcher only needs finalize.
type workflowFinalizer interface {
	Finalize(ctx context.Context, id string, outcome WorkflowStatus, stepErr error) error
}

// DispatcherConfig tunes the worker pool and retry policy.
type DispatcherConfig struct {
	Workers     int
	QueueSize   int
	StepTimeout time.Duration
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// DefaultDispatcherConfig returns the production defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:     DefaultWorkers,
		QueueSize:   DefaultQueueSize,
		StepTimeout: DefaultStepTimeout,
		MaxRetries:  DefaultMaxRetries,
		BackoffBase: DefaultBackoffBase,
		BackoffCap:  DefaultBackoffCap,
	}
}

func (c *DispatcherConfig) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = DefaultStepTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = DefaultBackoffCap
	}
}

// submission is one unit of work: run step StepIndex of workflow
// WorkflowID. Duplicate submissions are harmless; they fail the store's
// cursor CAS and are dropped.
type submission struct {
	WorkflowID string
	StepIndex  int
}

// Dispatcher is the bounded worker pool that executes queued steps against
// agents. The number of concurrently running workflows is unbounded, but
// concurrent agent calls are bounded by the pool size. A workflow's steps
// are strictly sequential: a step only submits the next one after its own
// result is durably appended.
type Dispatcher struct {
	cfg       DispatcherConfig
	store     WorkflowStore
	registry  *AgentRegistry
	client    AgentClient
	bus       EventBus
	finalizer workflowFinalizer

	queue      chan submission
	stopCh     chan struct{}
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	startedAt  sync.Map // workflow_id -> time.Time, for the derived deadline
	randMu     sync.Mutex
	rand       *rand.Rand
	startOnce  sync.Once
	stopOnce   sync.Once
}

// NewDispatcher creates a stopped dispatcher. Call SetFinalizer (done by
// NewWorkflowManager) before Start.
func NewDispatcher(cfg DispatcherConfig, store WorkflowStore, registry *AgentRegistry, client AgentClient, bus EventBus) *Dispatcher {
	cfg.applyDefaults()
	return &Dispatcher{
		cfg:      cfg,
		store:    store,
		registry: registry,
		client:   client,
		bus:      bus,
		queue:    make(chan submission, cfg.QueueSize),
		stopCh:   make(chan struct{}),
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetFinalizer binds the workflow manager's finalize path.
func (d *Dispatcher) SetFinalizer(f workflowFinalizer) {
	d.finalizer = f
}

// Start launches the worker pool.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		d.ctx, d.cancel = context.WithCancel(ctx)
		for i := 0; i < d.cfg.Workers; i++ {
			d.wg.Add(1)
			go d.worker(i)
		}
		log.Printf("[Dispatcher] Started %d workers (queue=%d, step_timeout=%s, max_retries=%d)",
			d.cfg.Workers, d.cfg.QueueSize, d.cfg.StepTimeout, d.cfg.MaxRetries)
	})
}

// Stop drains the pool. In-flight steps finish; queued submissions for
// still-RUNNING workflows are replayed safely on restart because the
// cursor CAS drops anything stale.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		if d.cancel != nil {
			d.cancel()
		}
		d.wg.Wait()
		log.Printf("[Dispatcher] Stopped")
	})
}

// Submit enqueues a unit of work. When the queue is full the send is
// deferred to a goroutine so a worker submitting its workflow's next step
// can never deadlock the pool.
func (d *Dispatcher) Submit(workflowID string, stepIndex int) {
	if stepIndex == 0 {
		d.startedAt.Store(workflowID, time.Now())
	}
	sub := submission{WorkflowID: workflowID, StepIndex: stepIndex}
	select {
	case d.queue <- sub:
	default:
		log.Printf("[Dispatcher] Queue full, deferring submission %s/%d", workflowID, stepIndex)
		go func() {
			select {
			case d.queue <- sub:
			case <-d.stopCh:
			}
		}()
	}
	promStepsQueued.Inc()
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case sub := <-d.queue:
			d.process(sub)
		}
	}
}

// process runs one submission end to end. Every early return is either a
// silent drop (stale submission) or a terminal finalize; a panic in an
// agent client is confined to this step.
func (d *Dispatcher) process(sub submission) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Dispatcher] Panic processing %s/%d: %v", sub.WorkflowID, sub.StepIndex, r)
		}
	}()

	ctx := d.ctx
	wf, err := d.store.Get(ctx, sub.WorkflowID)
	if err != nil {
		log.Printf("[Dispatcher] Dropping %s/%d: %v", sub.WorkflowID, sub.StepIndex, err)
		return
	}

	// Stale submissions from retried or duplicated queue messages are
	// dropped here; the cursor CAS below is the backstop.
	if wf.Status != StatusRunning || sub.StepIndex != wf.Cursor {
		if wf.Status.Terminal() {
			// Cancelled and externally finalized workflows reach their
			// terminal status without passing the complete/fail paths, so
			// their deadline anchor is released here.
			d.startedAt.Delete(wf.ID)
		}
		log.Printf("[Dispatcher] Dropping stale submission %s/%d (status=%s cursor=%d)",
			sub.WorkflowID, sub.StepIndex, wf.Status, wf.Cursor)
		return
	}
	if sub.StepIndex >= len(wf.Tasks) {
		log.Printf("[Dispatcher] Dropping out-of-range submission %s/%d", sub.WorkflowID, sub.StepIndex)
		return
	}

	// Derived workflow deadline: per-step budget times task count from the
	// moment step 0 was submitted. Checked before the step runs.
	if d.workflowDeadlineExceeded(wf) {
		d.failStep(ctx, wf, sub.StepIndex, 0, fmt.Errorf("%w: budget exhausted after %d of %d steps",
			ErrWorkflowTimeout, wf.Cursor, len(wf.Tasks)))
		return
	}

	task := wf.Tasks[sub.StepIndex]
	started := time.Now()

	descriptor, err := d.registry.Lookup(task.AgentID)
	if err != nil {
		d.failStep(ctx, wf, sub.StepIndex, time.Since(started), fmt.Errorf("%w: %s", ErrAgentUnreachable, task.AgentID))
		return
	}
	if descriptor.Health == HealthUnreachable {
		// No network call attempted against an agent known to be down.
		d.registry.RecordOutcome(task.AgentID, false)
		d.failStep(ctx, wf, sub.StepIndex, time.Since(started), fmt.Errorf("%w: %s", ErrAgentUnreachable, task.AgentID))
		return
	}

	input := renderInput(task.InputTemplate, lastOutput(wf))
	output, err := d.executeWithRetry(ctx, descriptor.Endpoint, input)
	duration := time.Since(started)

	if err != nil {
		d.registry.RecordOutcome(task.AgentID, false)
		d.failStep(ctx, wf, sub.StepIndex, duration, err)
		return
	}

	result := StepResult{
		StepIndex:   sub.StepIndex,
		Output:      output,
		DurationMS:  duration.Milliseconds(),
		CompletedAt: time.Now().UTC(),
	}
	if err := d.store.AppendResult(ctx, wf.ID, sub.StepIndex, result); err != nil {
		// A concurrent cancel or a duplicate delivery won the race; this
		// attempt's result is discarded and no further step is submitted.
		log.Printf("[Dispatcher] Result for %s/%d not appended: %v", wf.ID, sub.StepIndex, err)
		return
	}
	d.registry.RecordOutcome(task.AgentID, true)
	promStepsCompleted.WithLabelValues("success").Inc()
	promStepDuration.Observe(float64(duration.Milliseconds()))
	d.bus.Publish(ctx, DefaultEventTopic, newEvent(wf.ID, wf.OwnerID, EventStepCompleted, map[string]interface{}{
		"step_index":  sub.StepIndex,
		"agent_id":    task.AgentID,
		"duration_ms": duration.Milliseconds(),
	}))

	if sub.StepIndex+1 < len(wf.Tasks) {
		// Re-check status before submitting the next step so a cancel
		// that landed after this step's append still stops progress.
		current, err := d.store.Get(ctx, wf.ID)
		if err != nil || current.Status != StatusRunning {
			log.Printf("[Dispatcher] Not submitting next step of %s: workflow no longer running", wf.ID)
			return
		}
		d.Submit(wf.ID, sub.StepIndex+1)
		return
	}

	d.startedAt.Delete(wf.ID)
	if err := d.finalizer.Finalize(ctx, wf.ID, StatusCompleted, nil); err != nil {
		log.Printf("[Dispatcher] Finalize COMPLETED for %s: %v", wf.ID, err)
	}
}

// failStep records a terminal step failure and finalizes the workflow
// FAILED. Remaining steps are never submitted.
func (d *Dispatcher) failStep(ctx context.Context, wf *Workflow, stepIndex int, duration time.Duration, stepErr error) {
	result := StepResult{
		StepIndex:   stepIndex,
		Error:       stepErr.Error(),
		ErrorKind:   errorKind(stepErr),
		DurationMS:  duration.Milliseconds(),
		CompletedAt: time.Now().UTC(),
	}
	if err := d.store.AppendResult(ctx, wf.ID, stepIndex, result); err != nil {
		log.Printf("[Dispatcher] Error result for %s/%d not appended: %v", wf.ID, stepIndex, err)
		return
	}
	promStepsCompleted.WithLabelValues("failure").Inc()
	d.bus.Publish(ctx, DefaultEventTopic, newEvent(wf.ID, wf.OwnerID, EventStepFailed, map[string]interface{}{
		"step_index": stepIndex,
		"error":      stepErr.Error(),
		"error_kind": errorKind(stepErr),
	}))

	d.startedAt.Delete(wf.ID)
	if err := d.finalizer.Finalize(ctx, wf.ID, StatusFailed, stepErr); err != nil {
		log.Printf("[Dispatcher] Finalize FAILED for %s: %v", wf.ID, err)
	}
}

// workflowDeadlineExceeded implements the derived overall-workflow timeout:
// the per-step budget (one attempt plus the full retry and backoff
// allowance) times the task count, measured from first submission.
func (d *Dispatcher) workflowDeadlineExceeded(wf *Workflow) bool {
	v, ok := d.startedAt.Load(wf.ID)
	if !ok {
		// Unknown start (e.g. after restart): re-anchor now rather than
		// failing a workflow we have no timing for.
		d.startedAt.Store(wf.ID, time.Now())
		return false
	}
	perStep := d.cfg.StepTimeout*time.Duration(d.cfg.MaxRetries+1) + d.cfg.BackoffCap*time.Duration(d.cfg.MaxRetries)
	deadline := v.(time.Time).Add(perStep * time.Duration(len(wf.Tasks)))
	return time.Now().After(deadline)
}

// executeWithRetry invokes the agent with a bounded per-attempt timeout and
// exponential backoff plus jitter between attempts. Exhausting the retry
// budget is a terminal step failure.
func (d *Dispatcher) executeWithRetry(ctx context.Context, endpoint string, input map[string]interface{}) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := d.backoffDelay(attempt)
			log.Printf("[Dispatcher] Retry %d/%d for %s after %s: %v", attempt, d.cfg.MaxRetries, endpoint, delay, lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrStepTimeout, ctx.Err())
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.StepTimeout)
		output, err := d.client.Execute(attemptCtx, endpoint, input)
		cancel()
		if err == nil {
			return output, nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			lastErr = fmt.Errorf("%w: agent call exceeded %s", ErrStepTimeout, d.cfg.StepTimeout)
		} else {
			lastErr = fmt.Errorf("%w: %v", ErrAgentExecution, err)
		}
	}
	return nil, lastErr
}

// backoffDelay is base * 2^(attempt-1) capped, plus up to 50% jitter.
func (d *Dispatcher) backoffDelay(attempt int) time.Duration {
	delay := d.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= d.cfg.BackoffCap {
			delay = d.cfg.BackoffCap
			break
		}
	}
	d.randMu.Lock()
	jitter := time.Duration(d.rand.Int63n(int64(delay)/2 + 1))
	d.randMu.Unlock()
	return delay + jitter
}

// lastOutput returns the most recent successful output, nil when none.
func lastOutput(wf *Workflow) json.RawMessage {
	if len(wf.Results) == 0 {
		return nil
	}
	last := wf.Results[len(wf.Results)-1]
	if !last.Succeeded() {
		return nil
	}
	return last.Output
}

// renderInput resolves the reserved {{previous.output}} placeholder in an
// input template against the prior step's output. A string value that is
// exactly the placeholder becomes the decoded output; a string containing
// it gets the raw JSON spliced in. Maps and slices are walked recursively.
func renderInput(template map[string]interface{}, previous json.RawMessage) map[string]interface{} {
	if template == nil {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(template))
	for k, v := range template {
		out[k] = renderValue(v, previous)
	}
	return out
}

func renderValue(v interface{}, previous json.RawMessage) interface{} {
	switch val := v.(type) {
	case string:
		if !strings.Contains(val, previousOutputPlaceholder) {
			return val
		}
		if previous == nil {
			return strings.ReplaceAll(val, previousOutputPlaceholder, "")
		}
		if val == previousOutputPlaceholder {
			var decoded interface{}
			if err := json.Unmarshal(previous, &decoded); err == nil {
				return decoded
			}
		}
		return strings.ReplaceAll(val, previousOutputPlaceholder, string(previous))
	case map[string]interface{}:
		return renderInput(val, previous)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = renderValue(item, previous)
		}
		return out
	default:
		return v
	}
}

// ============================================================
// HTTP agent client
// ============================================================

// HTTPAgentClient implements the agent collaborator contract:
// POST {endpoint}/execute with {"input": ...} expecting 200 {"output": ...}.
// Any non-2xx status or transport error is reported uniformly as a
// retryable failure.
type HTTPAgentClient struct {
	httpClient *http.Client
}

// NewHTTPAgentClient creates a client. The per-attempt deadline comes from
// the caller's context, so no client-level timeout is set.
func NewHTTPAgentClient() *HTTPAgentClient {
	return &HTTPAgentClient{
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

type agentExecuteRequest struct {
	Input map[string]interface{} `json:"input"`
}

type agentExecuteResponse struct {
	Output json.RawMessage `json:"output"`
}

func (c *HTTPAgentClient) Execute(ctx context.Context, endpoint string, input map[string]interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(agentExecuteRequest{Input: input})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal agent input: %w", err)
	}

	url := strings.TrimSuffix(endpoint, "/") + "/execute"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build agent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, context.DeadlineExceeded
		}
		return nil, fmt.Errorf("agent request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read agent response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("agent returned status %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var parsed agentExecuteResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("agent returned invalid JSON: %w", err)
	}
	if parsed.Output == nil {
		// Tolerate agents that return the payload at the top level.
		return json.RawMessage(data), nil
	}
	return parsed.Output, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

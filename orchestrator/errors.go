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

import "errors"

// Error taxonomy for the orchestration core. Validation and auth errors are
// surfaced synchronously with no side effects; execution-time errors are
// recorded into the workflow's results and terminate the workflow.
var (
	// ErrValidation covers malformed request shapes. Never persisted.
	ErrValidation = errors.New("validation error")

	// ErrUnknownAgent means a task references an agent_id that does not
	// resolve in the registry. Rejected at create time.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrConfig covers invalid registry configuration, e.g. duplicate
	// agent ids in a bulk load.
	ErrConfig = errors.New("config error")

	// ErrUnauthenticated means the bearer token failed verification:
	// bad signature, expired, revoked, or malformed.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrPolicyDenied means the identity is not allowed to perform the
	// action on the resource.
	ErrPolicyDenied = errors.New("policy denied")

	// ErrNotFound means the workflow or agent does not exist, or is not
	// visible to the caller.
	ErrNotFound = errors.New("not found")

	// ErrConflict is a failed compare-and-swap: the workflow id already
	// exists, or the expected status did not match.
	ErrConflict = errors.New("conflict")

	// ErrStaleCursor is a failed compare-and-append: the persisted cursor
	// did not match the expected one. Duplicate and replayed submissions
	// land here and are dropped.
	ErrStaleCursor = errors.New("stale cursor")

	// ErrStaleStatus is a failed status compare-and-swap.
	ErrStaleStatus = errors.New("stale status")

	// ErrAgentUnreachable means the target agent is marked UNREACHABLE;
	// no network call is attempted.
	ErrAgentUnreachable = errors.New("agent unreachable")

	// ErrAgentExecution covers non-2xx responses and transport failures
	// from an agent call. Retried up to the budget, then terminal.
	ErrAgentExecution = errors.New("agent execution error")

	// ErrStepTimeout means a single agent call exceeded its deadline.
	ErrStepTimeout = errors.New("step timeout")

	// ErrWorkflowTimeout means the derived workflow deadline passed before
	// the next step could be submitted. Terminal, no retries.
	ErrWorkflowTimeout = errors.New("workflow timeout")

	// ErrRateLimited means the caller exceeded its request budget.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// errorKind maps a step-level error to the tag recorded in StepResult.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrAgentUnreachable):
		return "AgentUnreachable"
	case errors.Is(err, ErrStepTimeout):
		return "StepTimeout"
	case errors.Is(err, ErrWorkflowTimeout):
		return "WorkflowTimeout"
	case errors.Is(err, ErrAgentExecution):
		return "AgentExecutionError"
	default:
		return "AgentExecutionError"
	}
}

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
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testMember   = &Identity{SubjectID: "user-1", Roles: []string{"member"}}
	testStranger = &Identity{SubjectID: "user-2", Roles: []string{"member"}}
	testOperator = &Identity{SubjectID: "op-1", Roles: []string{"operator"}}
)

func simpleCreateRequest() CreateRequest {
	return CreateRequest{
		Name: "summarize-and-translate",
		Tasks: []TaskSpec{
			{AgentID: "summarizer", InputTemplate: map[string]interface{}{"text": "long document"}},
			{AgentID: "translator", InputTemplate: map[string]interface{}{"text": "{{previous.output}}"}},
		},
	}
}

func TestManager_Create(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	wf, err := f.manager.Create(ctx, testMember, simpleCreateRequest())
	require.NoError(t, err)

	assert.NotEmpty(t, wf.ID)
	assert.Equal(t, StatusPending, wf.Status)
	assert.Equal(t, "user-1", wf.OwnerID)
	assert.Equal(t, 0, wf.Cursor)
	require.Len(t, wf.Tasks, 2)
	assert.Equal(t, 0, wf.Tasks[0].StepIndex)
	assert.Equal(t, 1, wf.Tasks[1].StepIndex)
}

func TestManager_Create_Validation(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	tooMany := make([]TaskSpec, MaxTasksPerWorkflow+1)
	for i := range tooMany {
		tooMany[i] = TaskSpec{AgentID: "summarizer"}
	}

	tests := []struct {
		name    string
		req     CreateRequest
		wantErr error
	}{
		{
			name:    "missing name",
			req:     CreateRequest{Tasks: []TaskSpec{{AgentID: "summarizer"}}},
			wantErr: ErrValidation,
		},
		{
			name:    "empty task list",
			req:     CreateRequest{Name: "empty"},
			wantErr: ErrValidation,
		},
		{
			name:    "too many tasks",
			req:     CreateRequest{Name: "big", Tasks: tooMany},
			wantErr: ErrValidation,
		},
		{
			name:    "task missing agent id",
			req:     CreateRequest{Name: "blank", Tasks: []TaskSpec{{}}},
			wantErr: ErrValidation,
		},
		{
			name:    "unknown agent",
			req:     CreateRequest{Name: "ghost", Tasks: []TaskSpec{{AgentID: "no-such-agent"}}},
			wantErr: ErrUnknownAgent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.manager.Create(ctx, testMember, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestManager_Create_PolicyDenied(t *testing.T) {
	f := newDispatcherFixture(t)

	guest := &Identity{SubjectID: "g-1", Roles: []string{"guest"}}
	_, err := f.manager.Create(context.Background(), guest, simpleCreateRequest())
	assert.ErrorIs(t, err, ErrPolicyDenied)
}

func TestManager_ExecuteRunsToCompletion(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	wf, err := f.manager.Create(ctx, testMember, simpleCreateRequest())
	require.NoError(t, err)

	started, err := f.manager.Execute(ctx, testMember, wf.ID)
	require.NoError(t, err)
	assert.NotEqual(t, StatusPending, started.Status)

	final := f.waitTerminal(t, wf.ID)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Len(t, final.Results, 2)
}

func TestManager_Execute_SecondCallConflicts(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	wf, err := f.manager.Create(ctx, testMember, simpleCreateRequest())
	require.NoError(t, err)

	_, err = f.manager.Execute(ctx, testMember, wf.ID)
	require.NoError(t, err)

	_, err = f.manager.Execute(ctx, testMember, wf.ID)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestManager_Execute_ConcurrentOneWins(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	wf, err := f.manager.Create(ctx, testMember, simpleCreateRequest())
	require.NoError(t, err)

	const callers = 16
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.manager.Execute(ctx, testMember, wf.ID)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrConflict)
		}
	}
	assert.Equal(t, 1, wins)
}

func TestManager_Execute_UnknownWorkflow(t *testing.T) {
	f := newDispatcherFixture(t)

	_, err := f.manager.Execute(context.Background(), testMember, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_CancelPending(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	wf, err := f.manager.Create(ctx, testMember, simpleCreateRequest())
	require.NoError(t, err)

	cancelled, err := f.manager.Cancel(ctx, testMember, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	// Executing a cancelled workflow conflicts.
	_, err = f.manager.Execute(ctx, testMember, wf.ID)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestManager_Cancel_IdempotentOnTerminal(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	wf, err := f.manager.Create(ctx, testMember, simpleCreateRequest())
	require.NoError(t, err)
	_, err = f.manager.Execute(ctx, testMember, wf.ID)
	require.NoError(t, err)
	final := f.waitTerminal(t, wf.ID)
	require.Equal(t, StatusCompleted, final.Status)

	// Cancel after completion reports the terminal state, not CANCELLED.
	got, err := f.manager.Cancel(ctx, testMember, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)

	got, err = f.manager.Cancel(ctx, testMember, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestManager_OwnershipScoping(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	wf, err := f.manager.Create(ctx, testMember, simpleCreateRequest())
	require.NoError(t, err)

	// Another member sees not-found, not forbidden.
	_, err = f.manager.Get(ctx, testStranger, wf.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.manager.Cancel(ctx, testStranger, wf.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Operators cross ownership boundaries.
	got, err := f.manager.Get(ctx, testOperator, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, wf.ID, got.ID)

	got, err = f.manager.Get(ctx, testMember, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, wf.ID, got.ID)
}

func TestManager_ListByOwner(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		req := simpleCreateRequest()
		req.Name = fmt.Sprintf("wf-%d", i)
		_, err := f.manager.Create(ctx, testMember, req)
		require.NoError(t, err)
	}
	_, err := f.manager.Create(ctx, testStranger, simpleCreateRequest())
	require.NoError(t, err)

	mine, err := f.manager.ListByOwner(ctx, testMember, 10, 0)
	require.NoError(t, err)
	assert.Len(t, mine, 3)
	for _, wf := range mine {
		assert.Equal(t, "user-1", wf.OwnerID)
	}

	theirs, err := f.manager.ListByOwner(ctx, testStranger, 10, 0)
	require.NoError(t, err)
	assert.Len(t, theirs, 1)
}

func TestManager_Finalize(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	// Non-terminal outcome is rejected.
	err := f.manager.Finalize(ctx, "anything", StatusRunning, nil)
	assert.ErrorIs(t, err, ErrValidation)

	// Losing the CAS race (workflow already terminal) is not an error.
	f.startWorkflow(t, "wf-done", "summarizer")
	require.NoError(t, f.store.Transition(ctx, "wf-done", StatusRunning, StatusCancelled, ""))
	assert.NoError(t, f.manager.Finalize(ctx, "wf-done", StatusCompleted, nil))

	wf, err := f.store.Get(ctx, "wf-done")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, wf.Status)
}

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
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// WorkflowStore is the durable record of workflow definitions, status and
// accumulated step results. All mutating operations are single-row
// compare-and-swap so no global lock is required: concurrent writers race
// on the expected cursor or status and exactly one wins.
type WorkflowStore interface {
	// Create atomically inserts a new workflow. ErrConflict on id collision.
	Create(ctx context.Context, wf *Workflow) error

	// Get returns the workflow or ErrNotFound.
	Get(ctx context.Context, id string) (*Workflow, error)

	// ListByOwner returns the owner's workflows, newest first, paginated.
	ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*Workflow, error)

	// AppendResult is a compare-and-append: it succeeds only when the
	// persisted cursor equals expectedCursor and status is RUNNING,
	// otherwise ErrStaleCursor. This is the core concurrency-safety
	// primitive; duplicate submissions fail it and are dropped.
	AppendResult(ctx context.Context, id string, expectedCursor int, result StepResult) error

	// Transition is a compare-and-swap on status. ErrStaleStatus when the
	// current status does not match expected. leaseToken is recorded with
	// the new status (empty clears it).
	Transition(ctx context.Context, id string, expected, next WorkflowStatus, leaseToken string) error
}

// ============================================================
// Postgres implementation
// ============================================================

// PostgresWorkflowStore persists workflows in a single table with JSONB
// tasks and results columns. CAS updates are single statements keyed on
// the expected cursor or status.
type PostgresWorkflowStore struct {
	db *sql.DB
}

// NewPostgresWorkflowStore creates a store over an open connection pool.
func NewPostgresWorkflowStore(db *sql.DB) *PostgresWorkflowStore {
	return &PostgresWorkflowStore{db: db}
}

const workflowColumns = `id, name, owner_id, tasks, status, results, cursor, lease_token, created_at, updated_at`

func (s *PostgresWorkflowStore) Create(ctx context.Context, wf *Workflow) error {
	tasksJSON, err := json.Marshal(wf.Tasks)
	if err != nil {
		return fmt.Errorf("failed to marshal tasks: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, owner_id, tasks, status, results, cursor, lease_token, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, '[]'::jsonb, 0, '', NOW(), NOW())
		 ON CONFLICT (id) DO NOTHING`,
		wf.ID, wf.Name, wf.OwnerID, tasksJSON, string(wf.Status))
	if err != nil {
		return fmt.Errorf("failed to insert workflow: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read insert result: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: workflow id %s already exists", ErrConflict, wf.ID)
	}
	return nil
}

func (s *PostgresWorkflowStore) Get(ctx context.Context, id string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, id)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: workflow %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch workflow: %w", err)
	}
	return wf, nil
}

func (s *PostgresWorkflowStore) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*Workflow, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows
		 WHERE owner_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`, ownerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var out []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (s *PostgresWorkflowStore) AppendResult(ctx context.Context, id string, expectedCursor int, result StepResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows
		 SET results = results || $2::jsonb, cursor = cursor + 1, updated_at = NOW()
		 WHERE id = $1 AND cursor = $3 AND status = 'RUNNING'`,
		id, resultJSON, expectedCursor)
	if err != nil {
		return fmt.Errorf("failed to append result: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read append result: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: workflow %s cursor %d", ErrStaleCursor, id, expectedCursor)
	}
	return nil
}

func (s *PostgresWorkflowStore) Transition(ctx context.Context, id string, expected, next WorkflowStatus, leaseToken string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows
		 SET status = $3, lease_token = $4, updated_at = NOW()
		 WHERE id = $1 AND status = $2`,
		id, string(expected), string(next), leaseToken)
	if err != nil {
		return fmt.Errorf("failed to transition workflow: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read transition result: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: workflow %s not in %s", ErrStaleStatus, id, expected)
	}
	return nil
}

// rowScanner lets scanWorkflow serve both QueryRow and Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorkflow(row rowScanner) (*Workflow, error) {
	var wf Workflow
	var status string
	var tasksJSON, resultsJSON []byte

	err := row.Scan(&wf.ID, &wf.Name, &wf.OwnerID, &tasksJSON, &status,
		&resultsJSON, &wf.Cursor, &wf.LeaseToken, &wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		return nil, err
	}

	wf.Status = WorkflowStatus(status)
	if err := json.Unmarshal(tasksJSON, &wf.Tasks); err != nil {
		return nil, fmt.Errorf("corrupt tasks column: %w", err)
	}
	if len(resultsJSON) > 0 {
		if err := json.Unmarshal(resultsJSON, &wf.Results); err != nil {
			return nil, fmt.Errorf("corrupt results column: %w", err)
		}
	}
	return &wf, nil
}

// ============================================================
// In-memory implementation
// ============================================================

// InMemoryWorkflowStore keeps workflows in a map with the same CAS
// semantics as the Postgres store. Used in tests and dev mode.
type InMemoryWorkflowStore struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
}

// NewInMemoryWorkflowStore creates an empty in-memory store.
func NewInMemoryWorkflowStore() *InMemoryWorkflowStore {
	return &InMemoryWorkflowStore{workflows: make(map[string]*Workflow)}
}

func (s *InMemoryWorkflowStore) Create(_ context.Context, wf *Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[wf.ID]; ok {
		return fmt.Errorf("%w: workflow id %s already exists", ErrConflict, wf.ID)
	}
	cp := copyWorkflow(wf)
	now := time.Now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.workflows[wf.ID] = cp
	return nil
}

func (s *InMemoryWorkflowStore) Get(_ context.Context, id string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, ok := s.workflows[id]
	if !ok {
		return nil, fmt.Errorf("%w: workflow %s", ErrNotFound, id)
	}
	return copyWorkflow(wf), nil
}

func (s *InMemoryWorkflowStore) ListByOwner(_ context.Context, ownerID string, limit, offset int) ([]*Workflow, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	s.mu.RLock()
	var owned []*Workflow
	for _, wf := range s.workflows {
		if wf.OwnerID == ownerID {
			owned = append(owned, copyWorkflow(wf))
		}
	}
	s.mu.RUnlock()

	sort.Slice(owned, func(i, j int) bool {
		return owned[i].CreatedAt.After(owned[j].CreatedAt)
	})

	if offset >= len(owned) {
		return []*Workflow{}, nil
	}
	end := offset + limit
	if end > len(owned) {
		end = len(owned)
	}
	return owned[offset:end], nil
}

func (s *InMemoryWorkflowStore) AppendResult(_ context.Context, id string, expectedCursor int, result StepResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[id]
	if !ok {
		return fmt.Errorf("%w: workflow %s", ErrNotFound, id)
	}
	if wf.Status != StatusRunning || wf.Cursor != expectedCursor {
		return fmt.Errorf("%w: workflow %s cursor %d", ErrStaleCursor, id, expectedCursor)
	}
	wf.Results = append(wf.Results, result)
	wf.Cursor++
	wf.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryWorkflowStore) Transition(_ context.Context, id string, expected, next WorkflowStatus, leaseToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[id]
	if !ok {
		return fmt.Errorf("%w: workflow %s", ErrNotFound, id)
	}
	if wf.Status != expected {
		return fmt.Errorf("%w: workflow %s not in %s", ErrStaleStatus, id, expected)
	}
	wf.Status = next
	wf.LeaseToken = leaseToken
	wf.UpdatedAt = time.Now()
	return nil
}

func copyWorkflow(wf *Workflow) *Workflow {
	cp := *wf
	cp.Tasks = append([]TaskSpec(nil), wf.Tasks...)
	cp.Results = append([]StepResult(nil), wf.Results...)
	return &cp
}

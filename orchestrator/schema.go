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
	"fmt"
	"log"
)

// schemaStatements holds the DDL for every table the Postgres stores
// touch, keyed by table name for error reporting. All statements are
// idempotent so bootstrap can run on every startup.
var schemaStatements = []struct {
	table string
	ddl   string
}{
	{
		table: "workflows",
		ddl: `
	CREATE TABLE IF NOT EXISTS workflows (
		id VARCHAR(255) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		owner_id VARCHAR(255) NOT NULL,
		tasks JSONB NOT NULL,
		status VARCHAR(20) NOT NULL,
		results JSONB NOT NULL DEFAULT '[]'::jsonb,
		cursor INTEGER NOT NULL DEFAULT 0,
		lease_token VARCHAR(255) NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_workflows_owner_id ON workflows(owner_id);
	CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status);
	`,
	},
	{
		table: "users",
		ddl: `
	CREATE TABLE IF NOT EXISTS users (
		id VARCHAR(255) PRIMARY KEY,
		username VARCHAR(255) NOT NULL UNIQUE,
		password_hash VARCHAR(255) NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`,
	},
	{
		table: "analytics_events",
		ddl: `
	CREATE TABLE IF NOT EXISTS analytics_events (
		event_id VARCHAR(255) PRIMARY KEY,
		workflow_id VARCHAR(255) NOT NULL,
		event_type VARCHAR(50) NOT NULL,
		owner_id VARCHAR(255) NOT NULL,
		payload JSONB,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_analytics_events_owner_id ON analytics_events(owner_id);
	CREATE INDEX IF NOT EXISTS idx_analytics_events_workflow_id ON analytics_events(workflow_id);
	`,
	},
}

// ensureSchema creates the tables and indexes the Postgres stores depend
// on if they don't exist. Called once at startup before any store is used.
func ensureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt.ddl); err != nil {
			return fmt.Errorf("failed to create %s table: %w", stmt.table, err)
		}
	}
	log.Printf("[Schema] Bootstrap complete (%d tables)", len(schemaStatements))
	return nil
}

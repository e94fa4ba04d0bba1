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

/*
Package logger provides structured JSON logging for FlowGrid components.

# Overview

The logger outputs single-line JSON to stdout, making logs easily
consumable by CloudWatch, ELK stack, or other log aggregation systems.

Each log entry includes:
  - Timestamp (RFC3339Nano format)
  - Log level (DEBUG, INFO, WARN, ERROR)
  - Component name (orchestrator, dispatcher, etc.)
  - Instance ID and container name (for distributed tracing)
  - Owner ID (for per-user isolation)
  - Workflow ID (for workflow correlation)
  - Custom fields

# Usage

Create a logger for your component:

	log := logger.New("orchestrator")

Log messages with owner and workflow context:

	log.Info("user-123", "wf-456", "Workflow started", map[string]interface{}{
	    "task_count": 3,
	})

Log errors with status codes:

	log.ErrorWithCode("user-123", "wf-456", "Step failed", 500, err, map[string]interface{}{
	    "step_index": 2,
	})

Log with duration tracking:

	start := time.Now()
	// ... do work ...
	log.InfoWithDuration("user-123", "wf-456", "Workflow completed",
	    float64(time.Since(start).Milliseconds()), nil)

# Output Format

Log entries are output as single-line JSON:

	{"timestamp":"2025-01-15T10:30:00.123456789Z","level":"INFO",
	 "component":"orchestrator","instance_id":"i-abc123","container":"orch-xyz",
	 "owner_id":"user-123","workflow_id":"wf-456",
	 "message":"Workflow started","fields":{"task_count":3}}

# Environment Variables

The logger reads these environment variables:

  - INSTANCE_ID: Deployment instance identifier
  - HOSTNAME: Container hostname (auto-detected)

# Thread Safety

Logger instances are safe for concurrent use from multiple goroutines.
*/
package logger

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

// Package main is the entry point for the FlowGrid Orchestrator service.
//
// The Orchestrator is a workflow coordination service that:
// - Registers agents from YAML descriptors and tracks their health
// - Authenticates callers and enforces a default-deny policy gate
// - Persists workflows and advances them step by step through a
//   bounded dispatch pool with retries and timeouts
// - Publishes lifecycle events for analytics and external consumers
//
// Usage:
//
//	./orchestrator
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8081)
//	DATABASE_URL - PostgreSQL connection string
//	REDIS_ADDR - Redis address (optional)
//	JWT_SECRET - HMAC signing secret for issued tokens (required)
//	AGENT_CONFIG_DIR - agent descriptor directory (default: ./agents)
package main

import (
	"flowgrid/platform/orchestrator"
)

func main() {
	orchestrator.Run()
}

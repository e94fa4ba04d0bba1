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
Package orchestrator provides the FlowGrid Orchestrator service - the
workflow coordination and policy enforcement engine.

# Overview

The Orchestrator owns the full lifecycle of a workflow. It handles:

  - Agent registration from YAML descriptors with health tracking
  - Token issuance, authentication, and default-deny authorization
  - Durable workflow state with compare-and-swap transitions
  - Step dispatch through a bounded worker pool with retries
  - Lifecycle event publication for analytics and external consumers

# Architecture

A workflow moves through a strict state machine:

	PENDING → RUNNING → {COMPLETED, FAILED, CANCELLED}

Steps execute sequentially and fail fast: the first step that exhausts
its retries fails the workflow without running later steps. Every state
transition and result append is a conditional update keyed on the
expected status or cursor, so a stale writer loses the race instead of
corrupting state.

# Agent Registry

The AgentRegistry loads descriptors from YAML files and tracks health
per agent. Five consecutive failures degrade an agent one level
(HEALTHY → DEGRADED → UNREACHABLE); any success resets it. Dispatch
refuses to call UNREACHABLE agents.

# Policy Gate

The PolicyGate issues HS256 tokens and evaluates every call against an
allow-list of (role, resource, action) rules. Anything not explicitly
allowed is denied, and any token ambiguity (bad signature, expiry,
revocation) fails closed with an authentication error. Revoked token
ids are held in Redis with a TTL matched to the token's remaining
lifetime.

# Dispatcher

The Dispatcher runs a fixed pool of workers over a bounded queue. Each
step gets up to three retries with exponential backoff (500ms base,
doubling, capped at 8s, with jitter) and a 30 second per-attempt
timeout. A workflow-level deadline derived from its step count bounds
total execution.

# Events

Every lifecycle change publishes an Event to the bus: in-memory for
local subscribers (the analytics recorder), and a Redis stream when
Redis is configured. Delivery is at-least-once; consumers deduplicate
on event_id.

# Usage

	// Start the Orchestrator service
	orchestrator.Run()

	// Configuration comes from environment variables:
	// PORT             - HTTP server port (default: 8081)
	// DATABASE_URL     - PostgreSQL connection string
	// REDIS_ADDR       - Redis address (optional)
	// JWT_SECRET       - HMAC signing secret (required)
	// AGENT_CONFIG_DIR - agent descriptor directory

# Thread Safety

All exported types in this package are safe for concurrent use. The
store's conditional updates are the single source of truth for
workflow state; in-process locks only guard in-memory caches.

# Metrics

The Orchestrator exposes Prometheus metrics at /prometheus:

  - flowgrid_orchestrator_requests_total - Total requests by route/status
  - flowgrid_orchestrator_request_duration_milliseconds - Request latency
  - flowgrid_orchestrator_workflows_total - Workflows by outcome
  - flowgrid_orchestrator_steps_completed_total - Steps by result
*/
package orchestrator

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
	"log"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// DefaultEventTopic is the topic lifecycle events are published on.
const DefaultEventTopic = "workflow-events"

// EventBus publishes lifecycle events to downstream consumers. Delivery is
// at-least-once; events for the same workflow_id are delivered in publish
// order (workflow_id is the ordering key). Publish must never block the
// dispatch path on a slow consumer.
type EventBus interface {
	Publish(ctx context.Context, topic string, event Event)
}

// EventHandler consumes events from the in-memory bus.
type EventHandler func(topic string, event Event)

// eventQueueSize bounds each bus's delivery backlog. Overflow drops the
// event with a log line rather than blocking a publisher.
const eventQueueSize = 10_000

// busDelivery is one queued event plus its topic.
type busDelivery struct {
	topic string
	event Event
}

// ============================================================
// In-memory bus
// ============================================================

// InMemoryEventBus fans events out to subscribed handlers. Publishes go
// through a bounded queue drained by a single background goroutine, so a
// slow subscriber never blocks the dispatch path and handlers still
// observe per-workflow publish order.
type InMemoryEventBus struct {
	mu        sync.RWMutex
	handlers  []EventHandler
	queue     chan busDelivery
	done      chan struct{}
	closeOnce sync.Once
}

// NewInMemoryEventBus creates a bus with no subscribers and starts its
// delivery goroutine.
func NewInMemoryEventBus() *InMemoryEventBus {
	b := &InMemoryEventBus{
		queue: make(chan busDelivery, eventQueueSize),
		done:  make(chan struct{}),
	}
	go b.drain()
	return b
}

// Subscribe registers a handler for all subsequent events.
func (b *InMemoryEventBus) Subscribe(handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

// Publish enqueues the event without blocking. When the queue is full the
// event is dropped and logged.
func (b *InMemoryEventBus) Publish(_ context.Context, topic string, event Event) {
	select {
	case b.queue <- busDelivery{topic: topic, event: event}:
	default:
		log.Printf("[EventBus] Delivery queue full, dropping %s for workflow %s", event.EventType, event.WorkflowID)
	}
}

func (b *InMemoryEventBus) drain() {
	defer close(b.done)
	for d := range b.queue {
		b.mu.RLock()
		handlers := b.handlers
		b.mu.RUnlock()
		for _, h := range handlers {
			h(d.topic, d.event)
		}
	}
}

// Close delivers everything already queued, then stops the delivery
// goroutine. Publish must not be called after Close.
func (b *InMemoryEventBus) Close() {
	b.closeOnce.Do(func() { close(b.queue) })
	<-b.done
}

// ============================================================
// Redis Streams bus
// ============================================================

// RedisEventBus appends events to a Redis stream per topic. A stream
// preserves append order, which gives per-workflow ordering since all of a
// workflow's events flow through the same publisher path. Consumers read
// with XREAD/consumer groups and get at-least-once delivery. Appends run
// on a background goroutine fed by a bounded queue, keeping broker latency
// off the dispatch path.
type RedisEventBus struct {
	rdb       *redis.Client
	maxLen    int64
	queue     chan busDelivery
	done      chan struct{}
	closeOnce sync.Once
}

// NewRedisEventBus creates a publisher over the given client and starts
// its delivery goroutine. Streams are capped at maxLen entries
// (approximate trimming); 0 means a 100k default.
func NewRedisEventBus(rdb *redis.Client, maxLen int64) *RedisEventBus {
	if maxLen <= 0 {
		maxLen = 100_000
	}
	b := &RedisEventBus{
		rdb:    rdb,
		maxLen: maxLen,
		queue:  make(chan busDelivery, eventQueueSize),
		done:   make(chan struct{}),
	}
	go b.drain()
	return b
}

// Publish enqueues the event without blocking. When the queue is full the
// event is dropped and logged. XADD failures are logged, not returned:
// event publication must never fail a workflow transition that already
// committed.
func (b *RedisEventBus) Publish(_ context.Context, topic string, event Event) {
	select {
	case b.queue <- busDelivery{topic: topic, event: event}:
	default:
		log.Printf("[EventBus] Delivery queue full, dropping %s for workflow %s", event.EventType, event.WorkflowID)
	}
}

func (b *RedisEventBus) drain() {
	defer close(b.done)
	for d := range b.queue {
		b.append(d.topic, d.event)
	}
}

func (b *RedisEventBus) append(topic string, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("[EventBus] Failed to marshal event %s/%s: %v", event.WorkflowID, event.EventType, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: "events:" + topic,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"workflow_id": event.WorkflowID,
			"event_type":  string(event.EventType),
			"event":       string(payload),
		},
	}).Err()
	if err != nil {
		log.Printf("[EventBus] Failed to publish %s for workflow %s: %v", event.EventType, event.WorkflowID, err)
	}
}

// Close delivers everything already queued, then stops the delivery
// goroutine. Publish must not be called after Close.
func (b *RedisEventBus) Close() {
	b.closeOnce.Do(func() { close(b.queue) })
	<-b.done
}

// ============================================================
// Composite bus
// ============================================================

// TeeEventBus publishes to several buses, typically the in-memory bus for
// local subscribers plus the Redis stream for external consumers.
type TeeEventBus struct {
	buses []EventBus
}

// NewTeeEventBus creates a bus fanning out to all given buses.
func NewTeeEventBus(buses ...EventBus) *TeeEventBus {
	return &TeeEventBus{buses: buses}
}

func (b *TeeEventBus) Publish(ctx context.Context, topic string, event Event) {
	for _, bus := range b.buses {
		bus.Publish(ctx, topic, event)
	}
}

// ============================================================
// Analytics recorder
// ============================================================

// AnalyticsStore persists lifecycle events for the analytics API.
type AnalyticsStore interface {
	RecordEvent(ctx context.Context, event Event) error
	EventsByOwner(ctx context.Context, ownerID string, limit int) ([]Event, error)
}

// PostgresAnalyticsStore writes events to an analytics_events table.
type PostgresAnalyticsStore struct {
	db *sql.DB
}

// NewPostgresAnalyticsStore creates a store over an open connection pool.
func NewPostgresAnalyticsStore(db *sql.DB) *PostgresAnalyticsStore {
	return &PostgresAnalyticsStore{db: db}
}

func (s *PostgresAnalyticsStore) RecordEvent(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO analytics_events (event_id, workflow_id, event_type, owner_id, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (event_id) DO NOTHING`,
		event.EventID, event.WorkflowID, string(event.EventType), event.OwnerID, payload, event.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

func (s *PostgresAnalyticsStore) EventsByOwner(ctx context.Context, ownerID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, workflow_id, event_type, owner_id, payload, created_at
		 FROM analytics_events
		 WHERE owner_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var eventType string
		var payload []byte
		if err := rows.Scan(&e.EventID, &e.WorkflowID, &eventType, &e.OwnerID, &payload, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.EventType = EventType(eventType)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("corrupt payload column: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// InMemoryAnalyticsStore is the test and dev-mode implementation.
type InMemoryAnalyticsStore struct {
	mu     sync.RWMutex
	events []Event
}

// NewInMemoryAnalyticsStore creates an empty store.
func NewInMemoryAnalyticsStore() *InMemoryAnalyticsStore {
	return &InMemoryAnalyticsStore{}
}

func (s *InMemoryAnalyticsStore) RecordEvent(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.EventID == event.EventID {
			return nil
		}
	}
	s.events = append(s.events, event)
	return nil
}

func (s *InMemoryAnalyticsStore) EventsByOwner(_ context.Context, ownerID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Event
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		if s.events[i].OwnerID == ownerID {
			out = append(out, s.events[i])
		}
	}
	return out, nil
}

// AnalyticsRecorder subscribes to the in-memory bus and persists every
// event. It runs on the bus's delivery goroutine, so a slow store write
// never touches the dispatch path. Write failures are logged; analytics
// must never affect workflow progress.
type AnalyticsRecorder struct {
	store AnalyticsStore
}

// NewAnalyticsRecorder wires a recorder onto the bus.
func NewAnalyticsRecorder(store AnalyticsStore, bus *InMemoryEventBus) *AnalyticsRecorder {
	rec := &AnalyticsRecorder{store: store}
	bus.Subscribe(rec.handle)
	return rec
}

func (rec *AnalyticsRecorder) handle(_ string, event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rec.store.RecordEvent(ctx, event); err != nil {
		log.Printf("[Analytics] Failed to record %s for workflow %s: %v", event.EventType, event.WorkflowID, err)
	}
}

// newEvent builds a lifecycle event with a fresh id and timestamp.
func newEvent(workflowID, ownerID string, eventType EventType, payload map[string]interface{}) Event {
	return Event{
		EventID:    uuid.NewString(),
		WorkflowID: workflowID,
		OwnerID:    ownerID,
		EventType:  eventType,
		Timestamp:  time.Now().UTC(),
		Payload:    payload,
	}
}

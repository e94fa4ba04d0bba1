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
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/cors"
)

// FlowGrid Orchestrator - Workflow Orchestration Core
// This service registers agents, authorizes callers, and drives
// multi-step workflows through a bounded dispatch pool.

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// Run is the exported entry point for the orchestrator service.
//
// It initializes all components (database, Redis, agent registry,
// dispatcher), sets up HTTP routes, and starts the server. The function
// blocks until the server is shut down.
//
// Environment variables used:
//   - PORT: HTTP server port (default: 8081)
//   - DATABASE_URL: PostgreSQL connection string (or DATABASE_HOST et al.)
//   - REDIS_ADDR: Redis address for events, revocation, rate limits (optional)
//   - JWT_SECRET: HMAC signing secret for issued tokens (required)
//   - AGENT_CONFIG_DIR: directory of agent descriptor YAML files (default: ./agents)
func Run() {
	log.Println("Starting FlowGrid Orchestrator...")

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		log.Fatal("JWT_SECRET environment variable is required")
	}

	// Database connection. Prefer DATABASE_URL, else build from parts.
	db := connectDatabase()
	if db != nil {
		if err := ensureSchema(context.Background(), db); err != nil {
			log.Fatalf("Failed to bootstrap database schema: %v", err)
		}
	}

	// Redis is optional; every Redis-backed component falls back to its
	// in-memory path when rdb is nil.
	rdb := connectRedis()

	// Agent registry from YAML descriptors
	registry := NewAgentRegistry()
	configDir := getEnv("AGENT_CONFIG_DIR", "./agents")
	if err := registry.LoadFromDirectory(configDir); err != nil {
		log.Printf("Warning: failed to load agent descriptors from %s: %v", configDir, err)
	} else {
		log.Printf("Agent registry loaded: %d agents from %s", registry.Count(), configDir)
	}

	// Policy gate and auth
	gate := NewPolicyGate(secret, DefaultPolicyRules(), rdb)
	var users UserStore
	if db != nil {
		users = NewPostgresUserStore(db)
	} else {
		log.Println("Warning: no database, using in-memory user store")
		users = NewInMemoryUserStore()
	}
	auth := NewAuthService(users, gate)

	// Workflow store
	var store WorkflowStore
	if db != nil {
		store = NewPostgresWorkflowStore(db)
		log.Println("Workflow store: PostgreSQL")
	} else {
		store = NewInMemoryWorkflowStore()
		log.Println("Warning: no database, workflow store is in-memory")
	}

	// Event bus: in-memory for local subscribers, teed into Redis streams
	// when Redis is configured.
	memBus := NewInMemoryEventBus()
	var bus EventBus = memBus
	if rdb != nil {
		bus = NewTeeEventBus(memBus, NewRedisEventBus(rdb, 0))
		log.Println("Event bus: in-memory + Redis streams")
	} else {
		log.Println("Event bus: in-memory only")
	}

	// Analytics: every published event is persisted for later queries.
	var analytics AnalyticsStore
	if db != nil {
		analytics = NewPostgresAnalyticsStore(db)
	} else {
		analytics = NewInMemoryAnalyticsStore()
	}
	NewAnalyticsRecorder(analytics, memBus)

	// Dispatcher and manager
	dispatcher := NewDispatcher(DispatcherConfig{}, store, registry, NewHTTPAgentClient(), bus)
	manager := NewWorkflowManager(store, registry, dispatcher, gate, bus)
	dispatcher.Start(context.Background())
	defer dispatcher.Stop()
	log.Println("Dispatcher started")

	limiter := NewRateLimiter(rdb)
	collector := NewMetricsCollector()

	readiness := func(ctx context.Context) map[string]bool {
		checks := map[string]bool{"registry": registry.Count() > 0}
		if db != nil {
			checks["database"] = db.PingContext(ctx) == nil
		}
		if rdb != nil {
			checks["redis"] = rdb.Ping(ctx).Err() == nil
		}
		return checks
	}

	server := NewServer(manager, registry, auth, gate, analytics, limiter, collector, readiness)
	r := server.Routes()

	// CORS middleware
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"}, // Configure for production
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	// Start server
	port := getEnv("PORT", "8081")
	handler := c.Handler(r)
	log.Printf("FlowGrid Orchestrator listening on port %s", port)
	log.Fatal(http.ListenAndServe(":"+port, handler))
}

// connectDatabase opens the PostgreSQL pool, or returns nil when no
// connection is configured so callers can fall back to in-memory stores.
func connectDatabase() *sql.DB {
	dbURL := os.Getenv("DATABASE_URL")

	// Build connection string from separate env vars (12-Factor App).
	// URI format requires URL encoding for password with special characters.
	dbHost := os.Getenv("DATABASE_HOST")
	dbPassword := os.Getenv("DATABASE_PASSWORD")
	if dbHost != "" && dbPassword != "" {
		dbPort := getEnv("DATABASE_PORT", "5432")
		dbName := getEnv("DATABASE_NAME", "flowgrid")
		dbUser := getEnv("DATABASE_USER", "flowgrid_app")
		dbSSLMode := getEnv("DATABASE_SSLMODE", "require")
		dbURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
			url.QueryEscape(dbUser), url.QueryEscape(dbPassword), dbHost, dbPort, dbName, dbSSLMode)
		log.Println("Built database connection string from separate env vars")
	}

	if dbURL == "" {
		log.Println("WARNING: DATABASE_URL is not set, persistence disabled")
		return nil
	}

	// SECURITY: don't log DATABASE_URL contents, it may contain credentials
	log.Printf("DATABASE_URL is set (length: %d chars)", len(dbURL))

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Printf("Warning: failed to open database: %v", err)
		return nil
	}

	// Docker DNS takes a few seconds to initialize after container
	// startup, so ping with retry before giving up.
	for attempt := 1; attempt <= 5; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = db.PingContext(ctx)
		cancel()
		if err == nil {
			log.Printf("Database connected (attempt %d/5)", attempt)
			return db
		}
		log.Printf("Database ping failed (attempt %d/5): %v", attempt, err)
		time.Sleep(time.Duration(attempt*2) * time.Second)
	}

	log.Printf("Warning: database unreachable after retries: %v", err)
	_ = db.Close()
	return nil
}

// connectRedis returns a Redis client, or nil when REDIS_ADDR is unset
// or the server is unreachable.
func connectRedis() *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		log.Println("REDIS_ADDR not set, Redis-backed features use in-memory fallbacks")
		return nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis unreachable at %s: %v (using in-memory fallbacks)", addr, err)
		_ = rdb.Close()
		return nil
	}

	log.Printf("Redis connected at %s", addr)
	return rdb
}

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
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultFailureThreshold is the number of consecutive failures after which
// an agent's health degrades one level.
const DefaultFailureThreshold = 5

// AgentRegistry holds agent descriptors with thread-safe access. Descriptors
// are registered at load time and never deleted at runtime; an agent marked
// UNREACHABLE simply fails lookups until it recovers. Health is mutated only
// through RecordOutcome, driven by the Dispatcher's observations.
type AgentRegistry struct {
	mu               sync.RWMutex
	agents           map[string]*AgentDescriptor
	order            []string // insertion order for stable pagination
	configDir        string
	failureThreshold int
	lastReload       time.Time
	reloadCount      int64
}

// RegistryStats provides statistics about the registry.
type RegistryStats struct {
	AgentCount  int       `json:"agent_count"`
	ConfigDir   string    `json:"config_dir"`
	LastReload  time.Time `json:"last_reload"`
	ReloadCount int64     `json:"reload_count"`
}

// agentDescriptorFile is the on-disk shape of a descriptor file. A file may
// hold a single descriptor or a list under the "agents" key.
type agentDescriptorFile struct {
	Agents []AgentDescriptor `yaml:"agents"`
	AgentDescriptor `yaml:",inline"`
}

// NewAgentRegistry creates an empty registry with the default failure
// threshold.
func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{
		agents:           make(map[string]*AgentDescriptor),
		failureThreshold: DefaultFailureThreshold,
	}
}

// SetFailureThreshold overrides the consecutive-failure count at which
// health degrades. Values below 1 are ignored.
func (r *AgentRegistry) SetFailureThreshold(n int) {
	if n < 1 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failureThreshold = n
}

// Load registers descriptors in bulk. It is idempotent for an identical set
// and rejects duplicate agent ids within the batch or against already
// registered agents with ErrConfig. Health starts HEALTHY.
func (r *AgentRegistry) Load(descriptors []AgentDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(descriptors))
	for i := range descriptors {
		d := &descriptors[i]
		if d.AgentID == "" {
			return fmt.Errorf("%w: descriptor %d missing agent_id", ErrConfig, i)
		}
		if d.Endpoint == "" {
			return fmt.Errorf("%w: agent %s missing endpoint", ErrConfig, d.AgentID)
		}
		if seen[d.AgentID] {
			return fmt.Errorf("%w: duplicate agent_id %q", ErrConfig, d.AgentID)
		}
		seen[d.AgentID] = true
		if existing, ok := r.agents[d.AgentID]; ok && !sameDescriptor(existing, d) {
			return fmt.Errorf("%w: agent_id %q already registered with a different descriptor", ErrConfig, d.AgentID)
		}
	}

	for i := range descriptors {
		d := descriptors[i]
		d.Health = HealthHealthy
		d.ConsecutiveFailures = 0
		if _, ok := r.agents[d.AgentID]; !ok {
			r.order = append(r.order, d.AgentID)
		}
		r.agents[d.AgentID] = &d
	}

	r.lastReload = time.Now()
	atomic.AddInt64(&r.reloadCount, 1)
	return nil
}

// sameDescriptor compares the static fields of two descriptors, ignoring the
// mutable health state, so that re-loading the same set stays idempotent.
func sameDescriptor(a, b *AgentDescriptor) bool {
	if a.AgentID != b.AgentID || a.Endpoint != b.Endpoint ||
		a.Name != b.Name || a.Description != b.Description || a.Category != b.Category {
		return false
	}
	if len(a.CapabilityTags) != len(b.CapabilityTags) {
		return false
	}
	for i := range a.CapabilityTags {
		if a.CapabilityTags[i] != b.CapabilityTags[i] {
			return false
		}
	}
	return true
}

// LoadFromDirectory loads all YAML descriptor files from a directory. Only
// top-level files are scanned.
func (r *AgentRegistry) LoadFromDirectory(dir string) error {
	if dir == "" {
		return fmt.Errorf("%w: directory path cannot be empty", ErrConfig)
	}

	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: directory does not exist: %s", ErrConfig, dir)
		}
		return fmt.Errorf("failed to access directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: path is not a directory: %s", ErrConfig, dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to scan directory: %w", err)
	}

	var all []AgentDescriptor
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		descriptors, err := loadDescriptorFile(path)
		if err != nil {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
		all = append(all, descriptors...)
	}

	if err := r.Load(all); err != nil {
		return err
	}

	r.mu.Lock()
	r.configDir = dir
	r.mu.Unlock()
	return nil
}

func loadDescriptorFile(path string) ([]AgentDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file agentDescriptorFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	if len(file.Agents) > 0 {
		return file.Agents, nil
	}
	if file.AgentID != "" {
		return []AgentDescriptor{file.AgentDescriptor}, nil
	}
	return nil, nil
}

// Lookup returns the descriptor for agent_id or ErrNotFound. The returned
// value is a copy; health mutations go through RecordOutcome.
func (r *AgentRegistry) Lookup(agentID string) (AgentDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.agents[agentID]
	if !ok {
		return AgentDescriptor{}, fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
	}
	return *d, nil
}

// Has reports whether an agent is registered.
func (r *AgentRegistry) Has(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[agentID]
	return ok
}

// RecordOutcome updates the health state of an agent after a dispatch
// attempt. Any success resets the failure counter and restores HEALTHY.
// Each run of failureThreshold consecutive failures degrades health one
// level: HEALTHY -> DEGRADED -> UNREACHABLE.
func (r *AgentRegistry) RecordOutcome(agentID string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.agents[agentID]
	if !ok {
		return
	}

	if success {
		d.ConsecutiveFailures = 0
		d.Health = HealthHealthy
		return
	}

	d.ConsecutiveFailures++
	if d.ConsecutiveFailures%r.failureThreshold == 0 {
		switch d.Health {
		case HealthHealthy:
			d.Health = HealthDegraded
		case HealthDegraded:
			d.Health = HealthUnreachable
		}
	}
}

// Search is a pure read: case-insensitive substring match over agent id,
// name and description, optionally filtered by capability tag, paginated
// stably by insertion order.
func (r *AgentRegistry) Search(tag, text string, limit, offset int) []AgentDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	needle := strings.ToLower(text)

	var matched []AgentDescriptor
	for _, id := range r.order {
		d := r.agents[id]
		if tag != "" && !d.HasTag(tag) {
			continue
		}
		if needle != "" &&
			!strings.Contains(strings.ToLower(d.AgentID), needle) &&
			!strings.Contains(strings.ToLower(d.Name), needle) &&
			!strings.Contains(strings.ToLower(d.Description), needle) {
			continue
		}
		matched = append(matched, *d)
	}

	if offset >= len(matched) {
		return []AgentDescriptor{}
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end]
}

// ListDetails returns all descriptors in insertion order.
func (r *AgentRegistry) ListDetails() []AgentDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]AgentDescriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.agents[id])
	}
	return out
}

// ListByCategory returns descriptors in the given category, insertion order.
func (r *AgentRegistry) ListByCategory(category string) []AgentDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []AgentDescriptor{}
	for _, id := range r.order {
		if r.agents[id].Category == category {
			out = append(out, *r.agents[id])
		}
	}
	return out
}

// Categories returns the distinct categories present, sorted.
func (r *AgentRegistry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := make(map[string]bool)
	for _, d := range r.agents {
		if d.Category != "" {
			set[d.Category] = true
		}
	}
	categories := make([]string, 0, len(set))
	for c := range set {
		categories = append(categories, c)
	}
	sort.Strings(categories)
	return categories
}

// Count returns the number of registered agents.
func (r *AgentRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Stats returns current registry statistics.
func (r *AgentRegistry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return RegistryStats{
		AgentCount:  len(r.agents),
		ConfigDir:   r.configDir,
		LastReload:  r.lastReload,
		ReloadCount: atomic.LoadInt64(&r.reloadCount),
	}
}

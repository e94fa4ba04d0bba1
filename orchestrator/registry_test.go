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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testDescriptors builds a small agent set spanning two categories.
func testDescriptors() []AgentDescriptor {
	return []AgentDescriptor{
		{
			AgentID:        "summarizer",
			Name:           "Text Summarizer",
			Description:    "Condenses long documents",
			Endpoint:       "http://summarizer:9000",
			Category:       "nlp",
			CapabilityTags: []string{"summarize", "text"},
		},
		{
			AgentID:        "translator",
			Name:           "Translator",
			Description:    "Translates between languages",
			Endpoint:       "http://translator:9000",
			Category:       "nlp",
			CapabilityTags: []string{"translate", "text"},
		},
		{
			AgentID:        "chart-builder",
			Name:           "Chart Builder",
			Description:    "Renders charts from tabular data",
			Endpoint:       "http://charts:9000",
			Category:       "visualization",
			CapabilityTags: []string{"charts"},
		},
	}
}

func newTestRegistry(t *testing.T) *AgentRegistry {
	t.Helper()
	registry := NewAgentRegistry()
	require.NoError(t, registry.Load(testDescriptors()))
	return registry
}

func TestAgentRegistry_Load(t *testing.T) {
	registry := newTestRegistry(t)
	assert.Equal(t, 3, registry.Count())

	d, err := registry.Lookup("summarizer")
	require.NoError(t, err)
	assert.Equal(t, "Text Summarizer", d.Name)
	assert.Equal(t, HealthHealthy, d.Health)
	assert.Equal(t, 0, d.ConsecutiveFailures)
}

func TestAgentRegistry_Load_IdempotentReload(t *testing.T) {
	registry := newTestRegistry(t)

	// Reloading the identical set succeeds and keeps the count stable.
	require.NoError(t, registry.Load(testDescriptors()))
	assert.Equal(t, 3, registry.Count())
}

func TestAgentRegistry_Load_DuplicateID(t *testing.T) {
	registry := NewAgentRegistry()
	err := registry.Load([]AgentDescriptor{
		{AgentID: "dup", Endpoint: "http://a:9000"},
		{AgentID: "dup", Endpoint: "http://b:9000"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestAgentRegistry_Load_ConflictingRedefinition(t *testing.T) {
	registry := newTestRegistry(t)

	err := registry.Load([]AgentDescriptor{
		{AgentID: "summarizer", Endpoint: "http://elsewhere:9000"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestAgentRegistry_Load_MissingFields(t *testing.T) {
	registry := NewAgentRegistry()

	err := registry.Load([]AgentDescriptor{{Endpoint: "http://a:9000"}})
	assert.ErrorIs(t, err, ErrConfig)

	err = registry.Load([]AgentDescriptor{{AgentID: "no-endpoint"}})
	assert.ErrorIs(t, err, ErrConfig)
}

func TestAgentRegistry_Lookup_NotFound(t *testing.T) {
	registry := newTestRegistry(t)

	_, err := registry.Lookup("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAgentRegistry_RecordOutcome_Degradation(t *testing.T) {
	registry := newTestRegistry(t)

	// Four failures: still HEALTHY, counter visible.
	for i := 0; i < DefaultFailureThreshold-1; i++ {
		registry.RecordOutcome("summarizer", false)
	}
	d, err := registry.Lookup("summarizer")
	require.NoError(t, err)
	assert.Equal(t, HealthHealthy, d.Health)
	assert.Equal(t, DefaultFailureThreshold-1, d.ConsecutiveFailures)

	// Fifth failure crosses the threshold.
	registry.RecordOutcome("summarizer", false)
	d, _ = registry.Lookup("summarizer")
	assert.Equal(t, HealthDegraded, d.Health)

	// Another full run of failures degrades to UNREACHABLE.
	for i := 0; i < DefaultFailureThreshold; i++ {
		registry.RecordOutcome("summarizer", false)
	}
	d, _ = registry.Lookup("summarizer")
	assert.Equal(t, HealthUnreachable, d.Health)
}

func TestAgentRegistry_RecordOutcome_SuccessResets(t *testing.T) {
	registry := newTestRegistry(t)

	for i := 0; i < DefaultFailureThreshold*2; i++ {
		registry.RecordOutcome("translator", false)
	}
	d, _ := registry.Lookup("translator")
	require.Equal(t, HealthUnreachable, d.Health)

	registry.RecordOutcome("translator", true)
	d, _ = registry.Lookup("translator")
	assert.Equal(t, HealthHealthy, d.Health)
	assert.Equal(t, 0, d.ConsecutiveFailures)
}

func TestAgentRegistry_RecordOutcome_UnknownAgent(t *testing.T) {
	registry := newTestRegistry(t)
	// Must not panic or register anything.
	registry.RecordOutcome("ghost", false)
	assert.Equal(t, 3, registry.Count())
}

func TestAgentRegistry_Search(t *testing.T) {
	registry := newTestRegistry(t)

	results := registry.Search("", "translat", 0, 0)
	require.Len(t, results, 1)
	assert.Equal(t, "translator", results[0].AgentID)

	results = registry.Search("text", "", 0, 0)
	assert.Len(t, results, 2)

	results = registry.Search("text", "summar", 0, 0)
	require.Len(t, results, 1)
	assert.Equal(t, "summarizer", results[0].AgentID)

	// Case-insensitive over name and description.
	results = registry.Search("", "CHARTS", 0, 0)
	require.Len(t, results, 1)
	assert.Equal(t, "chart-builder", results[0].AgentID)
}

func TestAgentRegistry_Search_Pagination(t *testing.T) {
	registry := newTestRegistry(t)

	page1 := registry.Search("", "", 2, 0)
	require.Len(t, page1, 2)
	page2 := registry.Search("", "", 2, 2)
	require.Len(t, page2, 1)
	assert.NotEqual(t, page1[0].AgentID, page2[0].AgentID)

	// Offset past the end is an empty page, not an error.
	assert.Empty(t, registry.Search("", "", 2, 10))
}

func TestAgentRegistry_ListByCategory(t *testing.T) {
	registry := newTestRegistry(t)

	nlp := registry.ListByCategory("nlp")
	assert.Len(t, nlp, 2)
	assert.Empty(t, registry.ListByCategory("unknown"))

	assert.Equal(t, []string{"nlp", "visualization"}, registry.Categories())
}

func TestAgentRegistry_LoadFromDirectory(t *testing.T) {
	dir := t.TempDir()

	multi := `agents:
  - agent_id: summarizer
    name: Text Summarizer
    endpoint: http://summarizer:9000
    category: nlp
    capability_tags: [summarize]
  - agent_id: translator
    name: Translator
    endpoint: http://translator:9000
    category: nlp
`
	single := `agent_id: chart-builder
name: Chart Builder
endpoint: http://charts:9000
category: visualization
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nlp.yaml"), []byte(multi), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "charts.yml"), []byte(single), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignore.txt"), []byte("not yaml"), 0o644))

	registry := NewAgentRegistry()
	require.NoError(t, registry.LoadFromDirectory(dir))
	assert.Equal(t, 3, registry.Count())
	assert.True(t, registry.Has("chart-builder"))

	stats := registry.Stats()
	assert.Equal(t, 3, stats.AgentCount)
	assert.Equal(t, dir, stats.ConfigDir)
	assert.False(t, stats.LastReload.IsZero())
}

func TestAgentRegistry_LoadFromDirectory_Missing(t *testing.T) {
	registry := NewAgentRegistry()
	err := registry.LoadFromDirectory("/nonexistent/path")
	assert.ErrorIs(t, err, ErrConfig)

	err = registry.LoadFromDirectory("")
	assert.ErrorIs(t, err, ErrConfig)
}

func TestAgentRegistry_LoadFromDirectory_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("{not: [valid"), 0o644))

	registry := NewAgentRegistry()
	assert.Error(t, registry.LoadFromDirectory(dir))
}

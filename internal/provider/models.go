package provider

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// defaultModels maps each feature to its upstream model ID. Overridable from
// a JSON file so model upgrades never need a rebuild.
var defaultModels = map[string]string{
	"chat":            "google/gemini-2.5-flash",
	"mcq":             "google/gemini-2.5-flash",
	"flashcard":       "google/gemini-2.5-flash",
	"clinical_case":   "google/gemini-2.5-pro",
	"osce":            "google/gemini-2.5-pro",
	"image":           "google/gemini-2.5-flash",
	"document_upload": "google/gemini-2.5-flash",
	"embedding":       "text-embedding-004",
	"probe":           "google/gemini-2.5-flash-lite",
}

// ModelTable resolves feature tags to model IDs.
type ModelTable struct {
	mu     sync.RWMutex
	models map[string]string
}

// NewModelTable returns a table seeded with the compiled-in defaults.
func NewModelTable() *ModelTable {
	m := make(map[string]string, len(defaultModels))
	for k, v := range defaultModels {
		m[k] = v
	}
	return &ModelTable{models: m}
}

// LoadModelTable reads feature-to-model overrides from a JSON file and merges
// them over the defaults. A missing path returns the defaults unchanged.
func LoadModelTable(path string) (*ModelTable, error) {
	t := NewModelTable()
	if path == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return nil, fmt.Errorf("read model table: %w", err)
	}
	var overrides map[string]string
	if err := json.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parse model table: %w", err)
	}
	t.mu.Lock()
	for k, v := range overrides {
		t.models[k] = v
	}
	t.mu.Unlock()
	return t, nil
}

// Model returns the model ID for a feature, falling back to the chat model
// for unknown features.
func (t *ModelTable) Model(feature string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if m, ok := t.models[feature]; ok {
		return m
	}
	return t.models["chat"]
}

// Set overrides one mapping at runtime.
func (t *ModelTable) Set(feature, model string) {
	t.mu.Lock()
	t.models[feature] = model
	t.mu.Unlock()
}

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"dealflow/server/internal/models"
)

// stageMappingFile is the on-disk shape of the stage mapping.
type stageMappingFile struct {
	Stages map[string]string `json:"stages"`
}

// StageMapping maps pipeline stages to CRM association labels. A stage
// without a label gets no CRM relation.
type StageMapping struct {
	mu     sync.RWMutex
	labels map[models.Stage]string
	path   string
}

// DefaultStageLabels labels every forward pipeline stage with its own name.
// Not Interested has no relation.
func DefaultStageLabels() map[models.Stage]string {
	labels := make(map[models.Stage]string, len(models.PipelineStages))
	for _, s := range models.PipelineStages {
		labels[s] = string(s)
	}
	return labels
}

// NewStageMapping returns a mapping holding the defaults.
func NewStageMapping() *StageMapping {
	return &StageMapping{labels: DefaultStageLabels()}
}

// LoadStageMapping reads overrides from path on top of the defaults. An
// empty label in the file removes the stage's mapping. An empty path
// returns the defaults.
func LoadStageMapping(path string) (*StageMapping, error) {
	m := NewStageMapping()
	if path == "" {
		return m, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	m.path = absPath

	data, err := os.ReadFile(absPath)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read stage mapping: %w", err)
	}

	var file stageMappingFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse stage mapping: %w", err)
	}
	for name, label := range file.Stages {
		stage := models.Stage(name)
		if !stage.IsValid() {
			return nil, fmt.Errorf("stage mapping names unknown stage %q", name)
		}
		if label = strings.TrimSpace(label); label == "" {
			delete(m.labels, stage)
			continue
		}
		m.labels[stage] = label
	}
	return m, nil
}

// Label returns the association label for stage.
func (m *StageMapping) Label(stage models.Stage) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	label, ok := m.labels[stage]
	return label, ok
}

// All returns a copy of the mapping.
func (m *StageMapping) All() map[models.Stage]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[models.Stage]string, len(m.labels))
	for k, v := range m.labels {
		out[k] = v
	}
	return out
}

// Update sets or, with an empty label, removes the label for stage and
// persists the mapping when it was loaded from a file.
func (m *StageMapping) Update(stage models.Stage, label string) error {
	if !stage.IsValid() {
		return models.NewValidationError("stage", "unknown stage %q", stage)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if label = strings.TrimSpace(label); label == "" {
		delete(m.labels, stage)
	} else {
		m.labels[stage] = label
	}
	return m.save()
}

// save writes every stage so removed defaults stay removed. Callers hold mu.
func (m *StageMapping) save() error {
	if m.path == "" {
		return nil
	}

	file := stageMappingFile{Stages: make(map[string]string, len(models.AllStages))}
	for _, s := range models.AllStages {
		file.Stages[string(s)] = m.labels[s]
	}

	data, err := json.MarshalIndent(file, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to marshal stage mapping: %w", err)
	}
	if err := os.WriteFile(m.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write stage mapping: %w", err)
	}
	return nil
}

// Stages returns the mapped stages in pipeline order.
func (m *StageMapping) Stages() []models.Stage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stages := make([]models.Stage, 0, len(m.labels))
	for s := range m.labels {
		stages = append(stages, s)
	}
	sort.Slice(stages, func(i, j int) bool { return stages[i].Index() < stages[j].Index() })
	return stages
}

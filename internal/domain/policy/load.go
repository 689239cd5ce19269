package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadDir reads per-workflow policy YAML files from dir, keyed by
// workflow id. A missing or empty dir yields an empty map; workflows
// without a file use Default.
func LoadDir(dir string) (map[string]Workflow, error) {
	workflows := make(map[string]Workflow)
	if dir == "" {
		return workflows, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return workflows, nil
		}
		return nil, fmt.Errorf("read policy dir %s: %w", dir, err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, name)) //nolint:gosec // G304: dir comes from config
		if err != nil {
			return nil, fmt.Errorf("read policy file %s: %w", name, err)
		}

		var w Workflow
		if err := yaml.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("parse policy file %s: %w", name, err)
		}
		if w.WorkflowID == "" {
			return nil, fmt.Errorf("policy file %s: workflow_id is required", name)
		}
		if w.AutomationThreshold == "" {
			w.AutomationThreshold = Default().AutomationThreshold
		}
		workflows[w.WorkflowID] = w
	}
	return workflows, nil
}

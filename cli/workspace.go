package cli

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"forge.build/target"
)

// workspaceFile is the on-disk shape the driver reads; it exists only
// because something has to produce a target.WorkspaceConfig for a runnable
// binary. The core never depends on this format.
type workspaceFile struct {
	Targets []struct {
		ID       string            `yaml:"id"`
		Language string            `yaml:"language"`
		Kind     string            `yaml:"kind"`
		Sources  []string          `yaml:"sources"`
		Deps     []string          `yaml:"deps"`
		Config   map[string]string `yaml:"config"`
	} `yaml:"targets"`
}

func loadWorkspace(path string) (target.WorkspaceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return target.WorkspaceConfig{}, fmt.Errorf("cli: reading workspace file %s: %w", path, err)
	}

	var wf workspaceFile
	if err := yaml.Unmarshal(raw, &wf); err != nil {
		return target.WorkspaceConfig{}, fmt.Errorf("cli: parsing workspace file %s: %w", path, err)
	}

	ws := target.WorkspaceConfig{Root: ".", Targets: make([]target.Target, 0, len(wf.Targets))}
	for _, t := range wf.Targets {
		ws.Targets = append(ws.Targets, target.Target{
			ID:       t.ID,
			Language: target.Language(t.Language),
			Kind:     target.Kind(t.Kind),
			Sources:  t.Sources,
			Deps:     t.Deps,
			Config:   t.Config,
		})
	}
	return ws, nil
}

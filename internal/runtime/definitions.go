package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/agentx/agentx/internal/common/config"
	"github.com/agentx/agentx/internal/store"
)

// definitionsFile is the bootstrap manifest the local runtime auto-registers
// at startup. Looked up in the working directory, then the data root.
const definitionsFile = "definitions.yaml"

type definitionsManifest struct {
	Definitions []definitionEntry `yaml:"definitions"`
}

type definitionEntry struct {
	Name         string           `yaml:"name"`
	Description  string           `yaml:"description"`
	SystemPrompt string           `yaml:"systemPrompt"`
	MCPServers   []mcpServerEntry `yaml:"mcpServers"`
}

type mcpServerEntry struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	URL     string   `yaml:"url"`
	Type    string   `yaml:"type"`
}

// bootstrapDefinitions registers every definition listed in the manifest.
// A missing manifest is not an error; a malformed one is.
func (rt *Runtime) bootstrapDefinitions(ctx context.Context) error {
	path, ok := findDefinitionsFile()
	if !ok {
		return nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	var manifest definitionsManifest
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	for _, entry := range manifest.Definitions {
		if entry.Name == "" {
			rt.Logger.Warn("skipping definition without a name", zap.String("file", path))
			continue
		}
		def := &store.Definition{
			Name:         entry.Name,
			Description:  entry.Description,
			SystemPrompt: entry.SystemPrompt,
		}
		for _, srv := range entry.MCPServers {
			def.MCPServers = append(def.MCPServers, store.MCPServerConfig{
				Name:    srv.Name,
				Command: srv.Command,
				Args:    srv.Args,
				URL:     srv.URL,
				Type:    srv.Type,
			})
		}
		if _, err := rt.Images.RegisterDefinition(ctx, def); err != nil {
			if errors.Is(err, store.ErrConflict) {
				rt.Logger.Warn("definition differs from registered version, keeping existing",
					zap.String("name", entry.Name))
				continue
			}
			return fmt.Errorf("failed to register %q: %w", entry.Name, err)
		}
		rt.Logger.Debug("registered definition", zap.String("name", entry.Name))
	}
	return nil
}

func findDefinitionsFile() (string, bool) {
	candidates := []string{
		definitionsFile,
		filepath.Join(config.DataRoot(), definitionsFile),
	}
	for _, path := range candidates {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, true
		}
	}
	return "", false
}

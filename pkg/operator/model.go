package operator

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/yamplus/yam/pkg/engine"
	"github.com/yamplus/yam/pkg/plugins/application"
	"github.com/yamplus/yam/pkg/template"
)

// ModelFiles are the model file names looked up in the working directory, in order.
var ModelFiles = []string{"app.yaml", "app.yml", "yam.yaml", "yam.yml"}

// FindModel returns the model file of workingDir, relative to it.
func FindModel(workingDir string) (string, error) {
	for _, name := range ModelFiles {
		info, err := os.Stat(filepath.Join(workingDir, name))
		if err == nil && !info.IsDir() {
			return name, nil
		}
	}
	return "", engine.NewConfigError(fmt.Sprintf("no application model found, expected one of %v", ModelFiles), nil).
		WithResource(workingDir)
}

// ReadMetadata returns the model file of workingDir and the model's
// metadata, without rendering placeholders.
func ReadMetadata(workingDir string, logger zerolog.Logger) (string, engine.Metadata, error) {
	file, err := FindModel(workingDir)
	if err != nil {
		return "", engine.Metadata{}, err
	}
	raw, err := loadModel(template.NewEngine(workingDir, logger), file)
	if err != nil {
		return "", engine.Metadata{}, err
	}
	md, err := raw.Metadata()
	if err != nil {
		return "", engine.Metadata{}, engine.NewValidationError("invalid model metadata", err).WithResource(file)
	}
	return file, md, nil
}

// loadModel parses the model file without rendering placeholders. The raw
// model supplies the metadata and schema family used before values exist.
func loadModel(tmpl *template.Engine, file string) (engine.ApplicationModel, error) {
	raw, err := tmpl.LoadYAML(file)
	if err != nil {
		return nil, err
	}
	return toModel(raw, file)
}

// renderModel renders the model file with one environment's values.
func renderModel(tmpl *template.Engine, file string, values map[string]interface{}) (engine.ApplicationModel, error) {
	rendered, err := tmpl.RenderYAML(file, values)
	if err != nil {
		return nil, err
	}
	return toModel(rendered, file)
}

func toModel(doc interface{}, file string) (engine.ApplicationModel, error) {
	m, ok := doc.(map[string]interface{})
	if !ok {
		return nil, engine.NewValidationError("application model must be a mapping", nil).WithResource(file)
	}
	return engine.ApplicationModel(m), nil
}

// pluginList returns the configured plugins with the built-in application
// plugin first, unless the configuration already declares it.
func pluginList(configured []engine.Plugin, version string) []engine.Plugin {
	for _, p := range configured {
		if p.Name == application.Name {
			return configured
		}
	}
	out := make([]engine.Plugin, 0, len(configured)+1)
	out = append(out, application.Descriptor(version))
	return append(out, configured...)
}

// selectClusters returns the clusters named in names, in configuration order.
// An empty selection means every cluster.
func selectClusters(clusters []engine.Cluster, names []string) ([]engine.Cluster, error) {
	if len(names) == 0 {
		return clusters, nil
	}
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}

	selected := make([]engine.Cluster, 0, len(names))
	for _, c := range clusters {
		if wanted[c.Name] {
			selected = append(selected, c)
			delete(wanted, c.Name)
		}
	}
	for n := range wanted {
		return nil, engine.NewConfigError(fmt.Sprintf("unknown environment %q", n), nil)
	}
	return selected, nil
}

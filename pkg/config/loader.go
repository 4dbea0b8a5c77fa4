package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/yamplus/yam/pkg/engine"
)

// EnvPrefix prefixes every environment variable read by the loader.
const EnvPrefix = "YAM_"

// PluginEnvFile is the per-plugin variables file inside a plugin directory.
const PluginEnvFile = ".env"

// Load reads the engine configuration of workingDir: defaults, then
// .yam/config.yaml when present, then YAM_ environment variables. Plugin
// variables are resolved from each plugin directory's .env file, overlaid by
// the descriptor's inline env map.
func Load(workingDir string) (*EngineConfig, error) {
	cfg := Default()

	path := filepath.Join(workingDir, ConfigDir, ConfigFile)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, engine.NewConfigError("failed to parse configuration", err).WithResource(path)
		}
		cfg.Source = path
	case !errors.Is(err, os.ErrNotExist):
		return nil, engine.NewConfigError("failed to read configuration", err).WithResource(path)
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := ResolvePluginEnv(workingDir, cfg.Plugins); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays YAM_ environment variables onto cfg.
func ApplyEnv(cfg *EngineConfig) error {
	sections := []struct {
		prefix string
		target interface{}
	}{
		{"LOCK_", &cfg.Lock},
		{"STORE_", &cfg.Store},
		{"VALUES_", &cfg.Values},
		{"POLICY_", &cfg.Policy},
		{"", &cfg.Telemetry},
	}
	for _, s := range sections {
		if err := env.ParseWithOptions(s.target, env.Options{Prefix: EnvPrefix + s.prefix}); err != nil {
			return engine.NewConfigError("invalid environment configuration", err)
		}
	}
	return nil
}

// ResolvePluginEnv fills each plugin's variables from its .env file. Inline
// variables win over the file.
func ResolvePluginEnv(workingDir string, plugins []engine.Plugin) error {
	for i := range plugins {
		p := &plugins[i]
		if p.Directory == "" {
			continue
		}
		dir := p.Directory
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(workingDir, dir)
		}
		fileVars, err := godotenv.Read(filepath.Join(dir, PluginEnvFile))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return engine.NewConfigError("failed to read plugin variables", err).WithResource(p.Name)
		}
		merged := make(map[string]string, len(fileVars)+len(p.EnvironmentVars))
		for k, v := range fileVars {
			merged[k] = v
		}
		for k, v := range p.EnvironmentVars {
			merged[k] = v
		}
		p.EnvironmentVars = merged
	}
	return nil
}

var validate = validator.New()

// Validate checks field constraints and cross-field rules.
func Validate(cfg *EngineConfig) error {
	if err := validate.Struct(cfg); err != nil {
		return engine.NewConfigError("invalid configuration", err)
	}

	seen := make(map[string]bool, len(cfg.Clusters))
	for _, c := range cfg.Clusters {
		if seen[c.Name] {
			return engine.NewConfigError(fmt.Sprintf("duplicate cluster %q", c.Name), nil)
		}
		seen[c.Name] = true
	}

	plugins := make(map[string]bool, len(cfg.Plugins))
	for _, p := range cfg.Plugins {
		if plugins[p.Name] {
			return engine.NewConfigError(fmt.Sprintf("duplicate plugin %q", p.Name), nil)
		}
		plugins[p.Name] = true
	}
	return nil
}

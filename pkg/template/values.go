package template

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"

	"github.com/yamplus/yam/pkg/engine"
)

// ValuesDir is the directory, relative to the working directory, holding values files.
const ValuesDir = "values"

// MaxValuesDepth bounds how deep the values directory is scanned.
const MaxValuesDepth = 5

// Built-in parameter names.
const (
	ParamVersion   = "version"
	ParamNamespace = "namespace"
	ParamApp       = "app"
	ParamStack     = "stack"
	ParamEnvTag    = "envTag"
)

// BuiltInParams lists the parameters every environment map carries.
var BuiltInParams = []string{ParamVersion, ParamNamespace, ParamApp, ParamStack, ParamEnvTag}

func isBuiltIn(name string) bool {
	for _, p := range BuiltInParams {
		if p == name {
			return true
		}
	}
	return false
}

// StackPrecedence decides where stack-level values rank.
type StackPrecedence string

const (
	// StackPrecedenceFallback ranks values as CLI > environment > stack > built-ins.
	StackPrecedenceFallback StackPrecedence = "fallback"

	// StackPrecedenceOverride copies stack values onto each environment last,
	// after command-line overrides.
	StackPrecedenceOverride StackPrecedence = "override"
)

// Validate checks if the precedence is valid.
func (p StackPrecedence) Validate() error {
	switch p {
	case StackPrecedenceFallback, StackPrecedenceOverride:
		return nil
	default:
		return fmt.Errorf("invalid stack precedence: %s", p)
	}
}

// rawValues maps parameter name to environment-or-stack name to value.
type rawValues map[string]map[string]interface{}

// ValueResolver builds the per-environment value maps.
type ValueResolver struct {
	engine     *Engine
	precedence StackPrecedence
	logger     zerolog.Logger
}

// NewValueResolver creates a resolver reading values files through e.
func NewValueResolver(e *Engine, precedence StackPrecedence, logger zerolog.Logger) *ValueResolver {
	if precedence == "" {
		precedence = StackPrecedenceFallback
	}
	return &ValueResolver{
		engine:     e,
		precedence: precedence,
		logger:     logger.With().Str("component", "values").Logger(),
	}
}

// Resolve returns one value map per environment in clusters.
func (r *ValueResolver) Resolve(cmdParams map[string]string, clusters []engine.Cluster, model engine.ApplicationModel) (map[string]map[string]interface{}, error) {
	if err := r.precedence.Validate(); err != nil {
		return nil, engine.NewConfigError("invalid values configuration", err)
	}
	md, err := model.Metadata()
	if err != nil {
		return nil, engine.NewValidationError("invalid model metadata", err)
	}

	envValues := make(map[string]map[string]interface{})
	stackValues := make(map[string]map[string]interface{})
	for _, c := range clusters {
		envValues[c.Name] = make(map[string]interface{})
		if c.Stack != "" {
			stackValues[c.Stack] = make(map[string]interface{})
		}
	}

	raw := rawValues{}
	if info, err := os.Stat(filepath.Join(r.engine.WorkingDir(), ValuesDir)); err == nil && info.IsDir() {
		raw, err = r.scan(ValuesDir, 0)
		if err != nil {
			return nil, err
		}
		r.logger.Info().Int("parameters", len(raw)).Msg("Resolved values directory")
	} else {
		r.logger.Debug().Msg("No values directory found, skipping parameter reading")
	}

	for _, param := range sortedParams(raw) {
		for target, value := range raw[param] {
			switch {
			case envValues[target] != nil:
				envValues[target][param] = value
			case stackValues[target] != nil:
				stackValues[target][param] = value
			default:
				r.logger.Warn().Str("name", target).Str("parameter", param).Msg("Unrecognized environment name, skipped")
			}
		}
	}

	version := cmdParams[ParamVersion]
	if version == "" {
		version = md.Version
	}
	if version == "" {
		version = engine.DefaultVersion
	}

	result := make(map[string]map[string]interface{}, len(clusters))
	for _, c := range clusters {
		envTag := c.EnvTag
		if envTag == "" {
			envTag = c.Name
		}
		builtIns := map[string]interface{}{
			ParamVersion:   version,
			ParamNamespace: md.Namespace,
			ParamApp:       md.App,
			ParamStack:     c.Stack,
			ParamEnvTag:    envTag,
		}

		var values map[string]interface{}
		switch r.precedence {
		case StackPrecedenceOverride:
			values = r.overrideOrder(c, builtIns, envValues[c.Name], stackValues[c.Stack], cmdParams)
		default:
			values = r.fallbackOrder(c, builtIns, envValues[c.Name], stackValues[c.Stack], cmdParams)
		}
		result[c.Name] = values
	}
	return result, nil
}

// fallbackOrder layers built-ins, stack values, environment values and CLI overrides.
func (r *ValueResolver) fallbackOrder(c engine.Cluster, builtIns, env, stack map[string]interface{}, cmd map[string]string) map[string]interface{} {
	values := make(map[string]interface{}, len(builtIns)+len(env)+len(stack)+len(cmd))
	for k, v := range builtIns {
		values[k] = v
	}
	for k, v := range stack {
		values[k] = v
	}
	for k, v := range env {
		values[k] = v
	}
	r.applyCommandLine(c, values, cmd)
	return values
}

// overrideOrder copies stack values last, over command-line overrides.
func (r *ValueResolver) overrideOrder(c engine.Cluster, builtIns, env, stack map[string]interface{}, cmd map[string]string) map[string]interface{} {
	values := make(map[string]interface{}, len(builtIns)+len(env)+len(stack)+len(cmd))
	for k, v := range env {
		values[k] = v
	}
	for k, v := range builtIns {
		values[k] = v
	}
	r.applyCommandLine(c, values, cmd)
	for k, v := range stack {
		if cv, ok := cmd[k]; ok {
			r.logger.Warn().Str("environment", c.Name).Str("parameter", k).Str("command_line", cv).
				Msg("Stack default replaces command line value")
		}
		values[k] = v
	}
	return values
}

func (r *ValueResolver) applyCommandLine(c engine.Cluster, values map[string]interface{}, cmd map[string]string) {
	keys := make([]string, 0, len(cmd))
	for k := range cmd {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := cmd[k]
		if _, exists := values[k]; exists && k != ParamVersion {
			if isBuiltIn(k) {
				r.logger.Warn().Str("environment", c.Name).Str("parameter", k).
					Msg("Built-in parameter overridden by command line")
			} else {
				r.logger.Info().Str("environment", c.Name).Str("parameter", k).Str("value", v).
					Msg("Parameter overridden by command line")
			}
		}
		values[k] = v
	}
}

// scan reads every YAML file under dir. Files of a directory take precedence
// over files found in its subdirectories.
func (r *ValueResolver) scan(dir string, depth int) (rawValues, error) {
	result := rawValues{}
	if depth >= MaxValuesDepth {
		return result, nil
	}
	entries, err := os.ReadDir(filepath.Join(r.engine.WorkingDir(), dir))
	if err != nil {
		return nil, engine.NewTemplateError("failed to read values directory", err).WithResource(dir)
	}

	var nested []rawValues
	for _, entry := range entries {
		rel := filepath.Join(dir, entry.Name())
		if entry.IsDir() {
			sub, err := r.scan(rel, depth+1)
			if err != nil {
				return nil, err
			}
			nested = append(nested, sub)
			continue
		}
		if !IsYAML(entry.Name()) {
			continue
		}
		doc, err := r.engine.LoadYAML(rel)
		if err != nil {
			return nil, err
		}
		fragment, ok := doc.(map[string]interface{})
		if !ok {
			if doc != nil {
				r.logger.Warn().Str("file", rel).Msg("Values file is not a mapping, skipped")
			}
			continue
		}
		for param, perTarget := range fragment {
			targets, ok := perTarget.(map[string]interface{})
			if !ok {
				r.logger.Warn().Str("file", rel).Str("parameter", param).Msg("Parameter is not keyed by environment, skipped")
				continue
			}
			if result[param] == nil {
				result[param] = make(map[string]interface{})
			}
			for target, value := range targets {
				result[param][target] = value
			}
		}
	}

	for _, sub := range nested {
		for param, targets := range sub {
			if result[param] == nil {
				result[param] = make(map[string]interface{})
			}
			for target, value := range targets {
				if _, exists := result[param][target]; !exists {
					result[param][target] = value
				}
			}
		}
	}
	return result, nil
}

func sortedParams(raw rawValues) []string {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

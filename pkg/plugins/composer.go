package plugins

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/yamplus/yam/pkg/engine"
)

// Composition is the merged result of every applicable plugin.
type Composition struct {
	// Schema is the merged JSON-Schema document.
	Schema map[string]interface{}

	// Groups are the handler groups in execution order.
	Groups []engine.HandlerGroup

	// Plugins lists the names of the plugins that were composed, in order.
	Plugins []string
}

// Composer merges plugin capabilities into one ordered pipeline.
type Composer struct {
	loader Loader
	logger zerolog.Logger
}

// NewComposer creates a composer resolving capabilities through loader.
func NewComposer(loader Loader, logger zerolog.Logger) *Composer {
	return &Composer{
		loader: loader,
		logger: logger.With().Str("component", "plugin-composer").Logger(),
	}
}

// Compose loads every enabled plugin that applies to the model's schema family,
// merges their schemas and groups their handlers by matcher.
func (c *Composer) Compose(ctx context.Context, plugins []engine.Plugin, workingDir string, model engine.ApplicationModel) (*Composition, error) {
	family := model.SchemaFamily()
	result := &Composition{
		Schema: make(map[string]interface{}),
	}
	groupIndex := make(map[string]int)

	for _, desc := range plugins {
		if !desc.Enable {
			c.logger.Debug().Str("plugin", desc.Name).Msg("Plugin disabled, skipped")
			continue
		}
		if !desc.AppliesTo(family) {
			c.logger.Info().Str("plugin", desc.Name).Str("schema_family", family).
				Strs("apply_to", desc.ApplyTo).Msg("Plugin does not apply to schema family, skipped")
			continue
		}

		capability, err := c.loader.Load(ctx, desc, workingDir)
		if err != nil {
			return nil, engine.NewComposeError("failed to load plugin", err).WithResource(desc.Name)
		}
		if capability == nil {
			return nil, engine.NewComposeError("plugin returned no capability", nil).WithResource(desc.Name)
		}
		if capability.Name != desc.Name {
			return nil, engine.NewComposeError(
				fmt.Sprintf("plugin name mismatch: registered as %q but declares %q", desc.Name, capability.Name), nil).
				WithResource(desc.Name)
		}

		if capability.Schema != nil {
			if err := MergeSchema(result.Schema, capability.Schema); err != nil {
				return nil, engine.NewComposeError("failed to merge plugin schema", err).WithResource(desc.Name)
			}
		}

		registered := 0
		for _, spec := range capability.Handlers {
			matcher := strings.TrimSpace(spec.Matcher)
			if matcher == "" {
				c.logger.Warn().Str("plugin", desc.Name).Msg("Handler without matcher, skipped")
				continue
			}
			run, err := engine.NormalizeHandler(spec.Handler)
			if err != nil {
				c.logger.Warn().Err(err).Str("plugin", desc.Name).Str("matcher", matcher).Msg("Malformed handler, skipped")
				continue
			}

			bound := engine.BoundHandler{Plugin: desc.Name, Env: copyEnv(desc.EnvironmentVars), Run: run}
			if idx, ok := groupIndex[matcher]; ok {
				result.Groups[idx].Handlers = append(result.Groups[idx].Handlers, bound)
			} else {
				groupIndex[matcher] = len(result.Groups)
				result.Groups = append(result.Groups, engine.HandlerGroup{
					Matcher:  matcher,
					Handlers: []engine.BoundHandler{bound},
				})
			}
			registered++
		}

		result.Plugins = append(result.Plugins, desc.Name)
		c.logger.Info().Str("plugin", desc.Name).Str("version", desc.Version).Int("handlers", registered).Msg("Plugin composed")
	}

	SortGroups(result.Groups)
	return result, nil
}

// SortGroups orders handler groups by stage, then by ascending matcher length.
func SortGroups(groups []engine.HandlerGroup) {
	sort.SliceStable(groups, func(i, j int) bool {
		wi, wj := groups[i].Stage().Weight(), groups[j].Stage().Weight()
		if wi != wj {
			return wi < wj
		}
		return len(groups[i].Matcher) < len(groups[j].Matcher)
	})
}

func copyEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}

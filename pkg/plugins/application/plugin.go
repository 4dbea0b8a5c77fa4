package application

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog"

	"github.com/yamplus/yam/pkg/engine"
	"github.com/yamplus/yam/pkg/plugins"
)

// Name is the registered name of the built-in plugin and the schema family it serves.
const Name = "application"

// Matchers handled by the plugin. Secrets live in the config section so that
// they are synced in the config stage, before the workloads mounting them.
const (
	ConfigMatcher = "$.config[*]"
	SecretMatcher = "$.config[?(@.type == 'secret')]"
	DeployMatcher = "$.deploy[*]"
)

// Config item types.
const (
	TypeConfigMap = "configMap"
	TypeSecret    = "secret"
)

// ConfigItem is one entry of the config section.
type ConfigItem struct {
	Name string            `mapstructure:"name"`
	Type string            `mapstructure:"type"`
	From []string          `mapstructure:"from"`
	Data map[string]string `mapstructure:"data"`
}

// SecretItem is a config entry of type secret.
type SecretItem struct {
	Name string            `mapstructure:"name"`
	Type string            `mapstructure:"type"`
	Data map[string]string `mapstructure:"data"`
}

// DeployItem is one entry of the deploy section.
type DeployItem struct {
	Name     string            `mapstructure:"name"`
	Image    string            `mapstructure:"image"`
	Replicas int               `mapstructure:"replicas"`
	Port     int               `mapstructure:"port"`
	Env      map[string]string `mapstructure:"env"`
}

// Plugin is the built-in application plugin.
type Plugin struct {
	logger zerolog.Logger
	deploy *DeploymentOperator
}

// New creates the application plugin.
func New(logger zerolog.Logger) *Plugin {
	logger = logger.With().Str("component", "application-plugin").Logger()
	return &Plugin{
		logger: logger,
		deploy: &DeploymentOperator{logger: logger},
	}
}

// Register adds the application plugin to a registry.
func Register(r *plugins.Registry, logger zerolog.Logger) error {
	return r.Register(Name, func(engine.Plugin) (plugins.Plugin, error) {
		return New(logger), nil
	})
}

// Descriptor returns the descriptor enabling the built-in plugin.
func Descriptor(version string) engine.Plugin {
	return engine.Plugin{
		Name:    Name,
		Version: version,
		ApplyTo: []string{Name},
		Enable:  true,
		BuiltIn: true,
	}
}

// Name implements plugins.Plugin.
func (p *Plugin) Name() string {
	return Name
}

// Schema implements plugins.Plugin.
func (p *Plugin) Schema() map[string]interface{} {
	return Schema()
}

// Handlers implements plugins.Plugin.
func (p *Plugin) Handlers() []engine.HandlerSpec {
	return []engine.HandlerSpec{
		{Matcher: ConfigMatcher, Handler: engine.OperateFunc(p.operateConfig)},
		{Matcher: SecretMatcher, Handler: engine.OperateFunc(p.operateSecret)},
		{Matcher: DeployMatcher, Handler: p.deploy},
	}
}

func (p *Plugin) operateConfig(ctx context.Context, plan *engine.PlanContext, diff *engine.DiffResult) error {
	if !diff.HasDiff {
		return nil
	}
	data := plan.Data()
	removed := func(name string) {
		plan.EnqueueAction(plugins.RemoveResourceAction("delete-configMap:"+name, engine.ResourceMeta{
			Kind:      string(engine.ConfigKindConfigMap),
			Name:      objectName(data.App, name),
			Namespace: data.Namespace,
		}))
	}

	for _, raw := range changedItems(diff) {
		var item ConfigItem
		if err := decodeItem(raw, &item); err != nil {
			return err
		}
		if item.Type == TypeSecret {
			continue
		}
		content := make(map[string]string, len(item.Data)+len(item.From))
		for k, v := range item.Data {
			content[k] = v
		}
		for _, file := range item.From {
			text, err := plan.RenderTemplate(file)
			if err != nil {
				return fmt.Errorf("failed to render config %s: %w", item.Name, err)
			}
			content[filepath.Base(file)] = text
			plan.Logger().Debug().Str("config", item.Name).Str("file", file).Msg("Configuration rendered")
		}
		if len(content) == 0 {
			plan.Logger().Warn().Str("config", item.Name).Msg("Configuration has no data, skipped")
			continue
		}
		plan.EnqueueAction(plugins.SaveConfigAction("sync-configMap:"+item.Name, engine.ConfigData{
			Kind:      engine.ConfigKindConfigMap,
			Name:      objectName(data.App, item.Name),
			Namespace: data.Namespace,
			Data:      content,
		}))
	}

	// An item turned into a secret leaves its config map behind.
	for _, m := range diff.ModifiedItems {
		if isSecret(m.Current) && !isSecret(m.Previous) {
			var item ConfigItem
			if err := decodeItem(m.Previous, &item); err != nil {
				return err
			}
			removed(item.Name)
		}
	}
	for _, raw := range diff.DeletedItems {
		var item ConfigItem
		if err := decodeItem(raw, &item); err != nil {
			return err
		}
		if item.Type != TypeSecret {
			removed(item.Name)
		}
	}
	return nil
}

func isSecret(raw interface{}) bool {
	m, ok := raw.(map[string]interface{})
	return ok && m["type"] == TypeSecret
}

func (p *Plugin) operateSecret(ctx context.Context, plan *engine.PlanContext, diff *engine.DiffResult) error {
	if !diff.HasDiff {
		return nil
	}
	data := plan.Data()

	for _, raw := range changedItems(diff) {
		var item SecretItem
		if err := decodeItem(raw, &item); err != nil {
			return err
		}
		plan.EnqueueAction(plugins.SaveConfigAction("sync-secret:"+item.Name, engine.ConfigData{
			Kind:      engine.ConfigKindSecret,
			Name:      objectName(data.App, item.Name),
			Namespace: data.Namespace,
			Data:      item.Data,
		}))
	}
	for _, raw := range diff.DeletedItems {
		var item SecretItem
		if err := decodeItem(raw, &item); err != nil {
			return err
		}
		plan.EnqueueAction(plugins.RemoveResourceAction("delete-secret:"+item.Name, engine.ResourceMeta{
			Kind:      string(engine.ConfigKindSecret),
			Name:      objectName(data.App, item.Name),
			Namespace: data.Namespace,
		}))
	}
	return nil
}

// changedItems returns the current side of new and modified items.
func changedItems(diff *engine.DiffResult) []interface{} {
	items := make([]interface{}, 0, len(diff.NewItems)+len(diff.ModifiedItems))
	items = append(items, diff.NewItems...)
	for _, m := range diff.ModifiedItems {
		items = append(items, m.Current)
	}
	return items
}

func decodeItem(raw interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(raw); err != nil {
		return fmt.Errorf("malformed item: %w", err)
	}
	return nil
}

func objectName(app, name string) string {
	return app + "-" + name
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

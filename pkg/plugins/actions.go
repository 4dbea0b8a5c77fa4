package plugins

import (
	"context"
	"fmt"

	"github.com/yamplus/yam/pkg/engine"
)

// ApplyResourceAction applies a cluster object and records it as managed.
func ApplyResourceAction(name string, resource map[string]interface{}) engine.Action {
	return engine.Action{
		Name: name,
		Run: func(ctx context.Context, exec engine.ExecuteContext) error {
			if _, err := exec.Cluster().Apply(ctx, resource); err != nil {
				return fmt.Errorf("failed to apply %s: %w", resourceKey(resource), err)
			}
			exec.Manage(resourceKey(resource), resource)
			return nil
		},
	}
}

// RemoveResourceAction deletes a cluster object.
func RemoveResourceAction(name string, meta engine.ResourceMeta) engine.Action {
	return engine.Action{
		Name: name,
		Run: func(ctx context.Context, exec engine.ExecuteContext) error {
			if _, err := exec.Cluster().Remove(ctx, meta); err != nil {
				return fmt.Errorf("failed to remove %s/%s: %w", meta.Kind, meta.Name, err)
			}
			return nil
		},
	}
}

// SaveConfigAction creates or replaces a configuration object.
func SaveConfigAction(name string, cfg engine.ConfigData) engine.Action {
	return engine.Action{
		Name: name,
		Run: func(ctx context.Context, exec engine.ExecuteContext) error {
			if _, err := exec.Cluster().SaveConfig(ctx, cfg); err != nil {
				return fmt.Errorf("failed to save %s %s: %w", cfg.Kind, cfg.Name, err)
			}
			exec.Manage(string(cfg.Kind)+"/"+cfg.Name, map[string]interface{}{
				"kind":     string(cfg.Kind),
				"metadata": map[string]interface{}{"name": cfg.Name, "namespace": cfg.Namespace},
			})
			return nil
		},
	}
}

// MergeYamlAction merges content into a YAML file in the working directory.
func MergeYamlAction(name string, param engine.MergeToYamlParam) engine.Action {
	return engine.Action{
		Name: name,
		Run: func(ctx context.Context, exec engine.ExecuteContext) error {
			return exec.MergeToYaml(ctx, param)
		},
	}
}

// RequestAction sends an HTTP request and fails on non-2xx responses.
func RequestAction(name string, req engine.HTTPRequest) engine.Action {
	return engine.Action{
		Name: name,
		Run: func(ctx context.Context, exec engine.ExecuteContext) error {
			resp, err := exec.SendRequest(ctx, req)
			if err != nil {
				return err
			}
			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				return fmt.Errorf("%s %s returned status %d", req.Method, req.URL, resp.StatusCode)
			}
			return nil
		},
	}
}

func resourceKey(resource map[string]interface{}) string {
	kind, _ := resource["kind"].(string)
	md, _ := resource["metadata"].(map[string]interface{})
	name, _ := md["name"].(string)
	return kind + "/" + name
}

package application

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/yamplus/yam/pkg/engine"
	"github.com/yamplus/yam/pkg/plugins"
)

// DeploymentOperator turns deploy items into Deployment objects.
type DeploymentOperator struct {
	logger zerolog.Logger
}

// Operate implements engine.Operator.
func (o *DeploymentOperator) Operate(ctx context.Context, plan *engine.PlanContext, diff *engine.DiffResult) error {
	if !diff.HasDiff {
		plan.Logger().Debug().Msg("Deployment unchanged")
		return nil
	}
	data := plan.Data()
	o.logger.Debug().Str("app", data.App).Int("new", len(diff.NewItems)).
		Int("modified", len(diff.ModifiedItems)).Int("deleted", len(diff.DeletedItems)).Msg("Planning deployments")

	for _, raw := range changedItems(diff) {
		var item DeployItem
		if err := decodeItem(raw, &item); err != nil {
			return err
		}
		if item.Image == "" {
			return fmt.Errorf("deploy item %s has no image", item.Name)
		}
		plan.EnqueueAction(o.deployAction(BuildDeployment(data.App, data.Namespace, item)))
	}

	for _, raw := range diff.DeletedItems {
		var item DeployItem
		if err := decodeItem(raw, &item); err != nil {
			return err
		}
		plan.EnqueueAction(plugins.RemoveResourceAction("undeploy:"+item.Name, engine.ResourceMeta{
			APIVersion: "apps/v1",
			Kind:       "Deployment",
			Name:       item.Name,
			Namespace:  data.Namespace,
		}))
	}
	return nil
}

func (o *DeploymentOperator) deployAction(obj map[string]interface{}) engine.Action {
	md := obj["metadata"].(map[string]interface{})
	name := md["name"].(string)
	namespace := md["namespace"].(string)
	apply := plugins.ApplyResourceAction("deploy:"+name, obj)

	return engine.Action{
		Name: apply.Name,
		Run: func(ctx context.Context, exec engine.ExecuteContext) error {
			if err := apply.Run(ctx, exec); err != nil {
				return err
			}
			status, err := exec.Cluster().CheckWorkloadStatus(ctx, engine.ResourceMeta{
				APIVersion: "apps/v1",
				Kind:       "Deployment",
				Name:       name,
				Namespace:  namespace,
			})
			if err != nil {
				return fmt.Errorf("failed to check deployment %s: %w", name, err)
			}
			if status.Phase == "Failed" {
				return fmt.Errorf("deployment %s failed: %s", name, status.Message)
			}
			logger := exec.Logger()
			logger.Info().Str("deployment", name).Bool("ready", status.Ready).
				Int("ready_replicas", status.ReadyReplicas).Int("replicas", status.Replicas).Msg("Deployment applied")
			return nil
		},
	}
}

// BuildDeployment renders a deploy item as a Deployment object.
func BuildDeployment(app, namespace string, item DeployItem) map[string]interface{} {
	replicas := item.Replicas
	if replicas <= 0 {
		replicas = 1
	}
	labels := map[string]interface{}{"app": app, "component": item.Name}

	container := map[string]interface{}{
		"name":  item.Name,
		"image": item.Image,
	}
	if item.Port > 0 {
		container["ports"] = []interface{}{
			map[string]interface{}{"containerPort": item.Port},
		}
	}
	if len(item.Env) > 0 {
		env := make([]interface{}, 0, len(item.Env))
		for _, k := range sortedKeys(item.Env) {
			env = append(env, map[string]interface{}{"name": k, "value": item.Env[k]})
		}
		container["env"] = env
	}

	return map[string]interface{}{
		"apiVersion": "apps/v1",
		"kind":       "Deployment",
		"metadata": map[string]interface{}{
			"name":      item.Name,
			"namespace": namespace,
			"labels":    labels,
		},
		"spec": map[string]interface{}{
			"replicas": replicas,
			"selector": map[string]interface{}{
				"matchLabels": map[string]interface{}{"app": app, "component": item.Name},
			},
			"template": map[string]interface{}{
				"metadata": map[string]interface{}{"labels": engine.CloneValue(labels)},
				"spec": map[string]interface{}{
					"containers": []interface{}{container},
				},
			},
		},
	}
}

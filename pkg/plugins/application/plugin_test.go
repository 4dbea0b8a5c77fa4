package application

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yamplus/yam/pkg/engine"
	"github.com/yamplus/yam/pkg/plugins"
	"github.com/yamplus/yam/pkg/template"
)

func model(sections map[string]interface{}) engine.ApplicationModel {
	m := engine.ApplicationModel{
		"schema":   "application/v1",
		"metadata": map[string]interface{}{"app": "shop", "namespace": "team-a"},
	}
	for k, v := range sections {
		m[k] = v
	}
	return m
}

func plan(t *testing.T, dir string, previous, current engine.ApplicationModel, values map[string]interface{}) *engine.PlanContext {
	t.Helper()
	registry := plugins.NewRegistry()
	require.NoError(t, Register(registry, zerolog.Nop()))

	comp, err := plugins.NewComposer(registry, zerolog.Nop()).
		Compose(context.Background(), []engine.Plugin{Descriptor("1.0.0")}, dir, current)
	require.NoError(t, err)

	renderer := template.NewEngine(dir, zerolog.Nop())
	planner := engine.NewPlanEngine(nil, nil, renderer, zerolog.Nop())
	p, err := planner.Plan(context.Background(), engine.PlanInput{
		Previous:    previous,
		Current:     current,
		Schema:      comp.Schema,
		Groups:      comp.Groups,
		Environment: engine.Cluster{Name: "dev", Stack: "nonprod"},
		Values:      values,
		WorkingDir:  dir,
		RunMode:     engine.RunModePlanApply,
	})
	require.NoError(t, err)
	return p
}

func TestPlugin_FirstDeploy(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "conf"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "conf", "app.properties"), []byte("db.host=~{ dbHost, localhost }\n"), 0o644))

	current := model(map[string]interface{}{
		"config": []interface{}{
			map[string]interface{}{"name": "main", "from": []interface{}{"conf/app.properties"}, "data": map[string]interface{}{"MODE": "dev"}},
			map[string]interface{}{"name": "creds", "type": "secret", "data": map[string]interface{}{"token": "abc"}},
		},
		"deploy": []interface{}{
			map[string]interface{}{"name": "web", "image": "shop/web:1.0", "replicas": 2, "port": 8080},
		},
	})

	p := plan(t, dir, nil, current, map[string]interface{}{"dbHost": "db.internal"})
	assert.Equal(t, []string{
		"ensure-namespace:team-a",
		"sync-configMap:main",
		"sync-secret:creds",
		"deploy:web",
	}, p.Data().ActionNames())
}

func TestPlugin_NoChangesOnlyEnsuresNamespace(t *testing.T) {
	current := model(map[string]interface{}{
		"deploy": []interface{}{map[string]interface{}{"name": "web", "image": "shop/web:1.0"}},
	})
	p := plan(t, t.TempDir(), current.Clone(), current, nil)
	assert.Equal(t, []string{"ensure-namespace:team-a"}, p.Data().ActionNames())
}

func TestPlugin_DeletedItems(t *testing.T) {
	previous := model(map[string]interface{}{
		"config": []interface{}{
			map[string]interface{}{"name": "old", "data": map[string]interface{}{"k": "v"}},
			map[string]interface{}{"name": "gone", "type": "secret"},
		},
		"deploy": []interface{}{
			map[string]interface{}{"name": "web", "image": "shop/web:1.0"},
			map[string]interface{}{"name": "worker", "image": "shop/worker:1.0"},
		},
	})
	current := model(map[string]interface{}{
		"deploy": []interface{}{map[string]interface{}{"name": "web", "image": "shop/web:1.1"}},
	})

	p := plan(t, t.TempDir(), previous, current, nil)
	assert.Equal(t, []string{
		"ensure-namespace:team-a",
		"delete-configMap:old",
		"delete-secret:gone",
		"deploy:web",
		"undeploy:worker",
	}, p.Data().ActionNames())
}

func TestPlugin_ConfigTurnedIntoSecret(t *testing.T) {
	previous := model(map[string]interface{}{
		"config": []interface{}{map[string]interface{}{"name": "creds", "data": map[string]interface{}{"token": "abc"}}},
		"deploy": []interface{}{map[string]interface{}{"name": "web", "image": "shop/web:1.0"}},
	})
	current := model(map[string]interface{}{
		"config": []interface{}{map[string]interface{}{"name": "creds", "type": "secret", "data": map[string]interface{}{"token": "abc"}}},
		"deploy": []interface{}{map[string]interface{}{"name": "web", "image": "shop/web:1.0"}},
	})

	p := plan(t, t.TempDir(), previous, current, nil)
	assert.Equal(t, []string{
		"ensure-namespace:team-a",
		"delete-configMap:creds",
		"sync-secret:creds",
	}, p.Data().ActionNames())
}

func TestConfigOperator_RendersFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.properties"), []byte("db.host=~{ dbHost, localhost }\n"), 0o644))
	current := model(map[string]interface{}{
		"config": []interface{}{map[string]interface{}{"name": "main", "from": []interface{}{"app.properties"}}},
	})
	p := plan(t, dir, nil, current, map[string]interface{}{"dbHost": "db.internal"})

	cluster := &fakeCluster{}
	exec := &fakeExec{cluster: cluster}
	for _, a := range p.Actions() {
		require.NoError(t, a.Run(context.Background(), exec))
	}
	require.Len(t, cluster.saved, 1)
	assert.Equal(t, "shop-main", cluster.saved[0].Name)
	assert.Equal(t, "team-a", cluster.saved[0].Namespace)
	assert.Equal(t, engine.ConfigKindConfigMap, cluster.saved[0].Kind)
	assert.Equal(t, "db.host=db.internal\n", cluster.saved[0].Data["app.properties"])
}

func TestDeploy_RequiresImage(t *testing.T) {
	op := &DeploymentOperator{logger: zerolog.Nop()}
	p := engine.NewPlanContext(&engine.PlanContextData{App: "shop", Namespace: "team-a"}, nil, zerolog.Nop())
	err := op.Operate(context.Background(), p, &engine.DiffResult{
		HasDiff: true, HasNew: true,
		NewItems: []interface{}{map[string]interface{}{"name": "web"}},
	})
	assert.Error(t, err)
}

func TestDeploy_FailedWorkload(t *testing.T) {
	op := &DeploymentOperator{logger: zerolog.Nop()}
	p := engine.NewPlanContext(&engine.PlanContextData{App: "shop", Namespace: "team-a"}, nil, zerolog.Nop())
	require.NoError(t, op.Operate(context.Background(), p, &engine.DiffResult{
		HasDiff: true, HasNew: true,
		NewItems: []interface{}{map[string]interface{}{"name": "web", "image": "shop/web:1"}},
	}))
	require.Len(t, p.Actions(), 1)

	cluster := &fakeCluster{status: &engine.WorkloadStatus{Phase: "Failed", Message: "ImagePullBackOff"}}
	err := p.Actions()[0].Run(context.Background(), &fakeExec{cluster: cluster})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ImagePullBackOff")
}

func TestBuildDeployment(t *testing.T) {
	obj := BuildDeployment("shop", "team-a", DeployItem{
		Name: "web", Image: "shop/web:1", Port: 8080,
		Env: map[string]string{"B": "2", "A": "1"},
	})
	assert.Equal(t, "Deployment", obj["kind"])
	spec := obj["spec"].(map[string]interface{})
	assert.Equal(t, 1, spec["replicas"])
	container := spec["template"].(map[string]interface{})["spec"].(map[string]interface{})["containers"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, []interface{}{
		map[string]interface{}{"name": "A", "value": "1"},
		map[string]interface{}{"name": "B", "value": "2"},
	}, container["env"])
}

type fakeCluster struct {
	engine.ClusterClient
	saved  []engine.ConfigData
	status *engine.WorkloadStatus
}

func (c *fakeCluster) Find(context.Context, engine.ResourceMeta) ([]map[string]interface{}, error) {
	return nil, nil
}

func (c *fakeCluster) Apply(context.Context, map[string]interface{}) (bool, error) {
	return true, nil
}

func (c *fakeCluster) SaveConfig(_ context.Context, cfg engine.ConfigData) (bool, error) {
	c.saved = append(c.saved, cfg)
	return true, nil
}

func (c *fakeCluster) CheckWorkloadStatus(_ context.Context, meta engine.ResourceMeta) (*engine.WorkloadStatus, error) {
	if c.status != nil {
		return c.status, nil
	}
	return &engine.WorkloadStatus{Kind: meta.Kind, Name: meta.Name, Ready: true}, nil
}

type fakeExec struct {
	engine.ExecuteContext
	cluster engine.ClusterClient
}

func (e *fakeExec) Cluster() engine.ClusterClient         { return e.cluster }
func (e *fakeExec) Manage(string, map[string]interface{}) {}
func (e *fakeExec) Logger() zerolog.Logger                { return zerolog.Nop() }

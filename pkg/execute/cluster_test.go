package execute

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yamplus/yam/pkg/engine"
)

func deployment(name string, replicas int) map[string]interface{} {
	return map[string]interface{}{
		"apiVersion": "apps/v1",
		"kind":       "Deployment",
		"metadata":   map[string]interface{}{"name": name, "namespace": "ns", "labels": map[string]interface{}{"app": "shop"}},
		"spec":       map[string]interface{}{"replicas": replicas},
	}
}

func TestMemoryCluster_Lifecycle(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCluster()

	created, err := c.Apply(ctx, deployment("web", 2))
	require.NoError(t, err)
	assert.True(t, created)
	created, err = c.Apply(ctx, deployment("web", 3))
	require.NoError(t, err)
	assert.False(t, created)

	found, err := c.Find(ctx, engine.ResourceMeta{Kind: "Deployment", Labels: map[string]string{"app": "shop"}})
	require.NoError(t, err)
	require.Len(t, found, 1)

	status, err := c.CheckWorkloadStatus(ctx, engine.ResourceMeta{Kind: "Deployment", Name: "web", Namespace: "ns"})
	require.NoError(t, err)
	assert.True(t, status.Ready)
	assert.Equal(t, 3, status.Replicas)

	pods, err := c.GetPods(ctx, engine.ResourceMeta{Name: "web", Namespace: "ns"})
	require.NoError(t, err)
	assert.Len(t, pods, 3)

	removed, err := c.Remove(ctx, engine.ResourceMeta{Kind: "Deployment", Name: "web", Namespace: "ns"})
	require.NoError(t, err)
	assert.True(t, removed)
	_, err = c.CheckWorkloadStatus(ctx, engine.ResourceMeta{Kind: "Deployment", Name: "web", Namespace: "ns"})
	assert.True(t, engine.IsNotFound(err))

	_, err = c.Apply(ctx, map[string]interface{}{"kind": "Deployment"})
	assert.Error(t, err)
}

func TestMemoryCluster_Config(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCluster()
	cfg := engine.ConfigData{Kind: engine.ConfigKindSecret, Name: "creds", Namespace: "ns", Data: map[string]string{"token": "abc"}}

	_, err := c.SaveConfig(ctx, cfg)
	require.NoError(t, err)
	data, err := c.GetConfig(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"token": "abc"}, data)

	_, err = c.GetConfig(ctx, engine.ConfigData{Kind: engine.ConfigKindConfigMap, Name: "creds", Namespace: "ns"})
	assert.True(t, engine.IsNotFound(err))
}

func TestMemoryCluster_SwapConfig(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCluster()
	lease := func(holder string) engine.ConfigData {
		return engine.ConfigData{Kind: engine.ConfigKindConfigMap, Name: "lock", Namespace: "default", Data: map[string]string{"holder": holder}}
	}

	ok, err := c.SwapConfig(ctx, lease("a"), nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.SwapConfig(ctx, lease("b"), nil)
	require.NoError(t, err)
	assert.False(t, ok, "create must fail when the object exists")

	ok, err = c.SwapConfig(ctx, lease("b"), map[string]string{"holder": "stale"})
	require.NoError(t, err)
	assert.False(t, ok, "swap must fail on a data mismatch")

	ok, err = c.SwapConfig(ctx, lease("b"), map[string]string{"holder": "a"})
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := c.GetConfig(ctx, lease(""))
	require.NoError(t, err)
	assert.Equal(t, "b", data["holder"])
}

func TestDryRunCluster_NoMutations(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryCluster()
	_, err := inner.Apply(ctx, deployment("existing", 1))
	require.NoError(t, err)

	c := NewDryRunCluster(inner, zerolog.Nop())
	ok, err := c.Apply(ctx, deployment("web", 1))
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = c.Remove(ctx, engine.ResourceMeta{Kind: "Deployment", Name: "existing", Namespace: "ns"})
	require.NoError(t, err)
	_, err = c.SaveConfig(ctx, engine.ConfigData{Kind: engine.ConfigKindConfigMap, Name: "cfg", Namespace: "ns"})
	require.NoError(t, err)
	_, err = c.RunJob(ctx, engine.JobParam{Name: "migrate", Namespace: "ns"})
	require.NoError(t, err)
	fwd, err := c.PortForward(ctx, engine.ForwardParam{Name: "web", LocalPort: 9000, RemotePort: 80})
	require.NoError(t, err)
	fwd.Stop()

	all, err := inner.Find(ctx, engine.ResourceMeta{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "existing", metaOf(all[0]).Name)

	found, err := c.Find(ctx, engine.ResourceMeta{Kind: "Deployment", Name: "existing"})
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

func TestNew_DryRunWrapsCluster(t *testing.T) {
	e := New(Options{DryRun: true, Cluster: NewMemoryCluster()}, zerolog.Nop())
	_, ok := e.Cluster().(*DryRunCluster)
	assert.True(t, ok)
	assert.True(t, e.DryRun())

	e = New(Options{Cluster: NewMemoryCluster()}, zerolog.Nop())
	_, ok = e.Cluster().(*MemoryCluster)
	assert.True(t, ok)
}

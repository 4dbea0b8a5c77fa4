package execute

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yamplus/yam/pkg/engine"
)

func newExec(dryRun bool) *ExecContext {
	return New(Options{WorkingDir: ".", DryRun: dryRun, Cluster: NewMemoryCluster()}, zerolog.Nop())
}

func TestMergeToYaml_Root(t *testing.T) {
	e := newExec(false)
	ctx := context.Background()

	require.NoError(t, e.MergeToYaml(ctx, engine.MergeToYamlParam{
		Filename: "deploy.yaml",
		Content: map[string]interface{}{
			"kind": "Deployment",
			"spec": map[string]interface{}{"ports": []interface{}{80}},
		},
	}))
	require.NoError(t, e.MergeToYaml(ctx, engine.MergeToYamlParam{
		Filename: "deploy.yaml",
		Content:  map[string]interface{}{"spec": map[string]interface{}{"ports": []interface{}{443}, "replicas": 2}},
	}))

	doc := e.ManagedResources()["deploy.yaml"]
	assert.Equal(t, "Deployment", doc["kind"])
	assert.Equal(t, map[string]interface{}{"ports": []interface{}{80, 443}, "replicas": 2}, doc["spec"])

	require.NoError(t, e.MergeToYaml(ctx, engine.MergeToYamlParam{
		Filename:         "deploy.yaml",
		Content:          map[string]interface{}{"spec": map[string]interface{}{"ports": []interface{}{8080}}},
		ArrayReplaceMode: true,
	}))
	doc = e.ManagedResources()["deploy.yaml"]
	assert.Equal(t, []interface{}{8080}, doc["spec"].(map[string]interface{})["ports"])
}

func TestMergeToYaml_Path(t *testing.T) {
	e := newExec(false)
	ctx := context.Background()
	e.Manage("deploy.yaml", map[string]interface{}{
		"spec": map[string]interface{}{
			"containers": []interface{}{
				map[string]interface{}{"name": "web", "env": []interface{}{"A=1"}},
				map[string]interface{}{"name": "sidecar"},
			},
		},
	})

	require.NoError(t, e.MergeToYaml(ctx, engine.MergeToYamlParam{
		Filename: "deploy.yaml",
		JSONPath: "spec.containers[*]",
		Content:  map[string]interface{}{"resources": map[string]interface{}{"cpu": "100m"}},
	}))

	containers := e.ManagedResources()["deploy.yaml"]["spec"].(map[string]interface{})["containers"].([]interface{})
	for _, c := range containers {
		assert.Equal(t, map[string]interface{}{"cpu": "100m"}, c.(map[string]interface{})["resources"])
	}
	assert.Equal(t, []interface{}{"A=1"}, containers[0].(map[string]interface{})["env"])
}

func TestMergeToYaml_PathErrors(t *testing.T) {
	e := newExec(false)
	ctx := context.Background()

	err := e.MergeToYaml(ctx, engine.MergeToYamlParam{Filename: "missing.yaml", JSONPath: "$.a", Content: map[string]interface{}{"x": 1}})
	assert.Error(t, err)

	e.Manage("doc.yaml", map[string]interface{}{"a": map[string]interface{}{}})
	err = e.MergeToYaml(ctx, engine.MergeToYamlParam{Filename: "doc.yaml", JSONPath: "$.nothing", Content: map[string]interface{}{"x": 1}})
	assert.Error(t, err)

	err = e.MergeToYaml(ctx, engine.MergeToYamlParam{Filename: "doc.yaml", Content: []interface{}{1}})
	assert.Error(t, err)

	assert.NoError(t, e.MergeToYaml(ctx, engine.MergeToYamlParam{Filename: "doc.yaml"}))
}

func TestRemoveFromYaml(t *testing.T) {
	e := newExec(false)
	ctx := context.Background()
	e.Manage("svc.yaml", map[string]interface{}{
		"metadata": map[string]interface{}{"name": "web", "annotations": map[string]interface{}{"a": "1"}},
		"spec":     map[string]interface{}{"ports": []interface{}{80}},
	})

	require.NoError(t, e.RemoveFromYaml(ctx, engine.RemoveFromYamlParam{Filename: "svc.yaml", JSONPath: "$.metadata.annotations"}))
	doc := e.ManagedResources()["svc.yaml"]
	assert.Equal(t, map[string]interface{}{"name": "web"}, doc["metadata"])

	err := e.RemoveFromYaml(ctx, engine.RemoveFromYamlParam{Filename: "svc.yaml", JSONPath: "$.spec.ports[*]"})
	assert.Error(t, err)
	err = e.RemoveFromYaml(ctx, engine.RemoveFromYamlParam{Filename: "svc.yaml", JSONPath: "$.spec.*"})
	assert.Error(t, err)

	require.NoError(t, e.RemoveFromYaml(ctx, engine.RemoveFromYamlParam{Filename: "svc.yaml"}))
	assert.NotContains(t, e.ManagedResources(), "svc.yaml")
}

func TestSendRequest(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Method", r.Method)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	e := newExec(false)
	resp, err := e.SendRequest(context.Background(), engine.HTTPRequest{Method: "post", URL: srv.URL, Body: []byte("hello")})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "POST", resp.Headers["X-Method"])
	assert.Equal(t, "hello", string(resp.Body))
	assert.False(t, resp.Mocked)
	assert.Equal(t, int32(1), hits.Load())
}

func TestSendRequest_DryRun(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := newExec(true)
	resp, err := e.SendRequest(context.Background(), engine.HTTPRequest{Method: http.MethodDelete, URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.True(t, resp.Mocked)
	assert.Equal(t, int32(0), hits.Load())

	resp, err = e.SendRequest(context.Background(), engine.HTTPRequest{Method: http.MethodGet, URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(1), hits.Load())
}

func TestFlush(t *testing.T) {
	out := filepath.Join(t.TempDir(), "manifests")
	e := New(Options{OutputDir: out, Cluster: NewMemoryCluster()}, zerolog.Nop())
	e.Manage("Deployment/web", map[string]interface{}{"kind": "Deployment"})
	e.Manage("values.yaml", map[string]interface{}{"a": 1})

	written, err := e.Flush()
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(out, "Deployment_web.yaml"),
		filepath.Join(out, "values.yaml"),
	}, written)
	data, err := os.ReadFile(filepath.Join(out, "values.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "a: 1\n", string(data))

	dry := New(Options{OutputDir: out, DryRun: true}, zerolog.Nop())
	dry.Manage("x", map[string]interface{}{})
	written, err = dry.Flush()
	require.NoError(t, err)
	assert.Empty(t, written)
}

func TestMergeValues(t *testing.T) {
	assert.Equal(t, "b", MergeValues("a", "b", false))
	assert.Equal(t, "a", MergeValues("a", nil, false))
	assert.Equal(t, []interface{}{1, 2}, MergeValues([]interface{}{1}, []interface{}{2}, false))
	assert.Equal(t, []interface{}{2}, MergeValues([]interface{}{1}, []interface{}{2}, true))
	assert.Equal(t, map[string]interface{}{"a": 1, "b": 2},
		MergeValues(map[string]interface{}{"a": 1}, map[string]interface{}{"b": 2}, false))

	var missing map[string]interface{}
	assert.Equal(t, map[string]interface{}{"a": 1}, MergeValues(missing, map[string]interface{}{"a": 1}, false))
}

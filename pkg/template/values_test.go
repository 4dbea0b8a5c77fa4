package template

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yamplus/yam/pkg/engine"
)

var testClusters = []engine.Cluster{
	{Name: "dev", Stack: "nonprod", EnvTag: "d"},
	{Name: "qa", Stack: "nonprod"},
	{Name: "prod", Stack: "production", EnvTag: "p"},
}

var testModel = engine.ApplicationModel{
	"schema":   "application/v1",
	"metadata": map[string]interface{}{"app": "shop", "namespace": "shop-ns"},
}

func TestResolve_BuiltInsAlwaysPresent(t *testing.T) {
	r := NewValueResolver(NewEngine(t.TempDir(), zerolog.Nop()), "", zerolog.Nop())
	values, err := r.Resolve(nil, testClusters, testModel)
	require.NoError(t, err)
	require.Len(t, values, 3)

	for env, kv := range values {
		for _, p := range BuiltInParams {
			v, ok := kv[p]
			assert.True(t, ok, "%s missing %s", env, p)
			assert.NotEmpty(t, v, "%s has empty %s", env, p)
		}
	}
	assert.Equal(t, "latest", values["dev"][ParamVersion])
	assert.Equal(t, "qa", values["qa"][ParamEnvTag])
	assert.Equal(t, "production", values["prod"][ParamStack])
}

func TestResolve_ValuesDirectory(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"values/common.yaml":        "replicas:\n  nonprod: 1\n  prod: 5\nimage:\n  dev: web:dev\n  unknown-env: ignored\n",
		"values/nested/extra.yaml":  "replicas:\n  dev: 99\ncolor:\n  dev: blue\n",
		"values/nested/readme.txt":  "not yaml",
		"values/a/b/c/d/e/deep.yml": "tooDeep:\n  dev: true\n",
	})
	r := NewValueResolver(NewEngine(dir, zerolog.Nop()), StackPrecedenceFallback, zerolog.Nop())
	values, err := r.Resolve(map[string]string{}, testClusters, testModel)
	require.NoError(t, err)

	assert.Equal(t, 99, values["dev"]["replicas"], "environment value beats stack value")
	assert.Equal(t, 1, values["qa"]["replicas"], "stack value is the fallback")
	assert.Equal(t, 5, values["prod"]["replicas"])
	assert.Equal(t, "web:dev", values["dev"]["image"])
	assert.Equal(t, "blue", values["dev"]["color"])
	_, deep := values["dev"]["tooDeep"]
	assert.False(t, deep, "values deeper than the scan limit are ignored")
}

func TestResolve_CommandLinePrecedence(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"values/v.yaml": "replicas:\n  nonprod: 2\n  dev: 3\n",
	})
	cmd := map[string]string{"replicas": "7", "version": "1.2.3"}

	fallback := NewValueResolver(NewEngine(dir, zerolog.Nop()), StackPrecedenceFallback, zerolog.Nop())
	values, err := fallback.Resolve(cmd, testClusters, testModel)
	require.NoError(t, err)
	assert.Equal(t, "7", values["dev"]["replicas"])
	assert.Equal(t, "7", values["qa"]["replicas"])
	assert.Equal(t, "1.2.3", values["prod"][ParamVersion])

	override := NewValueResolver(NewEngine(dir, zerolog.Nop()), StackPrecedenceOverride, zerolog.Nop())
	values, err = override.Resolve(cmd, testClusters, testModel)
	require.NoError(t, err)
	assert.Equal(t, 2, values["dev"]["replicas"], "stack default is copied over the command line value")
	assert.Equal(t, "7", values["prod"]["replicas"])
}

func TestResolve_InvalidPrecedence(t *testing.T) {
	r := NewValueResolver(NewEngine(t.TempDir(), zerolog.Nop()), "sideways", zerolog.Nop())
	_, err := r.Resolve(nil, testClusters, testModel)
	assert.Error(t, err)
}

package template

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/yamplus/yam/pkg/engine"
)

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		full := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	return dir
}

func renderTree(t *testing.T, e *Engine, path string, values map[string]interface{}) map[string]interface{} {
	t.Helper()
	text, err := e.RenderTemplate(path, true, values)
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, yaml.Unmarshal([]byte(text), &out))
	return out
}

func TestRenderTemplate_DefaultValue(t *testing.T) {
	dir := writeFiles(t, map[string]string{"app.yaml": "port: ~{ port, 8080 }\n"})
	out := renderTree(t, NewEngine(dir, zerolog.Nop()), "app.yaml", map[string]interface{}{})
	assert.Equal(t, "8080", out["port"])
}

func TestRenderTemplate_ExactMatchKeepsType(t *testing.T) {
	dir := writeFiles(t, map[string]string{"app.yaml": "replicas: ~{ replicaCount }\nenabled: ~{flag}\nres: ~{ limits }\n"})
	values := map[string]interface{}{
		"replicaCount": 3,
		"flag":         false,
		"limits":       map[string]interface{}{"cpu": "500m"},
	}
	out := renderTree(t, NewEngine(dir, zerolog.Nop()), "app.yaml", values)
	assert.Equal(t, 3, out["replicas"])
	assert.Equal(t, false, out["enabled"])
	assert.Equal(t, map[string]interface{}{"cpu": "500m"}, out["res"])
}

func TestRenderTemplate_MissingValueRemovesKey(t *testing.T) {
	dir := writeFiles(t, map[string]string{"app.yaml": "keep: yes-please\noptional: ~{ missing }\nlist:\n  - a\n  - ~{ missing }\n"})
	out := renderTree(t, NewEngine(dir, zerolog.Nop()), "app.yaml", nil)
	assert.Equal(t, "yes-please", out["keep"])
	_, exists := out["optional"]
	assert.False(t, exists)
	assert.Equal(t, []interface{}{"a"}, out["list"])
}

func TestRenderTemplate_InterpolationAndKeys(t *testing.T) {
	dir := writeFiles(t, map[string]string{"app.yaml": "'~{ prefix }-config':\n  url: 'http://~{ host }:~{ port, 80 }/path'\n"})
	out := renderTree(t, NewEngine(dir, zerolog.Nop()), "app.yaml", map[string]interface{}{"prefix": "web", "host": "example.com"})
	require.Contains(t, out, "web-config")
	assert.Equal(t, "http://example.com:80/path", out["web-config"].(map[string]interface{})["url"])
}

func TestRenderTemplate_PlainText(t *testing.T) {
	dir := writeFiles(t, map[string]string{"nginx.conf": "listen ~{ port };\nserver_name ~{ host, localhost };\n"})
	text, err := NewEngine(dir, zerolog.Nop()).RenderTemplate("nginx.conf", true, map[string]interface{}{"port": 8080})
	require.NoError(t, err)
	assert.Equal(t, "listen 8080;\nserver_name localhost;\n", text)
}

func TestRenderTemplate_Includes(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"app.yaml":          "deploy: include('parts/deploy.yaml')\nconfig: include(\"parts/config.yaml\")\n",
		"parts/deploy.yaml": "- name: web\n  image: ~{ image, nginx }\n",
		"parts/config.yaml": "- name: settings\n",
	})
	out := renderTree(t, NewEngine(dir, zerolog.Nop()), "app.yaml", nil)
	deploy := out["deploy"].([]interface{})
	require.Len(t, deploy, 1)
	assert.Equal(t, "nginx", deploy[0].(map[string]interface{})["image"])
	assert.Len(t, out["config"], 1)
}

func TestRenderTemplate_DuplicateIncludeFails(t *testing.T) {
	t.Run("direct", func(t *testing.T) {
		dir := writeFiles(t, map[string]string{
			"app.yaml":    "a: include('shared.yaml')\nb: include('shared.yaml')\n",
			"shared.yaml": "x: 1\n",
		})
		_, err := NewEngine(dir, zerolog.Nop()).RenderTemplate("app.yaml", true, nil)
		require.Error(t, err)
		assert.True(t, engine.IsTemplateError(err))
	})

	t.Run("via two parents", func(t *testing.T) {
		dir := writeFiles(t, map[string]string{
			"app.yaml":    "a: include('left.yaml')\nb: include('right.yaml')\n",
			"left.yaml":   "shared: include('shared.yaml')\n",
			"right.yaml":  "shared: include('shared.yaml')\n",
			"shared.yaml": "x: 1\n",
		})
		_, err := NewEngine(dir, zerolog.Nop()).RenderTemplate("app.yaml", true, nil)
		assert.True(t, engine.IsTemplateError(err))
	})
}

func TestRenderTemplate_RenderTwiceWithSameEngine(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"app.yaml":    "a: include('shared.yaml')\nenv: ~{ envTag }\n",
		"shared.yaml": "x: 1\n",
	})
	e := NewEngine(dir, zerolog.Nop())
	first := renderTree(t, e, "app.yaml", map[string]interface{}{"envTag": "dev"})
	second := renderTree(t, e, "app.yaml", map[string]interface{}{"envTag": "prod"})
	assert.Equal(t, "dev", first["env"])
	assert.Equal(t, "prod", second["env"])
}

func TestRenderTemplate_MissingFile(t *testing.T) {
	_, err := NewEngine(t.TempDir(), zerolog.Nop()).RenderTemplate("nope.yaml", true, nil)
	assert.True(t, engine.IsTemplateError(err))
}

func TestReadFile_IsCached(t *testing.T) {
	dir := writeFiles(t, map[string]string{"a.txt": "first"})
	e := NewEngine(dir, zerolog.Nop())
	content, err := e.ReadFile("a.txt")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("second"), 0o644))
	again, err := e.ReadFile("a.txt")
	require.NoError(t, err)
	assert.Equal(t, string(content), string(again))
}

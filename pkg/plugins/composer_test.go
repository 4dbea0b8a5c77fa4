package plugins

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yamplus/yam/pkg/engine"
)

type testPlugin struct {
	name     string
	schema   map[string]interface{}
	handlers []engine.HandlerSpec
}

func (p *testPlugin) Name() string                   { return p.name }
func (p *testPlugin) Schema() map[string]interface{} { return p.schema }
func (p *testPlugin) Handlers() []engine.HandlerSpec { return p.handlers }

func noop(context.Context, *engine.PlanContext, *engine.DiffResult) error { return nil }

func register(t *testing.T, r *Registry, p *testPlugin) engine.Plugin {
	t.Helper()
	require.NoError(t, r.Register(p.name, func(engine.Plugin) (Plugin, error) { return p, nil }))
	return engine.Plugin{Name: p.name, Version: "1.0.0", Enable: true, BuiltIn: true}
}

var appModel = engine.ApplicationModel{
	"schema":   "application/v1",
	"metadata": map[string]interface{}{"app": "demo", "namespace": "demo"},
}

func TestCompose_GroupsOrderedByStage(t *testing.T) {
	r := NewRegistry()
	a := register(t, r, &testPlugin{
		name: "a",
		handlers: []engine.HandlerSpec{
			{Matcher: "$.deploy[*]", Handler: engine.OperateFunc(noop)},
			{Matcher: "$.config[*]", Handler: noop},
		},
	})
	b := register(t, r, &testPlugin{
		name: "b",
		handlers: []engine.HandlerSpec{
			{Matcher: "$.metadata", Handler: noop},
			{Matcher: "$.config[*]", Handler: noop},
			{Matcher: "$.custom", Handler: noop},
		},
	})

	comp, err := NewComposer(r, zerolog.Nop()).Compose(context.Background(), []engine.Plugin{a, b}, t.TempDir(), appModel)
	require.NoError(t, err)

	var matchers []string
	for _, g := range comp.Groups {
		matchers = append(matchers, g.Matcher)
	}
	assert.Equal(t, []string{"$.metadata", "$.config[*]", "$.deploy[*]", "$.custom"}, matchers)
	require.Len(t, comp.Groups[1].Handlers, 2)
	assert.Equal(t, "a", comp.Groups[1].Handlers[0].Plugin)
	assert.Equal(t, "b", comp.Groups[1].Handlers[1].Plugin)
	assert.Equal(t, []string{"a", "b"}, comp.Plugins)
}

func TestCompose_SkipsDisabledAndOtherFamilies(t *testing.T) {
	r := NewRegistry()
	off := register(t, r, &testPlugin{name: "off", handlers: []engine.HandlerSpec{{Matcher: "$.a", Handler: noop}}})
	off.Enable = false
	other := register(t, r, &testPlugin{name: "other", handlers: []engine.HandlerSpec{{Matcher: "$.b", Handler: noop}}})
	other.ApplyTo = []string{"batch"}
	on := register(t, r, &testPlugin{name: "on", handlers: []engine.HandlerSpec{{Matcher: "$.c", Handler: noop}}})
	on.ApplyTo = []string{"application"}

	comp, err := NewComposer(r, zerolog.Nop()).Compose(context.Background(), []engine.Plugin{off, other, on}, "", appModel)
	require.NoError(t, err)
	assert.Equal(t, []string{"on"}, comp.Plugins)
	require.Len(t, comp.Groups, 1)
	assert.Equal(t, "$.c", comp.Groups[0].Matcher)
}

func TestCompose_NameMismatch(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("declared", func(engine.Plugin) (Plugin, error) {
		return &testPlugin{name: "actual"}, nil
	}))

	_, err := NewComposer(r, zerolog.Nop()).Compose(context.Background(),
		[]engine.Plugin{{Name: "declared", Version: "1", Enable: true, BuiltIn: true}}, "", appModel)
	require.Error(t, err)
	assert.True(t, engine.IsComposeError(err))
}

func TestCompose_UnknownPlugin(t *testing.T) {
	_, err := NewComposer(NewRegistry(), zerolog.Nop()).Compose(context.Background(),
		[]engine.Plugin{{Name: "ghost", Version: "1", Enable: true}}, "", appModel)
	require.Error(t, err)
	assert.True(t, engine.IsComposeError(err))
}

func TestCompose_MalformedHandlersSkipped(t *testing.T) {
	var nilOp engine.OperateFunc
	r := NewRegistry()
	p := register(t, r, &testPlugin{
		name: "p",
		handlers: []engine.HandlerSpec{
			{Matcher: "$.a", Handler: "not a function"},
			{Matcher: "$.b", Handler: nilOp},
			{Matcher: "  ", Handler: noop},
			{Matcher: "$.c", Handler: noop},
		},
	})

	comp, err := NewComposer(r, zerolog.Nop()).Compose(context.Background(), []engine.Plugin{p}, "", appModel)
	require.NoError(t, err)
	require.Len(t, comp.Groups, 1)
	assert.Equal(t, "$.c", comp.Groups[0].Matcher)
}

func TestCompose_SchemaConflict(t *testing.T) {
	r := NewRegistry()
	a := register(t, r, &testPlugin{name: "a", schema: map[string]interface{}{
		"properties": map[string]interface{}{"port": map[string]interface{}{"type": "integer"}},
	}})
	b := register(t, r, &testPlugin{name: "b", schema: map[string]interface{}{
		"properties": map[string]interface{}{"port": map[string]interface{}{"type": "string"}},
	}})

	_, err := NewComposer(r, zerolog.Nop()).Compose(context.Background(), []engine.Plugin{a, b}, "", appModel)
	require.Error(t, err)
	assert.True(t, engine.IsComposeError(err))
	assert.Contains(t, err.Error(), "properties.port.type")
}

func TestCompose_PluginEnvIsCopied(t *testing.T) {
	r := NewRegistry()
	p := register(t, r, &testPlugin{name: "p", handlers: []engine.HandlerSpec{{Matcher: "$.a", Handler: noop}}})
	p.EnvironmentVars = map[string]string{"TOKEN": "one"}

	comp, err := NewComposer(r, zerolog.Nop()).Compose(context.Background(), []engine.Plugin{p}, "", appModel)
	require.NoError(t, err)
	p.EnvironmentVars["TOKEN"] = "two"
	assert.Equal(t, "one", comp.Groups[0].Handlers[0].Env["TOKEN"])
}

func TestRegistry_RegisterTwice(t *testing.T) {
	r := NewRegistry()
	f := func(engine.Plugin) (Plugin, error) { return &testPlugin{name: "x"}, nil }
	require.NoError(t, r.Register("x", f))
	assert.Error(t, r.Register("x", f))
	assert.Error(t, r.Register("", f))
	assert.Error(t, r.Register("y", nil))
	assert.True(t, r.Has("x"))
	assert.Equal(t, []string{"x"}, r.Names())
}

package operator

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yamplus/yam/pkg/engine"
)

type watchRun struct {
	report *Report
	err    error
}

func TestWatcher_ReplansOnValuesChange(t *testing.T) {
	f := newFixture(t, nil)
	runs := make(chan watchRun, 8)

	w := NewWatcher(f.op, Options{WorkingDir: f.dir, RunMode: engine.RunModePlanApply, Environments: []string{"dev"}},
		func(r *Report, err error) { runs <- watchRun{report: r, err: err} }, zerolog.Nop())
	w.SetDebounce(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx) }()

	first := waitRun(t, runs)
	require.NoError(t, first.err)
	assert.Equal(t, engine.RunModePlanOnly, first.report.RunMode)
	assert.Nil(t, first.report.Environments[0].Result)

	writeFile(t, f.dir, "values/image.yaml", "image:\n  dev: nginx:1.28\n")
	second := waitRun(t, runs)
	require.NoError(t, second.err)
	assert.NotEqual(t, first.report.Environments[0].PlanID, second.report.Environments[0].PlanID)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
	assert.Empty(t, f.deployments(t))
}

type reloadingGate struct {
	reloads atomic.Int32
	err     error
}

func (g *reloadingGate) Evaluate(ctx context.Context, plan *engine.PlanContextData) error {
	return nil
}

func (g *reloadingGate) Reload(ctx context.Context) error {
	g.reloads.Add(1)
	return g.err
}

func TestWatcher_ReloadsPolicies(t *testing.T) {
	gate := &reloadingGate{}
	f := newFixture(t, gate)
	runs := make(chan watchRun, 8)
	w := NewWatcher(f.op, Options{WorkingDir: f.dir, Environments: []string{"dev"}},
		func(r *Report, err error) { runs <- watchRun{report: r, err: err} }, zerolog.Nop())

	w.runOnce(context.Background())
	first := waitRun(t, runs)
	require.NoError(t, first.err)
	assert.Equal(t, int32(1), gate.reloads.Load())

	gate.err = errors.New("bad policy")
	w.runOnce(context.Background())
	second := waitRun(t, runs)
	assert.EqualError(t, second.err, "bad policy")
	assert.Nil(t, second.report)
}

func TestWatcher_ReplansOnNestedConfigChange(t *testing.T) {
	f := newFixture(t, nil)
	writeFile(t, f.dir, "app.yaml", appModel+`config:
  - name: settings
    from:
      - conf/nested/app.properties
`)
	writeFile(t, f.dir, "conf/nested/app.properties", "mode=a\n")
	runs := make(chan watchRun, 8)

	w := NewWatcher(f.op, Options{WorkingDir: f.dir, Environments: []string{"dev"}},
		func(r *Report, err error) { runs <- watchRun{report: r, err: err} }, zerolog.Nop())
	w.SetDebounce(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Watch(ctx) }()

	first := waitRun(t, runs)
	require.NoError(t, first.err)

	writeFile(t, f.dir, "conf/nested/app.properties", "mode=b\n")
	second := waitRun(t, runs)
	require.NoError(t, second.err)
	assert.NotEqual(t, first.report.Environments[0].PlanID, second.report.Environments[0].PlanID)

	artifact, err := f.store.LoadPlan(ctx, second.report.Environments[0].PlanID)
	require.NoError(t, err)
	assert.Equal(t, "mode=b\n", artifact.Rendered["conf/nested/app.properties"])
}

func waitRun(t *testing.T, runs <-chan watchRun) watchRun {
	t.Helper()
	select {
	case r := <-runs:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for a run")
		return watchRun{}
	}
}

func TestWatcher_Relevant(t *testing.T) {
	f := newFixture(t, nil)
	f.op.cfg.Policy.Dir = "policies"
	f.op.cfg.Plugins = []engine.Plugin{{Name: "ingress", Version: "1.0.0", Directory: "plugins/ingress"}}
	w := NewWatcher(f.op, Options{WorkingDir: f.dir, OutputDir: filepath.Join(f.dir, "out")}, nil, zerolog.Nop())

	tests := []struct {
		path string
		want bool
	}{
		{"app.yaml", true},
		{"yam.yml", true},
		{"README.md", false},
		{".app.yaml.swp", false},
		{"app.yaml~", false},
		{"values/image.yaml", true},
		{"values/prod/db.yaml", true},
		{"policies/labels.rego", true},
		{"plugins/ingress/plugin.star", true},
		{"common.yaml", true},
		{"includes/db.yaml", true},
		{"conf/app.properties", true},
		{"conf/.app.properties.swp", false},
		{".git/HEAD", false},
		{".yam/state.db", false},
		{"out/dev/web.yaml", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, w.relevant(filepath.Join(f.dir, tt.path)))
		})
	}
}

package engine

import (
	"context"
	"testing"
)

type testOperator struct{ called bool }

func (o *testOperator) Operate(ctx context.Context, plan *PlanContext, diff *DiffResult) error {
	o.called = true
	return nil
}

func namedAction(ctx context.Context, exec ExecuteContext) error { return nil }

func TestNormalizeHandler(t *testing.T) {
	op := &testOperator{}
	fn := func(ctx context.Context, plan *PlanContext, diff *DiffResult) error { return nil }

	valid := []interface{}{fn, OperateFunc(fn), op}
	for _, h := range valid {
		run, err := NormalizeHandler(h)
		if err != nil {
			t.Errorf("NormalizeHandler(%T) failed: %v", h, err)
			continue
		}
		if err := run(context.Background(), nil, nil); err != nil {
			t.Errorf("normalized %T returned error: %v", h, err)
		}
	}
	if !op.called {
		t.Error("operator was not invoked through the normalized handler")
	}

	var nilOp *testOperator
	invalid := []interface{}{nil, "not a handler", 42, func() {}, nilOp}
	for _, h := range invalid {
		if _, err := NormalizeHandler(h); err == nil {
			t.Errorf("NormalizeHandler(%T) should fail", h)
		}
	}
}

func TestActionDisplayName(t *testing.T) {
	tests := []struct {
		name   string
		action Action
		want   string
	}{
		{"explicit", Action{Name: "sync", Run: namedAction}, "sync"},
		{"function identifier", Action{Run: namedAction}, "namedAction"},
		{"closure", Action{Run: func(ctx context.Context, exec ExecuteContext) error { return nil }}, AnonymousAction},
		{"no body", Action{}, AnonymousAction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.action.DisplayName(); got != tt.want {
				t.Errorf("DisplayName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLeadingSegmentAndStage(t *testing.T) {
	tests := []struct {
		matcher string
		segment string
		weight  int
	}{
		{"metadata", "metadata", 0},
		{"$.prepare[*]", "prepare", 1},
		{"config[?(@.name)]", "config", 2},
		{"deploy", "deploy", 3},
		{"$['access'].ingress", "access", 4},
		{"observe.metrics", "observe", 5},
		{"scale[*]", "scale", 6},
		{"custom.thing", "custom", 7},
	}
	for _, tt := range tests {
		if got := LeadingSegment(tt.matcher); got != tt.segment {
			t.Errorf("LeadingSegment(%q) = %q, want %q", tt.matcher, got, tt.segment)
		}
		if got := (HandlerGroup{Matcher: tt.matcher}).Stage().Weight(); got != tt.weight {
			t.Errorf("weight(%q) = %d, want %d", tt.matcher, got, tt.weight)
		}
	}
}

func TestApplicationModelHelpers(t *testing.T) {
	m := testModel()
	if m.SchemaFamily() != "application" {
		t.Errorf("unexpected schema family %q", m.SchemaFamily())
	}
	md, err := m.Metadata()
	if err != nil {
		t.Fatalf("Metadata failed: %v", err)
	}
	if md.App != "shop" || md.Namespace != "shop-ns" {
		t.Errorf("unexpected metadata %+v", md)
	}

	stub := m.Stub()
	if _, ok := stub["deploy"]; ok {
		t.Error("stub should only carry schema and metadata")
	}

	clone := m.Clone()
	clone["metadata"].(map[string]interface{})["app"] = "changed"
	if md2, _ := m.Metadata(); md2.App != "shop" {
		t.Error("Clone must not share nested maps")
	}
}

func TestPluginAppliesTo(t *testing.T) {
	if !(Plugin{}).AppliesTo("application") {
		t.Error("empty allowlist should accept every family")
	}
	p := Plugin{ApplyTo: []string{"batch"}}
	if p.AppliesTo("application") || !p.AppliesTo("batch") {
		t.Error("allowlist not honoured")
	}
}

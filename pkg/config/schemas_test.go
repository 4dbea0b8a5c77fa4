package config

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yamplus/yam/pkg/engine"
	"github.com/yamplus/yam/pkg/plugins/application"
)

func validModel() engine.ApplicationModel {
	return engine.ApplicationModel{
		"schema":   "application/v1",
		"metadata": map[string]interface{}{"app": "shop", "namespace": "team-a"},
		"deploy": []interface{}{
			map[string]interface{}{"name": "web", "image": "shop/web:1", "replicas": 2, "port": 8080},
		},
		"custom": map[string]interface{}{"anything": true},
	}
}

func TestSchemaValidator_Valid(t *testing.T) {
	v := NewSchemaValidator(zerolog.Nop())
	require.NoError(t, v.Validate(context.Background(), application.Schema(), validModel()))
}

func TestSchemaValidator_Violations(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(m engine.ApplicationModel)
	}{
		{name: "missing metadata", mutate: func(m engine.ApplicationModel) { delete(m, "metadata") }},
		{name: "missing app", mutate: func(m engine.ApplicationModel) {
			m["metadata"] = map[string]interface{}{"namespace": "team-a"}
		}},
		{name: "wrong schema family", mutate: func(m engine.ApplicationModel) { m["schema"] = "batch/v1" }},
		{name: "port out of range", mutate: func(m engine.ApplicationModel) {
			m["deploy"] = []interface{}{map[string]interface{}{"name": "web", "port": 70000}}
		}},
		{name: "replicas not integer", mutate: func(m engine.ApplicationModel) {
			m["deploy"] = []interface{}{map[string]interface{}{"name": "web", "replicas": "two"}}
		}},
		{name: "config item without name", mutate: func(m engine.ApplicationModel) {
			m["config"] = []interface{}{map[string]interface{}{"from": []interface{}{"a.conf"}}}
		}},
	}

	v := NewSchemaValidator(zerolog.Nop())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validModel()
			tt.mutate(m)
			err := v.Validate(context.Background(), application.Schema(), m)
			require.Error(t, err)
			assert.True(t, engine.IsValidationError(err))
		})
	}
}

func TestSchemaValidator_EmptySchema(t *testing.T) {
	v := NewSchemaValidator(zerolog.Nop())
	assert.NoError(t, v.Validate(context.Background(), nil, engine.ApplicationModel{"x": 1}))
}

func TestSchemaValidator_CachesCompiledSchema(t *testing.T) {
	v := NewSchemaValidator(zerolog.Nop())
	schema := application.Schema()
	require.NoError(t, v.Validate(context.Background(), schema, validModel()))
	require.NoError(t, v.Validate(context.Background(), application.Schema(), validModel()))
	assert.Len(t, v.schemas, 1)
}

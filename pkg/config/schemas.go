package config

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cuejson "cuelang.org/go/encoding/json"
	"cuelang.org/go/encoding/jsonschema"
	"github.com/rs/zerolog"

	"github.com/yamplus/yam/pkg/engine"
)

// SchemaValidator validates application models against merged JSON-Schema
// documents by compiling them to CUE. Compiled schemas are cached by digest.
type SchemaValidator struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.Mutex
	logger  zerolog.Logger
}

// NewSchemaValidator creates a schema validator.
func NewSchemaValidator(logger zerolog.Logger) *SchemaValidator {
	return &SchemaValidator{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
		logger:  logger.With().Str("component", "schema-validator").Logger(),
	}
}

// Validate implements engine.SchemaValidator. Every violation is listed in the
// returned error's "violations" detail.
func (v *SchemaValidator) Validate(ctx context.Context, schema map[string]interface{}, model engine.ApplicationModel) error {
	if len(schema) == 0 {
		v.logger.Debug().Msg("Empty schema, validation skipped")
		return nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	compiled, err := v.compile(schema)
	if err != nil {
		return engine.NewValidationError("invalid plugin schema", err)
	}

	data := v.ctx.Encode(map[string]interface{}(model), cue.NilIsAny(false))
	if err := data.Err(); err != nil {
		return engine.NewValidationError("failed to encode model", err)
	}

	unified := compiled.Unify(data)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		violations := make([]string, 0)
		for _, e := range cueerrors.Errors(err) {
			violations = append(violations, e.Error())
		}
		v.logger.Debug().Strs("violations", violations).Msg("Model failed validation")
		return engine.NewValidationError(fmt.Sprintf("model does not match schema: %d violation(s)", len(violations)), err).
			WithDetail("violations", violations)
	}
	return nil
}

// compile turns a JSON-Schema document into a CUE value. Callers hold mu.
func (v *SchemaValidator) compile(schema map[string]interface{}) (cue.Value, error) {
	digest, err := engine.ContentHash(schema)
	if err != nil {
		return cue.Value{}, err
	}
	if cached, ok := v.schemas[digest]; ok {
		return cached, nil
	}

	raw, err := json.Marshal(schema)
	if err != nil {
		return cue.Value{}, fmt.Errorf("failed to encode schema: %w", err)
	}
	expr, err := cuejson.Extract("schema.json", raw)
	if err != nil {
		return cue.Value{}, err
	}
	source := v.ctx.BuildExpr(expr)
	if err := source.Err(); err != nil {
		return cue.Value{}, err
	}

	file, err := jsonschema.Extract(source, &jsonschema.Config{})
	if err != nil {
		return cue.Value{}, fmt.Errorf("failed to convert schema: %w", err)
	}
	compiled := v.ctx.BuildFile(file)
	if err := compiled.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("failed to build schema: %w", err)
	}

	v.schemas[digest] = compiled
	v.logger.Debug().Str("digest", digest).Msg("Schema compiled")
	return compiled, nil
}

package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/jsonc"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/yamplus/yam/pkg/engine"
)

// Files looked up in a scripted plugin's directory.
const (
	ScriptFile = "plugin.star"
	SchemaFile = "schema.jsonc"
)

// StarlarkLoader loads plugins written in Starlark. A plugin script declares
// name, an optional schema dict and a handlers dict mapping matchers to
// functions taking (plan, diff). Handlers enqueue declarative actions through
// the plan object; scripts have no file system or network access.
type StarlarkLoader struct {
	timeout  time.Duration
	maxSteps uint64
	logger   zerolog.Logger
}

// NewStarlarkLoader creates a Starlark plugin loader.
func NewStarlarkLoader(timeout time.Duration, logger zerolog.Logger) *StarlarkLoader {
	if timeout == 0 {
		timeout = 30 * time.Second // Default timeout
	}
	return &StarlarkLoader{
		timeout:  timeout,
		maxSteps: 10_000_000,
		logger:   logger.With().Str("component", "starlark-loader").Logger(),
	}
}

// Load implements Loader.
func (l *StarlarkLoader) Load(ctx context.Context, desc engine.Plugin, workingDir string) (*engine.Capability, error) {
	dir := resolveDir(workingDir, desc.Directory)
	scriptPath := filepath.Join(dir, ScriptFile)
	src, err := os.ReadFile(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin script: %w", err)
	}

	env, err := toStarlarkValue(stringMap(desc.EnvironmentVars))
	if err != nil {
		return nil, err
	}
	predeclared := starlark.StringDict{
		"struct": starlarkstruct.Default,
		"env":    env,
	}

	thread := l.newThread(desc.Name)
	stop := cancelOnDone(ctx, thread)
	globals, err := starlark.ExecFile(thread, scriptPath, src, predeclared)
	stop()
	if err != nil {
		return nil, fmt.Errorf("plugin script failed: %w", scriptError(err))
	}

	nameVal, ok := globals["name"]
	if !ok {
		return nil, fmt.Errorf("plugin script does not declare name")
	}
	name, ok := starlark.AsString(nameVal)
	if !ok {
		return nil, fmt.Errorf("plugin name must be a string, got %s", nameVal.Type())
	}

	schema, err := l.loadSchema(dir, globals)
	if err != nil {
		return nil, err
	}

	capability := &engine.Capability{Name: name, Schema: schema}
	if raw, ok := globals["handlers"]; ok {
		dict, ok := raw.(*starlark.Dict)
		if !ok {
			return nil, fmt.Errorf("handlers must be a dict, got %s", raw.Type())
		}
		for _, item := range dict.Items() {
			matcher, ok := starlark.AsString(item[0])
			if !ok {
				l.logger.Warn().Str("plugin", name).Str("key", item[0].String()).Msg("Handler matcher is not a string, skipped")
				continue
			}
			spec := engine.HandlerSpec{Matcher: matcher, Handler: item[1]}
			if fn, ok := item[1].(starlark.Callable); ok {
				spec.Handler = l.wrap(name, fn)
			}
			capability.Handlers = append(capability.Handlers, spec)
		}
	}

	l.logger.Debug().Str("plugin", name).Int("handlers", len(capability.Handlers)).Msg("Loaded scripted plugin")
	return capability, nil
}

// loadSchema prefers schema.jsonc over a schema global.
func (l *StarlarkLoader) loadSchema(dir string, globals starlark.StringDict) (map[string]interface{}, error) {
	data, err := os.ReadFile(filepath.Join(dir, SchemaFile))
	switch {
	case err == nil:
		var schema map[string]interface{}
		if err := json.Unmarshal(jsonc.ToJSON(data), &schema); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", SchemaFile, err)
		}
		return schema, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("failed to read %s: %w", SchemaFile, err)
	}

	raw, ok := globals["schema"]
	if !ok || raw == starlark.None {
		return nil, nil
	}
	v, err := fromStarlarkValue(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	schema, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("schema must be a dict, got %s", raw.Type())
	}
	return schema, nil
}

func (l *StarlarkLoader) newThread(plugin string) *starlark.Thread {
	logger := l.logger.With().Str("plugin", plugin).Logger()
	thread := &starlark.Thread{
		Name: plugin,
		Print: func(_ *starlark.Thread, msg string) {
			logger.Info().Msg(msg)
		},
		Load: func(_ *starlark.Thread, module string) (starlark.StringDict, error) {
			return nil, fmt.Errorf("load(%q) is not allowed in plugins", module)
		},
	}
	thread.SetMaxExecutionSteps(l.maxSteps)
	return thread
}

// wrap turns a Starlark function into a handler.
func (l *StarlarkLoader) wrap(plugin string, fn starlark.Callable) engine.OperateFunc {
	return func(ctx context.Context, plan *engine.PlanContext, diff *engine.DiffResult) error {
		ctx, cancel := context.WithTimeout(ctx, l.timeout)
		defer cancel()

		thread := l.newThread(plugin)
		stop := cancelOnDone(ctx, thread)
		defer stop()

		planVal, err := planValue(plan)
		if err != nil {
			return err
		}
		diffVal, err := diffValue(diff)
		if err != nil {
			return err
		}
		if _, err := starlark.Call(thread, fn, starlark.Tuple{planVal, diffVal}, nil); err != nil {
			return scriptError(err)
		}
		return nil
	}
}

// cancelOnDone cancels the thread when ctx ends. The returned func stops watching.
func cancelOnDone(ctx context.Context, thread *starlark.Thread) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()
	return func() { close(done) }
}

func scriptError(err error) error {
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return fmt.Errorf("%s", evalErr.Backtrace())
	}
	return err
}

// planValue exposes the plan to scripts as a struct of values and builtins.
func planValue(plan *engine.PlanContext) (starlark.Value, error) {
	data := plan.Data()
	values, err := toStarlarkValue(data.CustomizedValues)
	if err != nil {
		return nil, fmt.Errorf("failed to convert values: %w", err)
	}
	env, err := toStarlarkValue(stringMap(plan.PluginEnv()))
	if err != nil {
		return nil, err
	}

	builtin := func(name string, fn func(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error)) *starlark.Builtin {
		return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			return fn(args, kwargs)
		})
	}

	fields := starlark.StringDict{
		"app":         starlark.String(data.App),
		"namespace":   starlark.String(data.Namespace),
		"environment": starlark.String(data.Environment.Name),
		"stack":       starlark.String(data.Environment.Stack),
		"values":      values,
		"env":         env,

		"apply": builtin("apply", func(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var name string
			var resource *starlark.Dict
			if err := starlark.UnpackArgs("apply", args, kwargs, "name", &name, "resource", &resource); err != nil {
				return nil, err
			}
			obj, err := dictToMap(resource)
			if err != nil {
				return nil, err
			}
			plan.EnqueueAction(ApplyResourceAction(name, obj))
			return starlark.None, nil
		}),

		"remove": builtin("remove", func(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var name, kind, objName string
			namespace := data.Namespace
			if err := starlark.UnpackArgs("remove", args, kwargs, "name", &name, "kind", &kind, "object", &objName, "namespace?", &namespace); err != nil {
				return nil, err
			}
			plan.EnqueueAction(RemoveResourceAction(name, engine.ResourceMeta{Kind: kind, Name: objName, Namespace: namespace}))
			return starlark.None, nil
		}),

		"save_config": builtin("save_config", func(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var name, cfgName string
			var content *starlark.Dict
			secret := false
			if err := starlark.UnpackArgs("save_config", args, kwargs, "name", &name, "config", &cfgName, "data", &content, "secret?", &secret); err != nil {
				return nil, err
			}
			kv, err := dictToMap(content)
			if err != nil {
				return nil, err
			}
			kind := engine.ConfigKindConfigMap
			if secret {
				kind = engine.ConfigKindSecret
			}
			plan.EnqueueAction(SaveConfigAction(name, engine.ConfigData{
				Kind: kind, Name: cfgName, Namespace: data.Namespace, Data: toStringMap(kv),
			}))
			return starlark.None, nil
		}),

		"merge_yaml": builtin("merge_yaml", func(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var name, filename, path string
			var content starlark.Value
			replace := false
			if err := starlark.UnpackArgs("merge_yaml", args, kwargs, "name", &name, "filename", &filename, "content", &content, "path?", &path, "replace?", &replace); err != nil {
				return nil, err
			}
			v, err := fromStarlarkValue(content)
			if err != nil {
				return nil, err
			}
			plan.EnqueueAction(MergeYamlAction(name, engine.MergeToYamlParam{
				Filename: filename, JSONPath: path, Content: v, ArrayReplaceMode: replace,
			}))
			return starlark.None, nil
		}),

		"request": builtin("request", func(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var name, method, url, body string
			var headers *starlark.Dict
			if err := starlark.UnpackArgs("request", args, kwargs, "name", &name, "method", &method, "url", &url, "body?", &body, "headers?", &headers); err != nil {
				return nil, err
			}
			req := engine.HTTPRequest{Method: method, URL: url, Body: []byte(body)}
			if headers != nil {
				h, err := dictToMap(headers)
				if err != nil {
					return nil, err
				}
				req.Headers = toStringMap(h)
			}
			plan.EnqueueAction(RequestAction(name, req))
			return starlark.None, nil
		}),

		"render": builtin("render", func(args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var path string
			if err := starlark.UnpackArgs("render", args, kwargs, "path", &path); err != nil {
				return nil, err
			}
			text, err := plan.RenderTemplate(path)
			if err != nil {
				return nil, err
			}
			return starlark.String(text), nil
		}),
	}
	return starlarkstruct.FromStringDict(starlarkstruct.Default, fields), nil
}

func diffValue(diff *engine.DiffResult) (starlark.Value, error) {
	modified := make([]interface{}, 0, len(diff.ModifiedItems))
	for _, m := range diff.ModifiedItems {
		modified = append(modified, map[string]interface{}{"previous": m.Previous, "current": m.Current})
	}
	fields := map[string]interface{}{
		"matcher":        diff.Matcher,
		"has_diff":       diff.HasDiff,
		"has_new":        diff.HasNew,
		"has_deleted":    diff.HasDeleted,
		"has_modified":   diff.HasModified,
		"current_items":  diff.CurrentItems,
		"new_items":      diff.NewItems,
		"deleted_items":  diff.DeletedItems,
		"modified_items": modified,
	}
	dict := make(starlark.StringDict, len(fields))
	for k, v := range fields {
		sv, err := toStarlarkValue(v)
		if err != nil {
			return nil, fmt.Errorf("failed to convert diff field %s: %w", k, err)
		}
		dict[k] = sv
	}
	return starlarkstruct.FromStringDict(starlarkstruct.Default, dict), nil
}

func dictToMap(d *starlark.Dict) (map[string]interface{}, error) {
	if d == nil {
		return map[string]interface{}{}, nil
	}
	v, err := fromStarlarkValue(d)
	if err != nil {
		return nil, err
	}
	return v.(map[string]interface{}), nil
}

func stringMap(m map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func toStringMap(m map[string]interface{}) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int32:
		return starlark.MakeInt64(int64(val)), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case uint:
		return starlark.MakeUint(val), nil
	case uint32:
		return starlark.MakeUint64(uint64(val)), nil
	case uint64:
		return starlark.MakeUint64(val), nil
	case float32:
		return starlark.Float(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case time.Time:
		// Unquoted YAML dates and timestamps.
		return starlark.String(val.Format(time.RFC3339Nano)), nil
	case []byte:
		return starlark.Bytes(val), nil
	case map[string]string:
		m := make(map[string]interface{}, len(val))
		for k, item := range val {
			m[k] = item
		}
		return toStarlarkValue(m)
	case []string:
		list := make([]interface{}, len(val))
		for i, item := range val {
			list[i] = item
		}
		return toStarlarkValue(list)
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case engine.ApplicationModel:
		return toStarlarkValue(map[string]interface{}(val))
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for _, k := range sortedMapKeys(val) {
			starlarkVal, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return int(i), nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, elem := range val {
			item, err := fromStarlarkValue(elem)
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

func sortedMapKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

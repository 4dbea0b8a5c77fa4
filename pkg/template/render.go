package template

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/yamplus/yam/pkg/engine"
)

var (
	// placeholderPattern matches ~{ name } and ~{ name, default } anywhere in a string.
	placeholderPattern = regexp.MustCompile(`~\{\s*([\w.\-]{1,80})\s*,?\s*([^}]{0,128})\}`)

	// exactPlaceholderPattern matches a string made of a single placeholder.
	exactPlaceholderPattern = regexp.MustCompile(`^\s*~\{\s*([\w.\-]{1,80})\s*,?\s*([^}]{0,128})\}\s*$`)

	// includePattern matches include('relative/path.yaml').
	includePattern = regexp.MustCompile(`^\s*include\(['"]*([^'")]+\.(yml|yaml))['"]*\)\s*$`)
)

// Engine renders templates relative to a working directory. File contents are
// cached for the lifetime of the engine; an Engine must not be shared between
// concurrently running operations.
type Engine struct {
	workingDir string
	logger     zerolog.Logger

	mu       sync.Mutex
	cache    map[string][]byte
	included map[string]struct{}
}

// NewEngine creates a template engine rooted at workingDir.
func NewEngine(workingDir string, logger zerolog.Logger) *Engine {
	return &Engine{
		workingDir: workingDir,
		logger:     logger.With().Str("component", "template").Logger(),
		cache:      make(map[string][]byte),
		included:   make(map[string]struct{}),
	}
}

// WorkingDir returns the directory templates are resolved against.
func (e *Engine) WorkingDir() string {
	return e.workingDir
}

// IsYAML reports whether a path names a YAML file.
func IsYAML(path string) bool {
	return strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml")
}

// ReadFile returns the raw content of a file, reading it at most once.
func (e *Engine) ReadFile(relPath string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if content, ok := e.cache[relPath]; ok {
		return content, nil
	}
	full := filepath.Join(e.workingDir, relPath)
	content, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, engine.NewTemplateError("file does not exist", err).WithResource(relPath)
		}
		return nil, engine.NewTemplateError("failed to read file", err).WithResource(relPath)
	}
	e.cache[relPath] = content
	return content, nil
}

// LoadYAML parses a file without any template handling.
func (e *Engine) LoadYAML(relPath string) (interface{}, error) {
	content, err := e.ReadFile(relPath)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := yaml.Unmarshal(content, &out); err != nil {
		return nil, engine.NewTemplateError("invalid YAML", err).WithResource(relPath)
	}
	return normalize(out), nil
}

// RenderTemplate renders a file with the given values. YAML files are processed
// as trees: includes are spliced in when handleInclude is set, then
// placeholders are substituted in values and keys. Other files get plain text
// interpolation.
func (e *Engine) RenderTemplate(relPath string, handleInclude bool, values map[string]interface{}) (string, error) {
	e.logger.Debug().Str("path", relPath).Msg("Rendering template")
	content, err := e.ReadFile(relPath)
	if err != nil {
		return "", err
	}
	if !IsYAML(relPath) {
		return interpolate(string(content), values), nil
	}

	var tree interface{}
	if err := yaml.Unmarshal(content, &tree); err != nil {
		return "", engine.NewTemplateError("invalid YAML", err).WithResource(relPath)
	}
	if tree == nil {
		return "", nil
	}
	tree = normalize(tree)

	if handleInclude {
		e.mu.Lock()
		e.included = make(map[string]struct{})
		e.mu.Unlock()

		tree, err = e.resolveIncludes(tree)
		if err != nil {
			return "", err
		}
	}

	tree, _ = e.substitute(tree, values, relPath)
	return encodeYAML(tree)
}

// RenderYAML renders a YAML template and decodes the result.
func (e *Engine) RenderYAML(relPath string, values map[string]interface{}) (interface{}, error) {
	text, err := e.RenderTemplate(relPath, true, values)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := yaml.Unmarshal([]byte(text), &out); err != nil {
		return nil, engine.NewTemplateError("rendered template is not valid YAML", err).WithResource(relPath)
	}
	return normalize(out), nil
}

// resolveIncludes replaces include expressions with the referenced documents.
// A path may be included once per render pass.
func (e *Engine) resolveIncludes(node interface{}) (interface{}, error) {
	switch t := node.(type) {
	case string:
		m := includePattern.FindStringSubmatch(t)
		if m == nil {
			return t, nil
		}
		return e.include(m[1], t)
	case map[string]interface{}:
		for _, k := range sortedKeys(t) {
			v, err := e.resolveIncludes(t[k])
			if err != nil {
				return nil, err
			}
			t[k] = v
		}
		return t, nil
	case []interface{}:
		for i, item := range t {
			v, err := e.resolveIncludes(item)
			if err != nil {
				return nil, err
			}
			t[i] = v
		}
		return t, nil
	default:
		return node, nil
	}
}

func (e *Engine) include(path, expr string) (interface{}, error) {
	e.mu.Lock()
	_, seen := e.included[path]
	if !seen {
		e.included[path] = struct{}{}
	}
	e.mu.Unlock()

	if seen {
		e.logger.Error().Str("expression", expr).Str("path", path).Msg("File has already been included")
		return nil, engine.NewTemplateError("file can not be included again", nil).WithResource(path)
	}

	doc, err := e.LoadYAML(path)
	if err != nil {
		return nil, err
	}
	e.logger.Debug().Str("path", path).Msg("Included file")
	return e.resolveIncludes(doc)
}

// substitute replaces placeholders in the tree. The boolean result is false
// when the node itself must be dropped.
func (e *Engine) substitute(node interface{}, values map[string]interface{}, source string) (interface{}, bool) {
	switch t := node.(type) {
	case string:
		if m := exactPlaceholderPattern.FindStringSubmatch(t); m != nil {
			if v, ok := lookup(values, m[1]); ok {
				return v, true
			}
			if def := strings.TrimSpace(m[2]); def != "" {
				return def, true
			}
			e.logger.Warn().Str("parameter", m[1]).Str("template", source).Msg("Parameter value not specified, attribute will be removed")
			return nil, false
		}
		if placeholderPattern.MatchString(t) {
			return interpolate(t, values), true
		}
		return t, true
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for _, k := range sortedKeys(t) {
			v, keep := e.substitute(t[k], values, source)
			if !keep {
				continue
			}
			key := k
			if placeholderPattern.MatchString(k) {
				key = interpolate(k, values)
			}
			out[key] = v
		}
		return out, true
	case []interface{}:
		out := make([]interface{}, 0, len(t))
		for _, item := range t {
			v, keep := e.substitute(item, values, source)
			if keep {
				out = append(out, v)
			}
		}
		return out, true
	default:
		return node, true
	}
}

// Interpolate replaces every placeholder in s with its value, or its default, as text.
func Interpolate(s string, values map[string]interface{}) string {
	return interpolate(s, values)
}

func interpolate(s string, values map[string]interface{}) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		m := placeholderPattern.FindStringSubmatch(match)
		if v, ok := lookup(values, m[1]); ok {
			return toText(v)
		}
		return strings.TrimSpace(m[2])
	})
}

func lookup(values map[string]interface{}, name string) (interface{}, bool) {
	v, ok := values[name]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

func toText(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]interface{}, []interface{}:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	default:
		return fmt.Sprint(t)
	}
}

func encodeYAML(v interface{}) (string, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return "", engine.NewTemplateError("failed to encode YAML", err)
	}
	if err := enc.Close(); err != nil {
		return "", engine.NewTemplateError("failed to encode YAML", err)
	}
	return buf.String(), nil
}

// normalize converts YAML maps with non-string keys into string-keyed maps.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			t[k] = normalize(val)
		}
		return t
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []interface{}:
		for i, val := range t {
			t[i] = normalize(val)
		}
		return t
	default:
		return v
	}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

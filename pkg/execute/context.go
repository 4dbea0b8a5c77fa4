package execute

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmware-labs/yaml-jsonpath/pkg/yamlpath"
	"gopkg.in/yaml.v3"

	"github.com/yamplus/yam/pkg/engine"
)

// maxResponseBody bounds how much of a response body is kept.
const maxResponseBody = 10 << 20

var tailPropPattern = regexp.MustCompile(`^[\w-]+$`)

// Options configures an ExecContext.
type Options struct {
	// WorkingDir is the directory holding the model.
	WorkingDir string

	// OutputDir receives managed documents on Flush. Empty disables writing.
	OutputDir string

	// DryRun mocks state-mutating calls.
	DryRun bool

	// Cluster is the target environment's cluster client.
	Cluster engine.ClusterClient

	// HTTPClient sends requests. Defaults to a client with a 30s timeout.
	HTTPClient *http.Client
}

// ExecContext implements engine.ExecuteContext. Managed documents are kept in
// memory keyed by name; MergeToYaml and RemoveFromYaml edit them there.
type ExecContext struct {
	opts    Options
	cluster engine.ClusterClient
	logger  zerolog.Logger

	mu      sync.Mutex
	managed map[string]map[string]interface{}
}

// New creates an execute context. Under dry-run the cluster client is wrapped
// so that mutating calls become accepted no-ops.
func New(opts Options, logger zerolog.Logger) *ExecContext {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger = logger.With().Str("component", "execute").Bool("dry_run", opts.DryRun).Logger()

	cluster := opts.Cluster
	if opts.DryRun && cluster != nil {
		cluster = NewDryRunCluster(cluster, logger)
	}
	return &ExecContext{
		opts:    opts,
		cluster: cluster,
		logger:  logger,
		managed: make(map[string]map[string]interface{}),
	}
}

// DryRun implements engine.ExecuteContext.
func (e *ExecContext) DryRun() bool {
	return e.opts.DryRun
}

// WorkingDir implements engine.ExecuteContext.
func (e *ExecContext) WorkingDir() string {
	return e.opts.WorkingDir
}

// Cluster implements engine.ExecuteContext.
func (e *ExecContext) Cluster() engine.ClusterClient {
	return e.cluster
}

// Logger implements engine.ExecuteContext.
func (e *ExecContext) Logger() zerolog.Logger {
	return e.logger
}

// Manage implements engine.ExecuteContext.
func (e *ExecContext) Manage(key string, resource map[string]interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.managed[key] = resource
}

// ManagedResources implements engine.ExecuteContext. The returned map is a copy.
func (e *ExecContext) ManagedResources() map[string]map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]map[string]interface{}, len(e.managed))
	for k, v := range e.managed {
		out[k] = engine.CloneValue(v).(map[string]interface{})
	}
	return out
}

// MergeToYaml implements engine.ExecuteContext. Without a path the content is
// merged into the document root, creating the document if needed. With a path
// the document must exist and content is merged into every matched node.
func (e *ExecContext) MergeToYaml(ctx context.Context, param engine.MergeToYamlParam) error {
	if param.Content == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if param.JSONPath == "" {
		current := e.managed[param.Filename]
		merged, ok := MergeValues(current, engine.CloneValue(param.Content), param.ArrayReplaceMode).(map[string]interface{})
		if !ok {
			return fmt.Errorf("cannot merge %T into the root of %s", param.Content, param.Filename)
		}
		e.managed[param.Filename] = merged
		e.logger.Info().Str("document", param.Filename).Msg("Merged yaml content")
		return nil
	}

	doc, ok := e.managed[param.Filename]
	if !ok {
		return fmt.Errorf("cannot patch %s by path: document does not exist", param.Filename)
	}
	root, nodes, err := findNodes(doc, param.JSONPath)
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		return fmt.Errorf("path %s matches nothing in %s", param.JSONPath, param.Filename)
	}
	for _, node := range nodes {
		var current interface{}
		if err := node.Decode(&current); err != nil {
			return fmt.Errorf("failed to decode %s: %w", param.JSONPath, err)
		}
		merged := MergeValues(current, engine.CloneValue(param.Content), param.ArrayReplaceMode)
		if err := node.Encode(merged); err != nil {
			return fmt.Errorf("failed to encode %s: %w", param.JSONPath, err)
		}
	}
	if err := e.storeNode(param.Filename, root); err != nil {
		return err
	}
	e.logger.Info().Str("document", param.Filename).Str("path", param.JSONPath).Int("nodes", len(nodes)).Msg("Merged yaml content")
	return nil
}

// RemoveFromYaml implements engine.ExecuteContext. Without a path the whole
// document is dropped. With a path the last segment must be a plain property
// name; it is deleted from every node the parent path matches.
func (e *ExecContext) RemoveFromYaml(ctx context.Context, param engine.RemoveFromYamlParam) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if param.JSONPath == "" {
		delete(e.managed, param.Filename)
		e.logger.Warn().Str("document", param.Filename).Msg("Removed managed document")
		return nil
	}

	path := normalizePath(param.JSONPath)
	idx := strings.LastIndex(path, ".")
	tail := path[idx+1:]
	if idx <= 0 || !tailPropPattern.MatchString(tail) {
		return fmt.Errorf("cannot remove by path %s: the last segment must be a property name", param.JSONPath)
	}

	doc, ok := e.managed[param.Filename]
	if !ok {
		return fmt.Errorf("cannot patch %s by path: document does not exist", param.Filename)
	}
	root, parents, err := findNodes(doc, path[:idx])
	if err != nil {
		return err
	}
	if len(parents) == 0 {
		return fmt.Errorf("cannot find patch target %s in %s", param.JSONPath, param.Filename)
	}
	removed := 0
	for _, parent := range parents {
		if parent.Kind != yaml.MappingNode {
			continue
		}
		for i := 0; i+1 < len(parent.Content); i += 2 {
			if parent.Content[i].Value == tail {
				parent.Content = append(parent.Content[:i], parent.Content[i+2:]...)
				removed++
				break
			}
		}
	}
	if err := e.storeNode(param.Filename, root); err != nil {
		return err
	}
	e.logger.Info().Str("document", param.Filename).Str("path", param.JSONPath).Int("removed", removed).Msg("Removed yaml content")
	return nil
}

// storeNode decodes an edited tree back into the managed map. Callers hold mu.
func (e *ExecContext) storeNode(name string, root *yaml.Node) error {
	var out map[string]interface{}
	if err := root.Decode(&out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", name, err)
	}
	e.managed[name] = out
	return nil
}

// SendRequest implements engine.ExecuteContext.
func (e *ExecContext) SendRequest(ctx context.Context, req engine.HTTPRequest) (*engine.HTTPResponse, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet && e.opts.DryRun {
		e.logger.Info().Str("method", method).Str("url", req.URL).Msg("Returning mocked response in dry-run mode")
		return &engine.HTTPResponse{
			StatusCode: http.StatusAccepted,
			Headers:    map[string]string{},
			Body:       []byte("non-GET requests are not sent in dry-run mode"),
			Mocked:     true,
		}, nil
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	e.logger.Info().Str("method", method).Str("url", req.URL).Msg("Sending HTTP request")
	start := time.Now()
	resp, err := e.opts.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s %s failed: %w", method, req.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	e.logger.Info().Int("status", resp.StatusCode).Dur("duration", time.Since(start)).Msg("HTTP request finished")
	return &engine.HTTPResponse{StatusCode: resp.StatusCode, Headers: headers, Body: body}, nil
}

// Flush writes every managed document to the output directory, one file per
// document. It does nothing under dry-run or without an output directory.
func (e *ExecContext) Flush() ([]string, error) {
	if e.opts.DryRun || e.opts.OutputDir == "" {
		return nil, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := os.MkdirAll(e.opts.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	keys := make([]string, 0, len(e.managed))
	for k := range e.managed {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	written := make([]string, 0, len(keys))
	for _, k := range keys {
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(e.managed[k]); err != nil {
			return written, fmt.Errorf("failed to encode %s: %w", k, err)
		}
		if err := enc.Close(); err != nil {
			return written, err
		}
		path := filepath.Join(e.opts.OutputDir, fileName(k))
		if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
			return written, fmt.Errorf("failed to write %s: %w", path, err)
		}
		written = append(written, path)
	}
	e.logger.Info().Int("documents", len(written)).Str("dir", e.opts.OutputDir).Msg("Managed documents written")
	return written, nil
}

func fileName(key string) string {
	name := strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(key)
	ext := strings.ToLower(filepath.Ext(name))
	if ext != ".yaml" && ext != ".yml" {
		name += ".yaml"
	}
	return name
}

func normalizePath(path string) string {
	path = strings.TrimSpace(path)
	if strings.HasPrefix(path, "$") {
		return path
	}
	return "$." + strings.TrimPrefix(path, ".")
}

// findNodes encodes doc as a YAML tree and returns the root with the nodes matching path.
func findNodes(doc map[string]interface{}, path string) (*yaml.Node, []*yaml.Node, error) {
	var root yaml.Node
	if err := root.Encode(doc); err != nil {
		return nil, nil, fmt.Errorf("failed to encode document: %w", err)
	}
	p, err := yamlpath.NewPath(normalizePath(path))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid path %s: %w", path, err)
	}
	wrapper := &yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{&root}}
	nodes, err := p.Find(wrapper)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to evaluate %s: %w", path, err)
	}
	return &root, nodes, nil
}

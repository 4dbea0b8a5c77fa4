package execute

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/yamplus/yam/pkg/engine"
)

// MemoryCluster is an in-memory cluster client. Objects are keyed by
// namespace, kind and name; workloads are reported ready as soon as they exist.
type MemoryCluster struct {
	mu      sync.RWMutex
	objects map[string]map[string]interface{}
}

// NewMemoryCluster creates an empty in-memory cluster.
func NewMemoryCluster() *MemoryCluster {
	return &MemoryCluster{objects: make(map[string]map[string]interface{})}
}

func objectKey(namespace, kind, name string) string {
	return namespace + "/" + kind + "/" + name
}

func metaOf(resource map[string]interface{}) engine.ResourceMeta {
	md, _ := resource["metadata"].(map[string]interface{})
	meta := engine.ResourceMeta{}
	meta.APIVersion, _ = resource["apiVersion"].(string)
	meta.Kind, _ = resource["kind"].(string)
	meta.Name, _ = md["name"].(string)
	meta.Namespace, _ = md["namespace"].(string)
	if labels, ok := md["labels"].(map[string]interface{}); ok {
		meta.Labels = make(map[string]string, len(labels))
		for k, v := range labels {
			meta.Labels[k] = fmt.Sprint(v)
		}
	}
	return meta
}

func matches(meta engine.ResourceMeta, obj map[string]interface{}) bool {
	om := metaOf(obj)
	if meta.Kind != "" && om.Kind != meta.Kind {
		return false
	}
	if meta.Name != "" && om.Name != meta.Name {
		return false
	}
	if meta.Namespace != "" && om.Namespace != meta.Namespace {
		return false
	}
	for k, v := range meta.Labels {
		if om.Labels[k] != v {
			return false
		}
	}
	return true
}

// Find implements engine.ClusterClient.
func (c *MemoryCluster) Find(ctx context.Context, meta engine.ResourceMeta) ([]map[string]interface{}, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.objects))
	for k, obj := range c.objects {
		if matches(meta, obj) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]map[string]interface{}, 0, len(keys))
	for _, k := range keys {
		out = append(out, engine.CloneValue(c.objects[k]).(map[string]interface{}))
	}
	return out, nil
}

// Apply implements engine.ClusterClient. It returns true when the object was created.
func (c *MemoryCluster) Apply(ctx context.Context, resource map[string]interface{}) (bool, error) {
	meta := metaOf(resource)
	if meta.Kind == "" || meta.Name == "" {
		return false, fmt.Errorf("object requires kind and metadata.name")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := objectKey(meta.Namespace, meta.Kind, meta.Name)
	_, existed := c.objects[key]
	c.objects[key] = engine.CloneValue(resource).(map[string]interface{})
	return !existed, nil
}

// Remove implements engine.ClusterClient. It returns true when an object was deleted.
func (c *MemoryCluster) Remove(ctx context.Context, meta engine.ResourceMeta) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := objectKey(meta.Namespace, meta.Kind, meta.Name)
	if _, ok := c.objects[key]; !ok {
		return false, nil
	}
	delete(c.objects, key)
	return true, nil
}

// GetPods implements engine.ClusterClient. Every replica of a matching
// Deployment is reported as a running pod.
func (c *MemoryCluster) GetPods(ctx context.Context, meta engine.ResourceMeta) ([]map[string]interface{}, error) {
	deployments, err := c.Find(ctx, engine.ResourceMeta{Kind: "Deployment", Name: meta.Name, Namespace: meta.Namespace, Labels: meta.Labels})
	if err != nil {
		return nil, err
	}
	pods := make([]map[string]interface{}, 0)
	for _, d := range deployments {
		dm := metaOf(d)
		for i := 0; i < replicasOf(d); i++ {
			pods = append(pods, map[string]interface{}{
				"kind":     "Pod",
				"metadata": map[string]interface{}{"name": fmt.Sprintf("%s-%d", dm.Name, i), "namespace": dm.Namespace},
				"status":   map[string]interface{}{"phase": "Running"},
			})
		}
	}
	return pods, nil
}

// GetConfig implements engine.ClusterClient.
func (c *MemoryCluster) GetConfig(ctx context.Context, cfg engine.ConfigData) (map[string]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	obj, ok := c.objects[objectKey(cfg.Namespace, string(cfg.Kind), cfg.Name)]
	if !ok {
		return nil, engine.NewNotFoundError(fmt.Sprintf("%s %s not found", cfg.Kind, cfg.Name), nil)
	}
	data, _ := obj["data"].(map[string]interface{})
	out := make(map[string]string, len(data))
	for k, v := range data {
		out[k] = fmt.Sprint(v)
	}
	return out, nil
}

// SaveConfig implements engine.ClusterClient.
func (c *MemoryCluster) SaveConfig(ctx context.Context, cfg engine.ConfigData) (bool, error) {
	data := make(map[string]interface{}, len(cfg.Data))
	for k, v := range cfg.Data {
		data[k] = v
	}
	return c.Apply(ctx, map[string]interface{}{
		"apiVersion": "v1",
		"kind":       string(cfg.Kind),
		"metadata":   map[string]interface{}{"name": cfg.Name, "namespace": cfg.Namespace},
		"data":       data,
	})
}

// SwapConfig implements engine.ConfigSwapper.
func (c *MemoryCluster) SwapConfig(ctx context.Context, cfg engine.ConfigData, expected map[string]string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := objectKey(cfg.Namespace, string(cfg.Kind), cfg.Name)
	obj, exists := c.objects[key]
	switch {
	case expected == nil && exists:
		return false, nil
	case expected != nil && !exists:
		return false, nil
	case expected != nil:
		data, _ := obj["data"].(map[string]interface{})
		if len(data) != len(expected) {
			return false, nil
		}
		for k, v := range expected {
			if cur, ok := data[k]; !ok || fmt.Sprint(cur) != v {
				return false, nil
			}
		}
	}

	data := make(map[string]interface{}, len(cfg.Data))
	for k, v := range cfg.Data {
		data[k] = v
	}
	c.objects[key] = map[string]interface{}{
		"apiVersion": "v1",
		"kind":       string(cfg.Kind),
		"metadata":   map[string]interface{}{"name": cfg.Name, "namespace": cfg.Namespace},
		"data":       data,
	}
	return true, nil
}

// RunJob implements engine.ClusterClient. Jobs complete immediately.
func (c *MemoryCluster) RunJob(ctx context.Context, job engine.JobParam) (*engine.WorkloadStatus, error) {
	if _, err := c.Apply(ctx, map[string]interface{}{
		"apiVersion": "batch/v1",
		"kind":       "Job",
		"metadata":   map[string]interface{}{"name": job.Name, "namespace": job.Namespace},
		"spec":       map[string]interface{}{"image": job.Image},
	}); err != nil {
		return nil, err
	}
	return &engine.WorkloadStatus{Kind: "Job", Name: job.Name, Ready: true, Replicas: 1, ReadyReplicas: 1, Phase: "Succeeded"}, nil
}

// CheckWorkloadStatus implements engine.ClusterClient.
func (c *MemoryCluster) CheckWorkloadStatus(ctx context.Context, meta engine.ResourceMeta) (*engine.WorkloadStatus, error) {
	c.mu.RLock()
	obj, ok := c.objects[objectKey(meta.Namespace, meta.Kind, meta.Name)]
	c.mu.RUnlock()
	if !ok {
		return nil, engine.NewNotFoundError(fmt.Sprintf("%s %s not found", meta.Kind, meta.Name), nil)
	}
	replicas := replicasOf(obj)
	return &engine.WorkloadStatus{
		Kind:          meta.Kind,
		Name:          meta.Name,
		Ready:         true,
		Replicas:      replicas,
		ReadyReplicas: replicas,
		Phase:         "Running",
	}, nil
}

// PortForward implements engine.ClusterClient.
func (c *MemoryCluster) PortForward(ctx context.Context, param engine.ForwardParam) (*engine.ForwardResult, error) {
	if _, err := c.CheckWorkloadStatus(ctx, engine.ResourceMeta{Kind: "Deployment", Name: param.Name, Namespace: param.Namespace}); err != nil {
		return nil, err
	}
	return &engine.ForwardResult{LocalAddress: fmt.Sprintf("127.0.0.1:%d", param.LocalPort), Stop: func() {}}, nil
}

// FetchLogs implements engine.ClusterClient.
func (c *MemoryCluster) FetchLogs(ctx context.Context, param engine.FetchLogParam) (map[string]string, error) {
	pods, err := c.GetPods(ctx, engine.ResourceMeta{Name: param.Name, Namespace: param.Namespace})
	if err != nil {
		return nil, err
	}
	logs := make(map[string]string, len(pods))
	for _, p := range pods {
		logs[metaOf(p).Name] = ""
	}
	return logs, nil
}

func replicasOf(obj map[string]interface{}) int {
	spec, _ := obj["spec"].(map[string]interface{})
	switch r := spec["replicas"].(type) {
	case int:
		return r
	case int64:
		return int(r)
	case float64:
		return int(r)
	case uint64:
		return int(r)
	default:
		return 1
	}
}

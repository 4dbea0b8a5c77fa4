package execute

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/yamplus/yam/pkg/engine"
)

// DryRunCluster passes reads through to the wrapped client and turns every
// mutating call into an accepted no-op.
type DryRunCluster struct {
	inner  engine.ClusterClient
	logger zerolog.Logger
}

// NewDryRunCluster wraps inner for dry-run execution.
func NewDryRunCluster(inner engine.ClusterClient, logger zerolog.Logger) *DryRunCluster {
	return &DryRunCluster{
		inner:  inner,
		logger: logger.With().Str("cluster", "dry-run").Logger(),
	}
}

func (c *DryRunCluster) mocked(op, target string) {
	c.logger.Info().Str("operation", op).Str("target", target).Msg("Skipped in dry-run mode")
}

// Find implements engine.ClusterClient.
func (c *DryRunCluster) Find(ctx context.Context, meta engine.ResourceMeta) ([]map[string]interface{}, error) {
	return c.inner.Find(ctx, meta)
}

// Apply implements engine.ClusterClient.
func (c *DryRunCluster) Apply(ctx context.Context, resource map[string]interface{}) (bool, error) {
	c.mocked("apply", resourceKey(resource))
	return true, nil
}

// Remove implements engine.ClusterClient.
func (c *DryRunCluster) Remove(ctx context.Context, meta engine.ResourceMeta) (bool, error) {
	c.mocked("remove", meta.Kind+"/"+meta.Name)
	return true, nil
}

// GetPods implements engine.ClusterClient.
func (c *DryRunCluster) GetPods(ctx context.Context, meta engine.ResourceMeta) ([]map[string]interface{}, error) {
	return c.inner.GetPods(ctx, meta)
}

// GetConfig implements engine.ClusterClient.
func (c *DryRunCluster) GetConfig(ctx context.Context, cfg engine.ConfigData) (map[string]string, error) {
	return c.inner.GetConfig(ctx, cfg)
}

// SaveConfig implements engine.ClusterClient.
func (c *DryRunCluster) SaveConfig(ctx context.Context, cfg engine.ConfigData) (bool, error) {
	c.mocked("save-config", string(cfg.Kind)+"/"+cfg.Name)
	return true, nil
}

// RunJob implements engine.ClusterClient.
func (c *DryRunCluster) RunJob(ctx context.Context, job engine.JobParam) (*engine.WorkloadStatus, error) {
	c.mocked("run-job", job.Name)
	return &engine.WorkloadStatus{Kind: "Job", Name: job.Name, Ready: true, Phase: "Skipped", Message: "dry run"}, nil
}

// CheckWorkloadStatus implements engine.ClusterClient. Workloads are never
// created under dry-run, so the status is reported as ready without a lookup.
func (c *DryRunCluster) CheckWorkloadStatus(ctx context.Context, meta engine.ResourceMeta) (*engine.WorkloadStatus, error) {
	return &engine.WorkloadStatus{Kind: meta.Kind, Name: meta.Name, Ready: true, Phase: "Skipped", Message: "dry run"}, nil
}

// PortForward implements engine.ClusterClient.
func (c *DryRunCluster) PortForward(ctx context.Context, param engine.ForwardParam) (*engine.ForwardResult, error) {
	c.mocked("port-forward", fmt.Sprintf("%s:%d", param.Name, param.RemotePort))
	return &engine.ForwardResult{LocalAddress: fmt.Sprintf("127.0.0.1:%d", param.LocalPort), Stop: func() {}}, nil
}

// FetchLogs implements engine.ClusterClient.
func (c *DryRunCluster) FetchLogs(ctx context.Context, param engine.FetchLogParam) (map[string]string, error) {
	return c.inner.FetchLogs(ctx, param)
}

func resourceKey(resource map[string]interface{}) string {
	kind, _ := resource["kind"].(string)
	md, _ := resource["metadata"].(map[string]interface{})
	name, _ := md["name"].(string)
	return kind + "/" + name
}

package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// Mock implementations for testing

type mockValidator struct {
	err   error
	calls int
}

func (m *mockValidator) Validate(ctx context.Context, schema map[string]interface{}, model ApplicationModel) error {
	m.calls++
	return m.err
}

type mockStore struct {
	mu        sync.Mutex
	persisted []*PlanContextData
	results   []*RunResult
	events    []RunEvent
	previous  map[string]ApplicationModel
	failStore error
}

func newMockStore() *mockStore {
	return &mockStore{previous: make(map[string]ApplicationModel)}
}

func (m *mockStore) PersistPlan(ctx context.Context, plan *PlanContextData) (*PlanArtifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persisted = append(m.persisted, plan)
	return NewPlanArtifact(plan), nil
}

func (m *mockStore) LoadPlan(ctx context.Context, planID string) (*PlanArtifact, error) {
	for _, p := range m.persisted {
		if p.PlanID == planID {
			return NewPlanArtifact(p), nil
		}
	}
	return nil, NewNotFoundError("plan not found", nil)
}

func (m *mockStore) LatestPlan(ctx context.Context, app, environment string) (*PlanArtifact, error) {
	if len(m.persisted) == 0 {
		return nil, NewNotFoundError("plan not found", nil)
	}
	return NewPlanArtifact(m.persisted[len(m.persisted)-1]), nil
}

func (m *mockStore) LoadPrevious(ctx context.Context, app, environment string) (ApplicationModel, error) {
	return m.previous[app+"/"+environment], nil
}

func (m *mockStore) StoreResult(ctx context.Context, plan *PlanContextData, result *RunResult) error {
	if m.failStore != nil {
		return m.failStore
	}
	m.results = append(m.results, result)
	m.previous[plan.App+"/"+plan.Environment.Name] = plan.CurrentModelFull
	return nil
}

func (m *mockStore) RecordEvent(ctx context.Context, event RunEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

type mockLocker struct {
	locked   int
	unlocked int
	lockErr  error
	held     bool
}

func (m *mockLocker) Lock(ctx context.Context, target LockTarget) (string, error) {
	if m.lockErr != nil {
		return "", m.lockErr
	}
	if m.held {
		return "", errors.New("already locked")
	}
	m.held = true
	m.locked++
	return "token-1", nil
}

func (m *mockLocker) Unlock(ctx context.Context, target LockTarget, token string) error {
	if token != "token-1" {
		return errors.New("bad token")
	}
	m.held = false
	m.unlocked++
	return nil
}

type mockCluster struct {
	objects map[string]map[string]interface{}
	applied []map[string]interface{}
}

func newMockCluster() *mockCluster {
	return &mockCluster{objects: make(map[string]map[string]interface{})}
}

func (m *mockCluster) Find(ctx context.Context, meta ResourceMeta) ([]map[string]interface{}, error) {
	if obj, ok := m.objects[meta.Kind+"/"+meta.Name]; ok {
		return []map[string]interface{}{obj}, nil
	}
	return nil, nil
}

func (m *mockCluster) Apply(ctx context.Context, resource map[string]interface{}) (bool, error) {
	m.applied = append(m.applied, resource)
	md, _ := resource["metadata"].(map[string]interface{})
	name, _ := md["name"].(string)
	kind, _ := resource["kind"].(string)
	m.objects[kind+"/"+name] = resource
	return true, nil
}

func (m *mockCluster) Remove(ctx context.Context, meta ResourceMeta) (bool, error) {
	delete(m.objects, meta.Kind+"/"+meta.Name)
	return true, nil
}

func (m *mockCluster) GetPods(ctx context.Context, meta ResourceMeta) ([]map[string]interface{}, error) {
	return nil, nil
}

func (m *mockCluster) GetConfig(ctx context.Context, cfg ConfigData) (map[string]string, error) {
	return nil, nil
}

func (m *mockCluster) SaveConfig(ctx context.Context, cfg ConfigData) (bool, error) {
	return true, nil
}

func (m *mockCluster) RunJob(ctx context.Context, job JobParam) (*WorkloadStatus, error) {
	return &WorkloadStatus{Kind: "Job", Name: job.Name, Ready: true}, nil
}

func (m *mockCluster) CheckWorkloadStatus(ctx context.Context, meta ResourceMeta) (*WorkloadStatus, error) {
	return &WorkloadStatus{Kind: meta.Kind, Name: meta.Name, Ready: true}, nil
}

func (m *mockCluster) PortForward(ctx context.Context, param ForwardParam) (*ForwardResult, error) {
	return &ForwardResult{LocalAddress: "127.0.0.1:0", Stop: func() {}}, nil
}

func (m *mockCluster) FetchLogs(ctx context.Context, param FetchLogParam) (map[string]string, error) {
	return map[string]string{}, nil
}

type mockExec struct {
	cluster *mockCluster
	dryRun  bool
	managed map[string]map[string]interface{}
}

func newMockExec() *mockExec {
	return &mockExec{cluster: newMockCluster(), managed: make(map[string]map[string]interface{})}
}

func (m *mockExec) DryRun() bool       { return m.dryRun }
func (m *mockExec) WorkingDir() string { return "." }
func (m *mockExec) MergeToYaml(ctx context.Context, param MergeToYamlParam) error {
	return nil
}
func (m *mockExec) RemoveFromYaml(ctx context.Context, param RemoveFromYamlParam) error {
	return nil
}
func (m *mockExec) SendRequest(ctx context.Context, req HTTPRequest) (*HTTPResponse, error) {
	return &HTTPResponse{StatusCode: 200}, nil
}
func (m *mockExec) Cluster() ClusterClient { return m.cluster }
func (m *mockExec) Manage(key string, resource map[string]interface{}) {
	m.managed[key] = resource
}
func (m *mockExec) ManagedResources() map[string]map[string]interface{} { return m.managed }
func (m *mockExec) Logger() zerolog.Logger                              { return zerolog.Nop() }

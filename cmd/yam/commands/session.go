package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yamplus/yam/pkg/config"
	"github.com/yamplus/yam/pkg/engine"
	"github.com/yamplus/yam/pkg/execute"
	"github.com/yamplus/yam/pkg/operator"
	"github.com/yamplus/yam/pkg/policy"
	"github.com/yamplus/yam/pkg/stores"
	"github.com/yamplus/yam/pkg/telemetry"
)

// session holds everything one command needs to run the operator.
type session struct {
	dir      string
	cfg      *config.EngineConfig
	tel      *telemetry.Telemetry
	store    *stores.SQLiteStore
	operator *operator.Operator
	logger   zerolog.Logger
}

// openSession loads the configuration of the working directory and wires the
// store, the policy gate and telemetry into an operator.
func openSession(cmd *cobra.Command) (*session, error) {
	ctx := cmd.Context()

	dir, err := filepath.Abs(workingDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve working directory: %w", err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Telemetry.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.Telemetry.LogFormat = logFormat
	}

	tel, err := telemetry.New(telemetry.FromEngineConfig(cfg.Telemetry, build.version), cmd.ErrOrStderr())
	if err != nil {
		return nil, engine.NewConfigError("invalid telemetry configuration", err)
	}
	if level, err := telemetry.ParseLevel(cfg.Telemetry.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	log.Logger = tel.Logger
	logger := tel.Logger
	if cfg.Source != "" {
		logger.Debug().Str("file", cfg.Source).Msg("Configuration loaded")
	}

	s := &session{dir: dir, cfg: cfg, tel: tel, logger: logger}
	tel.Metrics.StartServer(ctx, logger)

	if s.store, err = openStore(ctx, dir, cfg.Store, logger); err != nil {
		s.Close()
		return nil, err
	}

	deps := operator.Deps{
		Clusters: memoryClusters(logger),
		Store:    s.store,
	}
	if cfg.Policy.Disabled {
		logger.Warn().Msg("Policy gate is disabled")
	} else {
		gate, err := loadPolicies(ctx, dir, cfg.Policy, logger)
		if err != nil {
			s.Close()
			return nil, err
		}
		deps.Gate = gate
	}

	if s.operator, err = operator.New(cfg, deps, logger); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the store and flushes telemetry.
func (s *session) Close() {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to close store")
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.tel.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to flush telemetry")
	}
}

// begin starts the traced operation of a command. The operator picks the
// telemetry up from the returned context.
func (s *session) begin(cmd *cobra.Command, name string) *telemetry.Operation {
	return s.tel.StartOperation(s.tel.WithContext(cmd.Context()), name)
}

// options builds the operator options shared by every command.
func (s *session) options(mode engine.RunMode) (operator.Options, error) {
	params, err := parseParams(setValues)
	if err != nil {
		return operator.Options{}, err
	}
	opts := operator.Options{
		WorkingDir:   s.dir,
		RunMode:      mode,
		Environments: envNames,
		Params:       params,
	}
	if outputDir != "" {
		opts.OutputDir = resolve(s.dir, outputDir)
	}
	return opts, nil
}

func openStore(ctx context.Context, dir string, sc config.StoreConfig, logger zerolog.Logger) (*stores.SQLiteStore, error) {
	path := resolve(dir, sc.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	store, err := stores.Open(ctx, stores.Config{Path: path, Passphrase: sc.Passphrase}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	return store, nil
}

func loadPolicies(ctx context.Context, dir string, pc config.PolicyConfig, logger zerolog.Logger) (*policy.Engine, error) {
	gate, err := policy.NewEngine(logger)
	if err != nil {
		return nil, err
	}
	if pc.Dir == "" {
		return gate, nil
	}
	path := resolve(dir, pc.Dir)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.Warn().Str("dir", path).Msg("Policy directory not found, using built-in policies only")
		return gate, nil
	}
	if err := gate.LoadPolicies(ctx, []string{path}); err != nil {
		return nil, engine.NewConfigError("invalid policies", err).WithResource(path)
	}
	return gate, nil
}

// memoryClusters connects every environment to its own in-memory cluster.
// No cluster transport ships with yam; the in-memory cluster records what an
// apply would change.
func memoryClusters(logger zerolog.Logger) operator.ClusterFactory {
	var (
		mu       sync.Mutex
		clusters = make(map[string]*execute.MemoryCluster)
	)
	return func(ctx context.Context, c engine.Cluster) (engine.ClusterClient, error) {
		mu.Lock()
		defer mu.Unlock()
		if cl, ok := clusters[c.Name]; ok {
			return cl, nil
		}
		logger.Warn().Str("environment", c.Name).Msg("No cluster transport configured, applying to an in-memory cluster")
		cl := execute.NewMemoryCluster()
		clusters[c.Name] = cl
		return cl, nil
	}
}

// parseParams turns name=value pairs into value overrides.
func parseParams(pairs []string) (map[string]string, error) {
	params := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, engine.NewConfigError(fmt.Sprintf("invalid value override %q, expected name=value", pair), nil)
		}
		params[name] = value
	}
	return params, nil
}

func resolve(dir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// Package config loads the engine configuration and validates application
// models against merged plugin schemas.
//
// # Configuration
//
// Load reads <workingDir>/.yam/config.yaml when present and overlays YAM_
// environment variables:
//
//	clusters:
//	  - name: dev
//	    stack: nonprod
//	    envTag: dev
//	plugins:
//	  - name: redis
//	    version: 0.1.0
//	    directory: plugins/redis
//	    enable: true
//	lock:
//	  strategy: external-service
//	  redisAddr: localhost:6379
//	store:
//	  path: .yam/state.db
//
// Environment variables are grouped by section: YAM_LOCK_STRATEGY,
// YAM_LOCK_TTL, YAM_LOCK_REDIS_ADDR, YAM_STORE_PATH, YAM_STORE_PASSPHRASE,
// YAM_VALUES_STACK_PRECEDENCE, YAM_POLICY_DIR, YAM_POLICY_DISABLED,
// YAM_LOG_LEVEL, YAM_LOG_FORMAT, YAM_METRICS_ADDR, YAM_TRACING_EXPORTER and
// YAM_TRACING_ENDPOINT.
//
// A plugin directory may hold a .env file with the plugin's private variables.
// Variables declared inline in the descriptor take precedence.
//
// # Schema Validation
//
// SchemaValidator implements engine.SchemaValidator. The merged JSON-Schema is
// converted to CUE with the jsonschema encoder and unified with the model; all
// violations are reported in a single ValidationError.
package config

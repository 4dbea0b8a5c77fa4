// Package engine provides the core types and the plan/apply state machine of yam.
//
// # Overview
//
// yam turns a versioned application model plus a set of plugins into an ordered
// sequence of cluster-mutating actions. Each run goes through two stages:
//
//  1. Plan - validate the rendered model, diff it against the previously applied
//     model once per handler group and let plugin handlers enqueue Actions (PlanEngine)
//  2. Apply - lock the target, execute the Actions in enqueue order, unlock and
//     store the result (ApplyEngine)
//
// # Core Domain Types
//
//   - ApplicationModel: the decoded model document (schema, metadata, stage sections)
//   - Plugin / Capability: an installed plugin and what it contributes
//   - HandlerGroup: every normalized handler registered for one matcher
//   - DiffResult: new/deleted/modified items at a matched path
//   - PlanContext / PlanContextData: the shared plan state handlers write to
//   - Action: a named, deferred unit of work run against an ExecuteContext
//
// # Diffing
//
// Matchers are path expressions into the model ("deploy[*]", "$.config").
// Matched sequences are flattened one level. Object items are identified by their
// name field, or else by a BLAKE3 digest of their canonical CBOR encoding, so
// reordering keys or items never produces a diff. Scalars are identified by position.
//
// # Collaborators
//
// Locking, persistence, schema validation, policy and the cluster transport sit
// behind the Locker, Store, SchemaValidator, PolicyGate and ClusterClient interfaces.
//
// # Error Classification
//
// Every failure surfaced by the engine is an *EngineError carrying one of the
// ErrCode constants: validation, compose, template, diff, handler, action,
// policy, lock and stale-plan errors. Use the Is* helpers to test for them.
package engine

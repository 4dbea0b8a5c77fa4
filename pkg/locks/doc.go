// Package locks provides the apply-stage lockers.
//
// Three strategies are available, selected by config.LockConfig.Strategy:
//
//   - none: no serialization. The apply engine logs a warning.
//   - cluster-object: a ConfigMap named after the target is written into the
//     target namespace and removed on release.
//   - external-service: a Redis key set with SET NX PX and released with a
//     compare-and-delete script.
//
// Every lock carries a random token; a release with the wrong token fails.
package locks

// Package operator drives the plan/apply cycle of one application.
//
// An Operator locates the application model in the working directory,
// composes the configured plugins, resolves values for every selected
// environment and then, environment by environment:
//
//  1. renders the model and derives a plan against the last applied model,
//     or replays a persisted plan in apply-only mode
//  2. passes the plan through the policy gate
//  3. applies it under the configured lock when the run mode applies
//
// Environments run sequentially. The first failure stops the run and is
// returned together with the partial Report.
//
// A Watcher re-plans in plan-only mode whenever the model, values, policies
// or plugin files change:
//
//	w := operator.NewWatcher(op, operator.Options{WorkingDir: dir}, onRun, logger)
//	err := w.Watch(ctx)
package operator

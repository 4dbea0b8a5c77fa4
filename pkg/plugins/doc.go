// Package plugins loads plugins and composes them into a single plan pipeline.
//
// # Overview
//
// A plugin contributes a JSON-Schema fragment and a set of handlers, each bound
// to a matcher (a JSONPath query over the application model). The Composer loads
// every enabled plugin whose apply-to list covers the model's schema family,
// merges their schema fragments and groups handlers sharing a matcher. Groups
// are ordered by the stage named by the matcher's leading segment, so metadata
// handlers run before config handlers, which run before deploy handlers.
//
// # Plugin Sources
//
// Registry: Compiled-in plugins registered through a Factory.
//
// StarlarkLoader: Plugins written in Starlark. A plugin directory holds a
// plugin.star script and optionally a schema.jsonc file:
//
//	name = "redis"
//	schema = {"properties": {"redis": {"type": "object"}}}
//
//	def sync(plan, diff):
//	    if diff.has_diff:
//	        plan.apply("apply-redis", {"kind": "StatefulSet", "metadata": {"name": "redis"}})
//
//	handlers = {"$.redis": sync}
//
// Scripts run sandboxed: load() is rejected, execution steps are bounded and
// every handler call is cancelled with its context.
//
// # Actions
//
// ApplyResourceAction, RemoveResourceAction, SaveConfigAction, MergeYamlAction
// and RequestAction build the declarative actions handlers usually enqueue.
package plugins

package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		namespaceRulesPolicy(),
		imageTagPolicy(),
		destructiveChangesPolicy(),
		replicaBoundsPolicy(),
	}
}

// namespaceRulesPolicy keeps applications out of system namespaces and
// enforces DNS label names.
func namespaceRulesPolicy() Policy {
	return Policy{
		Name:        "namespace-rules",
		Description: "Namespaces must be DNS labels and must not be a system namespace",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"namespace", "safety"},
		Rego: `package yam.policies.namespace

import rego.v1

system_namespaces := {"kube-system", "kube-public", "kube-node-lease"}

deny contains violation if {
	system_namespaces[input.namespace]
	violation := {
		"message": sprintf("namespace %s is reserved for the cluster", [input.namespace]),
		"severity": "critical",
		"resource": input.namespace,
	}
}

deny contains violation if {
	not regex.match("^[a-z0-9]([-a-z0-9]{0,61}[a-z0-9])?$", input.namespace)
	violation := {
		"message": sprintf("namespace '%s' is not a valid DNS label", [input.namespace]),
		"severity": "error",
		"resource": input.namespace,
	}
}

deny contains violation if {
	input.namespace == "default"
	violation := {
		"message": "deploying into the default namespace is discouraged",
		"severity": "warning",
		"resource": input.namespace,
	}
}
`,
	}
}

// imageTagPolicy requires pinned image tags, strictly in production stacks.
func imageTagPolicy() Policy {
	return Policy{
		Name:        "image-tag",
		Description: "Deployments must pin an image tag other than latest",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"deploy", "reproducibility"},
		Rego: `package yam.policies.image

import rego.v1

production_stacks := {"prod", "production"}

level := "error" if {
	production_stacks[input.environment.stack]
} else := "warning"

unpinned(image) if {
	not contains(image, ":")
}

unpinned(image) if {
	endswith(image, ":latest")
}

deny contains violation if {
	some item in input.model.deploy
	unpinned(item.image)
	violation := {
		"message": sprintf("deploy item %s uses unpinned image %s", [item.name, item.image]),
		"severity": level,
		"resource": sprintf("deploy:%s", [item.name]),
	}
}
`,
	}
}

// destructiveChangesPolicy surfaces plans that remove workloads or data.
func destructiveChangesPolicy() Policy {
	return Policy{
		Name:        "destructive-changes",
		Description: "Reports actions that delete workloads, configuration or secrets",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"safety"},
		Rego: `package yam.policies.destructive

import rego.v1

destructive_prefixes := ["undeploy:", "delete-", "remove-"]

deny contains violation if {
	some action in input.actions
	some prefix in destructive_prefixes
	startswith(action, prefix)
	violation := {
		"message": sprintf("plan contains destructive action %s", [action]),
		"severity": "warning",
		"resource": action,
	}
}
`,
	}
}

// replicaBoundsPolicy rejects replica counts outside a sane range.
func replicaBoundsPolicy() Policy {
	return Policy{
		Name:        "replica-bounds",
		Description: "Deploy items must request between 0 and 50 replicas",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"deploy", "capacity"},
		Rego: `package yam.policies.replicas

import rego.v1

deny contains violation if {
	some item in input.model.deploy
	is_number(item.replicas)
	item.replicas > 50
	violation := {
		"message": sprintf("deploy item %s requests %v replicas, the limit is 50", [item.name, item.replicas]),
		"severity": "error",
		"resource": sprintf("deploy:%s", [item.name]),
	}
}

deny contains violation if {
	some item in input.model.deploy
	is_number(item.replicas)
	item.replicas < 0
	violation := {
		"message": sprintf("deploy item %s requests a negative replica count", [item.name]),
		"severity": "error",
		"resource": sprintf("deploy:%s", [item.name]),
	}
}
`,
	}
}

package policy

// BuiltinPolicies returns the policies compiled into the binary. They are
// always loaded; operators can disable them through the engine options.
func BuiltinPolicies() []Policy {
	return []Policy{
		protectedResourcesPolicy(),
		resourceNamingPolicy(),
		destructiveRunPolicy(),
	}
}

// protectedResourcesPolicy blocks deletes and replaces of resources
// labelled converge.io/protected.
func protectedResourcesPolicy() Policy {
	return Policy{
		Name:        "protected-resources",
		Description: "Blocks delete and replace of resources labelled converge.io/protected",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package converge.policies.protected

import rego.v1

destructive := {"delete", "replace"}

deny contains violation if {
	change := input.changes[_]
	destructive[change.action]
	change.labels["converge.io/protected"] == "true"
	violation := {
		"message": sprintf("%s of protected resource %s is not allowed", [change.action, change.address]),
		"severity": "error",
		"address": change.address,
	}
}
`,
	}
}

// resourceNamingPolicy enforces lowercase kebab-case resource names.
func resourceNamingPolicy() Policy {
	return Policy{
		Name:        "resource-naming",
		Description: "Resource names must be lowercase alphanumeric with hyphens",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package converge.policies.naming

import rego.v1

deny contains violation if {
	change := input.changes[_]
	change.action != "delete"
	not regex.match("^[a-z][a-z0-9-]*$", change.name)
	violation := {
		"message": sprintf("resource name %q must be lowercase alphanumeric with hyphens", [change.name]),
		"severity": "error",
		"address": change.address,
	}
}

deny contains violation if {
	change := input.changes[_]
	change.action != "delete"
	count(change.name) > 63
	violation := {
		"message": sprintf("resource name %q exceeds 63 characters", [change.name]),
		"severity": "error",
		"address": change.address,
	}
}
`,
	}
}

// destructiveRunPolicy warns when a plan deletes more resources than it
// keeps. It never blocks.
func destructiveRunPolicy() Policy {
	return Policy{
		Name:        "destructive-run",
		Description: "Warns when a plan is mostly deletions",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package converge.policies.destructive

import rego.v1

deny contains violation if {
	summary := input.summary
	summary.delete > 0
	summary.delete + summary.replace > summary.create + summary.update + summary.noop
	violation := {
		"message": sprintf("plan deletes or replaces %d resources, more than it creates or keeps", [summary.delete + summary.replace]),
		"severity": "warning",
	}
}
`,
	}
}

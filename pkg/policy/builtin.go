package policy

// BuiltinRules returns the rules every gate starts with.
func BuiltinRules() []Rule {
	return []Rule{
		planSizeRule(),
		requestedByRule(),
		destructiveActionRule(),
	}
}

// planSizeRule blocks plans beyond a sane task count.
func planSizeRule() Rule {
	return Rule{
		Name:        "plan-size",
		Description: "Blocks execution plans with more than 500 tasks",
		Enabled:     true,
		Tags:        []string{"safety"},
		Rego: `package openconduct.rules.plansize

import rego.v1

deny contains violation if {
	count(input.plan.tasks) > 500
	violation := {
		"id": "plan-size",
		"effect": "deny",
		"message": sprintf("plan has %d tasks, limit is 500", [count(input.plan.tasks)]),
	}
}
`,
	}
}

// requestedByRule flags executing operations without a principal. The
// envelope's requested_by is optional, so the effect is warn; sites
// that require it load a deny-effect rule of their own.
func requestedByRule() Rule {
	return Rule{
		Name:        "requested-by",
		Description: "Warns when apply and rollback envelopes omit requested_by",
		Enabled:     true,
		Tags:        []string{"accountability"},
		Rego: `package openconduct.rules.requestedby

import rego.v1

executing_operations := {"apply", "rollback"}

deny contains violation if {
	executing_operations[input.envelope.operation]
	not input.envelope.requested_by
	violation := {
		"id": "requested-by",
		"effect": "warn",
		"message": sprintf("%s request carries no requested_by", [input.envelope.operation]),
	}
}
`,
	}
}

// destructiveActionRule flags destructive task actions without blocking.
func destructiveActionRule() Rule {
	return Rule{
		Name:        "destructive-action",
		Description: "Warns when a plan contains delete or destroy actions",
		Enabled:     true,
		Tags:        []string{"safety"},
		Rego: `package openconduct.rules.destructive

import rego.v1

deny contains violation if {
	some task in input.plan.tasks
	regex.match("(delete|destroy)", task.action)
	violation := {
		"id": "destructive-action",
		"effect": "warn",
		"message": sprintf("task %s runs destructive action %s", [task.id, task.action]),
		"data": {"task_id": task.id, "backend": task.backend},
	}
}
`,
	}
}

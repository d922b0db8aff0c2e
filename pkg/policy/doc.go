// Package policy implements the engine's gate on top of Open Policy
// Agent. Rules are Rego modules whose `deny` set yields violations; the
// gate's decision is deny iff any violation carries a deny effect and
// the gate runs in enforce mode. Rules can be loaded from files and
// reloaded on change.
package policy

package policy

// Rule is one Rego gate rule. Rules emit violations through a
// `deny` set in their package; each entry is either a message string or
// an object with message, optional id, effect, and data fields. A rule
// may also publish a `selection` document with placement hints.
type Rule struct {
	// Name is the unique rule name.
	Name string `json:"name"`

	// Description is a human-readable summary.
	Description string `json:"description"`

	// Rego is the rule source.
	Rego string `json:"rego"`

	// Enabled indicates if the rule is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing rules.
	Tags []string `json:"tags,omitempty"`
}

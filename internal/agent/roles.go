package agent

// Role is a fixed sub-agent archetype with a bounded tool scope-set.
type Role string

const (
	RoleSeniorDev        Role = "Senior Dev"
	RoleSecurityReviewer Role = "Security Reviewer"
	RoleAssistant        Role = "Assistant"
	RoleDataScientist    Role = "Data Scientist"
)

// roleScopes is the fixed scope-set per role. Tools carry a scope; an
// agent may only run tools whose scope appears here for its role.
var roleScopes = map[Role]map[string]bool{
	RoleSeniorDev: {
		"fs.read":   true,
		"fs.write":  true,
		"shell.test": true,
		"rag.query": true,
	},
	RoleSecurityReviewer: {
		"fs.read":        true,
		"rag.query":      true,
		"security.audit": true,
	},
	RoleAssistant: {
		"rag.query":     true,
		"memory.search": true,
	},
	RoleDataScientist: {
		"fs.read":      true,
		"rag.query":    true,
		"data.execute": true,
	},
}

// NormalizeRole maps arbitrary input to a known role; anything
// unrecognized falls back to the least-privileged Assistant.
func NormalizeRole(s string) Role {
	r := Role(s)
	if _, ok := roleScopes[r]; ok {
		return r
	}
	return RoleAssistant
}

// ScopeSet returns the allowed scopes for a role. The map is shared; do
// not mutate.
func ScopeSet(r Role) map[string]bool {
	if set, ok := roleScopes[r]; ok {
		return set
	}
	return roleScopes[RoleAssistant]
}

// ScopeAllowed reports whether a role may use tools of the given scope.
func ScopeAllowed(r Role, scope string) bool {
	return ScopeSet(r)[scope]
}

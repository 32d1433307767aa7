package auth

// Clinic staff roles. Equipment administration is reserved to admin and
// supervisor; everything else only needs an authenticated user.
const (
	RoleAdmin      = "admin"
	RoleSupervisor = "supervisor"
	RoleOperator   = "operator"
	RoleAssistant  = "assistant"
)

var knownRoles = map[string]struct{}{
	RoleAdmin: {}, RoleSupervisor: {}, RoleOperator: {}, RoleAssistant: {},
}

// KnownRoles filters roles down to the ones the service recognises.
func KnownRoles(roles []string) []string {
	var out []string
	for _, r := range dedupeRoles(roles) {
		if _, ok := knownRoles[r]; ok {
			out = append(out, r)
		}
	}
	return out
}

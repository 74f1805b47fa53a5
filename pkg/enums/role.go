package enums

// Role identifies the clearance carried by an access token.
type Role string

const (
	RoleAgent     Role = "agent"
	RoleArchivist Role = "archivist"
)

func (r Role) IsValid() bool {
	switch r {
	case RoleAgent, RoleArchivist:
		return true
	default:
		return false
	}
}

// ParseRole falls back to RoleAgent for empty or unknown values.
func ParseRole(value string) Role {
	role := Role(value)
	if role.IsValid() {
		return role
	}
	return RoleAgent
}

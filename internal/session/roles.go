package session

// RolesFor derives the role set from the user's flags. This mapping is the
// only source of roles; nothing else may grant one.
func RolesFor(isSuperAdmin, isVendor bool) []string {
	var roles []string
	if isSuperAdmin {
		roles = append(roles, "admin", "super_admin")
	}
	if isVendor {
		roles = append(roles, "vendor")
	}
	return roles
}

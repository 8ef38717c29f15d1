package service

// IsAuthorized reports whether actorRoles may act on a step gated by
// requiredRole. ADMIN acts on any step; otherwise the match is exact.
func IsAuthorized(actorRoles []string, requiredRole string) bool {
	for _, r := range actorRoles {
		if r == RoleAdmin || r == requiredRole {
			return true
		}
	}
	return false
}

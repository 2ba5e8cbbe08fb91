package rbac

import "sort"

// Resolve flattens a role set into deduplicated, sorted role and permission
// name slices. It is a pure function: claims are recomputed from the current
// role set on every token mint so revocations take effect on the next refresh.
func Resolve(roles []Role) (roleNames []string, permissionNames []string) {
	roleSet := make(map[string]struct{}, len(roles))
	permSet := make(map[string]struct{})
	for _, role := range roles {
		roleSet[role.Name] = struct{}{}
		for _, perm := range role.Permissions {
			permSet[perm.Name] = struct{}{}
		}
	}

	roleNames = make([]string, 0, len(roleSet))
	for name := range roleSet {
		roleNames = append(roleNames, name)
	}
	sort.Strings(roleNames)

	permissionNames = make([]string, 0, len(permSet))
	for name := range permSet {
		permissionNames = append(permissionNames, name)
	}
	sort.Strings(permissionNames)

	return roleNames, permissionNames
}

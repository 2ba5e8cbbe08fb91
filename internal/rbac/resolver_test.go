package rbac

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveDeduplicatesPermissions(t *testing.T) {
	roles := []Role{
		{Name: "A", Permissions: []Permission{{Name: "p1"}, {Name: "p2"}}},
		{Name: "B", Permissions: []Permission{{Name: "p2"}, {Name: "p3"}}},
	}

	roleNames, permNames := Resolve(roles)
	require.Equal(t, []string{"A", "B"}, roleNames)
	require.Equal(t, []string{"p1", "p2", "p3"}, permNames)
}

func TestResolveDeduplicatesRoles(t *testing.T) {
	roles := []Role{
		{Name: "admin", Permissions: []Permission{{Name: "users:read:any"}}},
		{Name: "admin", Permissions: []Permission{{Name: "users:update:any"}}},
	}

	roleNames, permNames := Resolve(roles)
	require.Equal(t, []string{"admin"}, roleNames)
	require.Equal(t, []string{"users:read:any", "users:update:any"}, permNames)
}

func TestResolveEmpty(t *testing.T) {
	roleNames, permNames := Resolve(nil)
	require.Empty(t, roleNames)
	require.Empty(t, permNames)

	roleNames, permNames = Resolve([]Role{{Name: "empty"}})
	require.Equal(t, []string{"empty"}, roleNames)
	require.Empty(t, permNames)
}

package rbac

import "time"

// Role represents a high-level permission grouping assigned to users.
type Role struct {
	ID          int64
	Name        string
	Description string
	Permissions []Permission
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Permission represents an atomic capability. Names follow the
// resource:action:scope convention with scope being "own" or "all".
type Permission struct {
	ID          int64
	Name        string
	Description string
}

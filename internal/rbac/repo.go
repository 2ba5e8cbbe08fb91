package rbac

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/helios-id/helios-id/internal/platform/db"
)

// ErrNotFound indicates that the requested record does not exist.
var ErrNotFound = errors.New("rbac: not found")

// Repository defines role and permission lookups for a user.
type Repository interface {
	RolesForUser(ctx context.Context, userID int64) ([]Role, error)
	EffectivePermissions(ctx context.Context, userID int64) ([]string, error)
	FindRoleByName(ctx context.Context, name string) (*Role, error)
	AssignRoleToUser(ctx context.Context, userID, roleID int64) error
	Bind(q db.DBTX) Repository
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	q db.DBTX
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(q db.DBTX) *PGRepository {
	return &PGRepository{q: q}
}

// Bind returns a copy of the repository running its queries on q, typically a
// transaction owned by the caller.
func (r *PGRepository) Bind(q db.DBTX) Repository {
	return &PGRepository{q: q}
}

// RolesForUser loads the user's roles with their permissions eagerly attached.
func (r *PGRepository) RolesForUser(ctx context.Context, userID int64) ([]Role, error) {
	const query = `
		SELECT r.id, r.name, r.description, p.id, p.name, p.description
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		LEFT JOIN role_permissions rp ON rp.role_id = r.id
		LEFT JOIN permissions p ON p.id = rp.permission_id
		WHERE ur.user_id = $1
		ORDER BY r.name, p.name
	`
	rows, err := r.q.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []Role
	index := make(map[int64]int)
	for rows.Next() {
		var (
			roleID   int64
			roleName string
			roleDesc string
			permID   *int64
			permName *string
			permDesc *string
		)
		if err := rows.Scan(&roleID, &roleName, &roleDesc, &permID, &permName, &permDesc); err != nil {
			return nil, err
		}
		i, ok := index[roleID]
		if !ok {
			roles = append(roles, Role{ID: roleID, Name: roleName, Description: roleDesc})
			i = len(roles) - 1
			index[roleID] = i
		}
		if permID != nil {
			roles[i].Permissions = append(roles[i].Permissions, Permission{
				ID:          *permID,
				Name:        *permName,
				Description: *permDesc,
			})
		}
	}
	return roles, rows.Err()
}

// EffectivePermissions returns deduplicated permission names for a user.
func (r *PGRepository) EffectivePermissions(ctx context.Context, userID int64) ([]string, error) {
	const query = `
		SELECT DISTINCT p.name
		FROM user_roles ur
		JOIN role_permissions rp ON rp.role_id = ur.role_id
		JOIN permissions p ON p.id = rp.permission_id
		WHERE ur.user_id = $1
		ORDER BY p.name
	`
	rows, err := r.q.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		perms = append(perms, name)
	}
	return perms, rows.Err()
}

// FindRoleByName fetches a role by its unique name.
func (r *PGRepository) FindRoleByName(ctx context.Context, name string) (*Role, error) {
	const query = `
		SELECT id, name, description, created_at, updated_at
		FROM roles
		WHERE name = $1
	`
	var role Role
	err := r.q.QueryRow(ctx, query, name).Scan(
		&role.ID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &role, nil
}

// AssignRoleToUser links a role to a user, ignoring duplicate assignments.
func (r *PGRepository) AssignRoleToUser(ctx context.Context, userID, roleID int64) error {
	const query = `
		INSERT INTO user_roles (user_id, role_id, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id, role_id) DO NOTHING
	`
	_, err := r.q.Exec(ctx, query, userID, roleID)
	return err
}

var _ Repository = (*PGRepository)(nil)

package rbac

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shenxingy/ai-ap-manager-sub001/internal/shared"
)

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository returns the Postgres-backed membership store.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

func (r *pgRepository) UserRoles(ctx context.Context, userID uuid.UUID) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT role FROM user_roles WHERE user_id = $1 ORDER BY role`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (r *pgRepository) Candidates(ctx context.Context, role string) ([]Candidate, error) {
	rows, err := r.pool.Query(ctx, `SELECT ur.user_id, COUNT(t.id)
FROM user_roles ur
LEFT JOIN approval_tasks t ON t.assignee_id = ur.user_id AND t.status IN ('pending', 'partially_approved')
WHERE ur.role = $1
GROUP BY ur.user_id`, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.UserID, &c.OpenTasks); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *pgRepository) Assign(ctx context.Context, userID uuid.UUID, role string) (Membership, error) {
	m := Membership{UserID: userID, Role: role}
	err := r.pool.QueryRow(ctx, `INSERT INTO user_roles (user_id, role) VALUES ($1, $2)
ON CONFLICT (user_id, role) DO UPDATE SET role = EXCLUDED.role
RETURNING created_at`, userID, role).Scan(&m.CreatedAt)
	return m, err
}

func (r *pgRepository) Remove(ctx context.Context, userID uuid.UUID, role string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1 AND role = $2`, userID, role)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.NotFound("rbac.Remove", "role membership", role)
	}
	return nil
}

func (r *pgRepository) Members(ctx context.Context, role string) ([]Membership, error) {
	rows, err := r.pool.Query(ctx, `SELECT user_id, role, created_at FROM user_roles WHERE role = $1 ORDER BY created_at`, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Membership
	for rows.Next() {
		var m Membership
		if err := rows.Scan(&m.UserID, &m.Role, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

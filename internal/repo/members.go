package repo

import (
	"context"
	"database/sql"

	"hiraflow/internal/domain"
)

// UpsertMember grants role to the actor in the company, replacing any
// previous role.
func (r Repo) UpsertMember(ctx context.Context, tx *sql.Tx, companyID, actorID, role, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO members(company_id, actor_id, role, created_at) VALUES (?,?,?,?)
ON CONFLICT(company_id, actor_id) DO UPDATE SET role=excluded.role`, companyID, actorID, role, now)
	return err
}

func (r Repo) DeleteMember(ctx context.Context, tx *sql.Tx, companyID, actorID string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM members WHERE company_id=? AND actor_id=?`, companyID, actorID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MemberRole returns the actor's role in the company.
func (r Repo) MemberRole(ctx context.Context, companyID, actorID string) (string, error) {
	var role string
	err := r.DB.QueryRowContext(ctx, `SELECT role FROM members WHERE company_id=? AND actor_id=?`, companyID, actorID).Scan(&role)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return role, err
}

func (r Repo) ListMembers(ctx context.Context, companyID string) ([]domain.Member, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT company_id, actor_id, role, created_at FROM members WHERE company_id=? ORDER BY actor_id`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Member
	for rows.Next() {
		var m domain.Member
		if err := rows.Scan(&m.CompanyID, &m.ActorID, &m.Role, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

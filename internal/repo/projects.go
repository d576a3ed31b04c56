package repo

import (
	"context"
	"database/sql"

	"dracanus/internal/domain"
	"dracanus/internal/events"
)

const projectColumns = `p.id,p.owner_id,p.name,COALESCE(p.description,''),p.color,COALESCE(p.icon,''),p.active,p.created_at,
	(SELECT COUNT(*) FROM deployments d WHERE d.project_id=p.id),
	(SELECT COUNT(*) FROM policies pol WHERE pol.project_id=p.id),
	(SELECT COUNT(*) FROM executions x WHERE x.project_id=p.id)`

func scanProject(s rowScanner) (domain.Project, error) {
	var p domain.Project
	var active int
	err := s.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Description, &p.Color, &p.Icon, &active, &p.CreatedAt,
		&p.DeploymentCount, &p.PolicyCount, &p.ExecutionCount)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	p.Active = active == 1
	return p, err
}

// CreateProject inserts a project and its project.created event.
func (r Repo) CreateProject(ctx context.Context, p domain.Project) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO projects(id,owner_id,name,description,color,icon,active,created_at) VALUES (?,?,?,?,?,?,?,?)`,
			p.ID, p.OwnerID, p.Name, nullable(p.Description), p.Color, nullable(p.Icon), boolInt(p.Active), p.CreatedAt); err != nil {
			return err
		}
		return r.Events.Append(ctx, tx, events.ProjectCreated, p.ID, "project", p.ID, p.OwnerID, events.EventPayload{"name": p.Name})
	})
}

func (r Repo) GetProject(ctx context.Context, ownerID, id string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects p WHERE p.id=? AND p.owner_id=?`, id, ownerID))
}

// ListProjects returns the owner's projects, newest first, with counts.
func (r Repo) ListProjects(ctx context.Context, ownerID string) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects p WHERE p.owner_id=? ORDER BY p.created_at DESC, p.id DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

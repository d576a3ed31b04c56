package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"dracanus/internal/domain"
	"dracanus/internal/events"
)

const agentColumns = `id,slug,name,COALESCE(description,''),category,system_prompt,model_preference,capabilities_json,price_per_month,tier,featured,active,deployment_count,created_at`

func scanAgent(s rowScanner) (domain.Agent, error) {
	var a domain.Agent
	var caps string
	var featured, active int
	err := s.Scan(&a.ID, &a.Slug, &a.Name, &a.Description, &a.Category, &a.SystemPrompt, &a.ModelPreference, &caps,
		&a.PricePerMonth, &a.Tier, &featured, &active, &a.DeploymentCount, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Featured = featured == 1
	a.Active = active == 1
	if caps != "" {
		if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
			return a, err
		}
	}
	return a, nil
}

// SeedAgents inserts catalog agents, refreshing definitions of slugs that
// already exist while keeping their ids and deployment counts.
func (r Repo) SeedAgents(ctx context.Context, agents []domain.Agent) (int, error) {
	inserted := 0
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		for _, a := range agents {
			caps, err := marshalJSON(a.Capabilities)
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, `INSERT INTO agents(id,slug,name,description,category,system_prompt,model_preference,capabilities_json,price_per_month,tier,featured,active,deployment_count,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(slug) DO NOTHING`,
				a.ID, a.Slug, a.Name, nullable(a.Description), a.Category, a.SystemPrompt, a.ModelPreference, caps,
				a.PricePerMonth, a.Tier, boolInt(a.Featured), boolInt(a.Active), a.DeploymentCount, a.CreatedAt)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n > 0 {
				inserted++
				if err := r.Events.Append(ctx, tx, events.AgentSeeded, "", "agent", a.ID, "system", events.EventPayload{"slug": a.Slug}); err != nil {
					return err
				}
				continue
			}
			if _, err := tx.ExecContext(ctx, `UPDATE agents SET name=?, description=?, category=?, system_prompt=?, model_preference=?, capabilities_json=?, price_per_month=?, tier=?, featured=? WHERE slug=?`,
				a.Name, nullable(a.Description), a.Category, a.SystemPrompt, a.ModelPreference, caps, a.PricePerMonth, a.Tier, boolInt(a.Featured), a.Slug); err != nil {
				return err
			}
		}
		return nil
	})
	return inserted, err
}

type AgentFilter struct {
	Category        string
	FeaturedOnly    bool
	IncludeInactive bool
}

// ListAgents orders featured agents first, then by popularity.
func (r Repo) ListAgents(ctx context.Context, f AgentFilter) ([]domain.Agent, error) {
	var clauses []string
	var args []any
	if !f.IncludeInactive {
		clauses = append(clauses, "active=1")
	}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	if f.FeaturedOnly {
		clauses = append(clauses, "featured=1")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	return r.queryAgents(ctx, `SELECT `+agentColumns+` FROM agents `+where+` ORDER BY featured DESC, deployment_count DESC, name ASC`, args...)
}

// ActiveAgents returns every active agent, most deployed first. Ties keep
// catalog insertion order.
func (r Repo) ActiveAgents(ctx context.Context) ([]domain.Agent, error) {
	return r.queryAgents(ctx, `SELECT `+agentColumns+` FROM agents WHERE active=1 ORDER BY deployment_count DESC, created_at ASC, slug ASC`)
}

func (r Repo) queryAgents(ctx context.Context, query string, args ...any) ([]domain.Agent, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	return scanAgent(r.DB.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=? OR slug=?`, id, id))
}

// IncrementAgentDeployments bumps the popularity counter used by routing.
func (r Repo) IncrementAgentDeployments(ctx context.Context, agentID string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE agents SET deployment_count=deployment_count+1 WHERE id=?`, agentID)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// CreateDeployment records the deployment and bumps the agent counter in one
// transaction.
func (r Repo) CreateDeployment(ctx context.Context, d domain.Deployment) error {
	cfg, err := marshalJSON(d.Config)
	if err != nil {
		return err
	}
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO deployments(id,owner_id,agent_id,project_id,environment,config_json,status,created_at) VALUES (?,?,?,?,?,?,?,?)`,
			d.ID, d.OwnerID, d.AgentID, nullable(d.ProjectID), d.Environment, cfg, d.Status, d.CreatedAt); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `UPDATE agents SET deployment_count=deployment_count+1 WHERE id=?`, d.AgentID)
		if err != nil {
			return err
		}
		if err := expectAffected(res); err != nil {
			return err
		}
		return r.Events.Append(ctx, tx, events.AgentDeployed, d.ProjectID, "deployment", d.ID, d.OwnerID,
			events.EventPayload{"agent_id": d.AgentID, "environment": d.Environment})
	})
}

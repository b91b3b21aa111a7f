package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
)

// ProjectStatusActive is the only project status eligible for synchronization
const ProjectStatusActive = "active"

// Repository is an external source-control repository linked to a project
type Repository struct {
	ID    int64
	Owner string
	Name  string
}

// FullName returns owner/name
func (r Repository) FullName() string {
	return r.Owner + "/" + r.Name
}

// TrackerProject is an external issue-tracker project linked to a project
type TrackerProject struct {
	ID      int64
	Key     string
	SiteURL string // empty when the application recorded no site
}

// Integration links one project to zero-or-one repository and
// zero-or-one issue-tracker project. Owned by the surrounding application.
type Integration struct {
	ID             int64
	ProjectID      int64
	ProjectName    string
	Repository     *Repository
	TrackerProject *TrackerProject
}

const activeIntegrationsQuery = `SELECT i.id, p.id, p.name,
		r.id, r.owner, r.name,
		t.id, t.key, t.site_url
	FROM integrations i
	JOIN projects p ON p.id = i.project_id
	LEFT JOIN repositories r ON r.id = i.repository_id
	LEFT JOIN tracker_projects t ON t.id = i.tracker_project_id
	WHERE p.status = $1
	ORDER BY i.id`

// Gateway is the read-only view of the application schema needed by the worker
type Gateway struct {
	pool PgxIface
}

// NewGateway creates a gateway over the given pool
func NewGateway(pool PgxIface) *Gateway {
	return &Gateway{pool: pool}
}

// ListActiveIntegrations returns integrations of active projects with their
// repository and issue-tracker references resolved (nil when not linked)
func (g *Gateway) ListActiveIntegrations(ctx context.Context) ([]Integration, error) {
	rows, err := g.pool.Query(ctx, activeIntegrationsQuery, ProjectStatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to query active integrations: %w", err)
	}
	defer rows.Close()

	var integrations []Integration
	for rows.Next() {
		var (
			in                        Integration
			repoID, trackerID         pgtype.Int8
			owner, name, key, siteURL pgtype.Text
		)
		if err := rows.Scan(&in.ID, &in.ProjectID, &in.ProjectName,
			&repoID, &owner, &name,
			&trackerID, &key, &siteURL); err != nil {
			return nil, fmt.Errorf("failed to scan integration: %w", err)
		}
		if repoID.Valid {
			in.Repository = &Repository{ID: repoID.Int64, Owner: owner.String, Name: name.String}
		}
		if trackerID.Valid {
			in.TrackerProject = &TrackerProject{ID: trackerID.Int64, Key: key.String, SiteURL: siteURL.String}
		}
		integrations = append(integrations, in)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating integrations: %w", err)
	}

	return integrations, nil
}

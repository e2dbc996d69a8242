package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/teampayhq/megatron/internal/action"
)

// ErrNotFound is returned when no record matches the lookup.
var ErrNotFound = errors.New("directory: not found")

// Store persists tenant records in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a directory store over the shared pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const organizationColumns = `id::text, name, verification_token, COALESCE(command_url, ''), api_token, created_at`

func (s *Store) scanOrganization(row pgx.Row) (Organization, error) {
	var o Organization
	err := row.Scan(&o.ID, &o.Name, &o.VerificationToken, &o.CommandURL, &o.APIToken, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Organization{}, ErrNotFound
	}
	if err != nil {
		return Organization{}, fmt.Errorf("scan organization: %w", err)
	}
	return o, nil
}

// OrganizationByID fetches one organization.
func (s *Store) OrganizationByID(ctx context.Context, id string) (Organization, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+organizationColumns+` FROM organizations WHERE id = $1`, id)
	return s.scanOrganization(row)
}

// OrganizationByAPIToken resolves the organization owning an API token. The
// auth middleware calls this on every authenticated request.
func (s *Store) OrganizationByAPIToken(ctx context.Context, token string) (Organization, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+organizationColumns+` FROM organizations WHERE api_token = $1`, token)
	return s.scanOrganization(row)
}

// CreateOrganization inserts a new organization and returns it with its id.
func (s *Store) CreateOrganization(ctx context.Context, o Organization) (Organization, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO organizations (name, verification_token, command_url, api_token)
		VALUES ($1, $2, NULLIF($3, ''), $4)
		RETURNING `+organizationColumns,
		o.Name, o.VerificationToken, o.CommandURL, o.APIToken)
	return s.scanOrganization(row)
}

const integrationColumns = `id::text, organization_id::text, platform_type, platform_id, connection_token, created_at`

func (s *Store) scanIntegration(row pgx.Row) (Integration, error) {
	var i Integration
	var platformType string
	err := row.Scan(&i.ID, &i.OrganizationID, &platformType, &i.PlatformID, &i.ConnectionToken, &i.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Integration{}, ErrNotFound
	}
	if err != nil {
		return Integration{}, fmt.Errorf("scan integration: %w", err)
	}
	i.PlatformType = action.PlatformType(platformType)
	return i, nil
}

// IntegrationByID fetches one integration.
func (s *Store) IntegrationByID(ctx context.Context, id string) (Integration, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+integrationColumns+` FROM integrations WHERE id = $1`, id)
	return s.scanIntegration(row)
}

// IntegrationByPlatform resolves an integration by its platform identity.
func (s *Store) IntegrationByPlatform(ctx context.Context, pt action.PlatformType, platformID string) (Integration, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+integrationColumns+` FROM integrations WHERE platform_type = $1 AND platform_id = $2`,
		string(pt), platformID)
	return s.scanIntegration(row)
}

// IntegrationForOrganization returns the organization's integration on pt.
func (s *Store) IntegrationForOrganization(ctx context.Context, orgID string, pt action.PlatformType) (Integration, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+integrationColumns+` FROM integrations WHERE organization_id = $1 AND platform_type = $2`,
		orgID, string(pt))
	return s.scanIntegration(row)
}

// CreateIntegration inserts a new integration.
func (s *Store) CreateIntegration(ctx context.Context, i Integration) (Integration, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO integrations (organization_id, platform_type, platform_id, connection_token)
		VALUES ($1, $2, $3, $4)
		RETURNING `+integrationColumns,
		i.OrganizationID, string(i.PlatformType), i.PlatformID, i.ConnectionToken)
	return s.scanIntegration(row)
}

const workspaceColumns = `id::text, name, platform_type, platform_id, connection_token, domain, created_at, updated_at`

func (s *Store) scanWorkspace(row pgx.Row) (Workspace, error) {
	var w Workspace
	var platformType string
	err := row.Scan(&w.ID, &w.Name, &platformType, &w.PlatformID, &w.ConnectionToken, &w.Domain, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Workspace{}, ErrNotFound
	}
	if err != nil {
		return Workspace{}, fmt.Errorf("scan workspace: %w", err)
	}
	w.PlatformType = action.PlatformType(platformType)
	return w, nil
}

// WorkspaceByID fetches one workspace.
func (s *Store) WorkspaceByID(ctx context.Context, id string) (Workspace, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+workspaceColumns+` FROM workspaces WHERE id = $1`, id)
	return s.scanWorkspace(row)
}

// WorkspaceByPlatform resolves a workspace by its platform identity.
func (s *Store) WorkspaceByPlatform(ctx context.Context, pt action.PlatformType, platformID string) (Workspace, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+workspaceColumns+` FROM workspaces WHERE platform_type = $1 AND platform_id = $2`,
		string(pt), platformID)
	return s.scanWorkspace(row)
}

// ListWorkspaces returns every registered workspace.
func (s *Store) ListWorkspaces(ctx context.Context) ([]Workspace, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+workspaceColumns+` FROM workspaces ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	var out []Workspace
	for rows.Next() {
		w, err := s.scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// UpsertWorkspace registers a workspace, refreshing its connection data when
// it already exists.
func (s *Store) UpsertWorkspace(ctx context.Context, w Workspace) (Workspace, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO workspaces (name, platform_type, platform_id, connection_token, domain)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT ON CONSTRAINT workspaces_platform_unique DO UPDATE
		SET name = EXCLUDED.name,
		    connection_token = EXCLUDED.connection_token,
		    domain = EXCLUDED.domain,
		    updated_at = now()
		RETURNING `+workspaceColumns,
		w.Name, string(w.PlatformType), w.PlatformID, w.ConnectionToken, w.Domain)
	return s.scanWorkspace(row)
}

// RotateWorkspaceCredential atomically overwrites the workspace's connection
// data. Open connections keep their snapshot; new ones see the fresh token.
func (s *Store) RotateWorkspaceCredential(ctx context.Context, id, token, name, domain string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workspaces
		SET connection_token = $2, name = $3, domain = $4, updated_at = now()
		WHERE id = $1`,
		id, token, name, domain)
	if err != nil {
		return fmt.Errorf("rotate workspace credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

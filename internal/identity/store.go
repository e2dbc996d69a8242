package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/teampayhq/megatron/internal/db"
)

// Store persists profiles in PostgreSQL. Customers live in platform_users
// keyed by workspace; agents live in platform_agents keyed by integration.
// Both tables enforce uniqueness on (platform_id, owner), which is what makes
// concurrent resolves safe.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates an identity store over the shared pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func isDuplicate(err error) bool {
	return db.IsUniqueViolation(err)
}

const profileColumns = `id::text, platform_id, username, COALESCE(display_name, ''), COALESCE(real_name, ''), profile_image`

func scanProfile(row pgx.Row) (Profile, error) {
	var p Profile
	err := row.Scan(&p.ID, &p.PlatformID, &p.Username, &p.DisplayName, &p.RealName, &p.ProfileImage)
	if errors.Is(err, pgx.ErrNoRows) {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		return Profile{}, fmt.Errorf("scan profile: %w", err)
	}
	return p, nil
}

// GetUser fetches a cached customer profile.
func (s *Store) GetUser(ctx context.Context, workspaceID, platformID string) (Profile, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM platform_users WHERE workspace_id = $1 AND platform_id = $2`,
		workspaceID, platformID)
	return scanProfile(row)
}

// CreateUser caches a customer profile.
func (s *Store) CreateUser(ctx context.Context, workspaceID string, p Profile) (Profile, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO platform_users (workspace_id, platform_id, username, display_name, real_name, profile_image)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6)
		RETURNING `+profileColumns,
		workspaceID, p.PlatformID, p.Username, p.DisplayName, p.RealName, p.ProfileImage)
	return scanProfile(row)
}

// UpdateUser overwrites the display fields of a cached customer profile.
func (s *Store) UpdateUser(ctx context.Context, workspaceID string, p Profile) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE platform_users
		SET username = $3, display_name = NULLIF($4, ''), real_name = NULLIF($5, ''),
		    profile_image = $6, updated_at = now()
		WHERE workspace_id = $1 AND platform_id = $2`,
		workspaceID, p.PlatformID, p.Username, p.DisplayName, p.RealName, p.ProfileImage)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	return nil
}

// ListUsers returns every cached profile in the workspace.
func (s *Store) ListUsers(ctx context.Context, workspaceID string) ([]Profile, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+profileColumns+` FROM platform_users WHERE workspace_id = $1 ORDER BY created_at`,
		workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var profiles []Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// GetAgent fetches a cached agent profile.
func (s *Store) GetAgent(ctx context.Context, integrationID, platformID string) (Profile, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM platform_agents WHERE integration_id = $1 AND platform_id = $2`,
		integrationID, platformID)
	return scanProfile(row)
}

// CreateAgent caches an agent profile.
func (s *Store) CreateAgent(ctx context.Context, integrationID string, p Profile) (Profile, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO platform_agents (integration_id, platform_id, username, display_name, real_name, profile_image)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6)
		RETURNING `+profileColumns,
		integrationID, p.PlatformID, p.Username, p.DisplayName, p.RealName, p.ProfileImage)
	return scanProfile(row)
}

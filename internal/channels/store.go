package channels

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/teampayhq/megatron/internal/db"
)

// ErrNotFound is returned when no channel matches the lookup.
var ErrNotFound = errors.New("channels: not found")

// Store persists channels in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a channel store over the shared pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const channelColumns = `id::text, organization_id::text, COALESCE(integration_id::text, ''), COALESCE(workspace_id::text, ''),
	name, platform_channel_id, platform_user_id, is_paused, is_archived, last_message_sent, created_at`

func scanChannel(row pgx.Row) (Channel, error) {
	var c Channel
	err := row.Scan(&c.ID, &c.OrganizationID, &c.IntegrationID, &c.WorkspaceID,
		&c.Name, &c.PlatformChannelID, &c.PlatformUserID, &c.IsPaused, &c.IsArchived,
		&c.LastMessageSent, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Channel{}, ErrNotFound
	}
	if err != nil {
		return Channel{}, fmt.Errorf("scan channel: %w", err)
	}
	return c, nil
}

// ByID fetches one channel.
func (s *Store) ByID(ctx context.Context, id string) (Channel, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE id = $1`, id)
	return scanChannel(row)
}

// ByPlatformChannelID resolves a channel from the integration-side channel id.
func (s *Store) ByPlatformChannelID(ctx context.Context, platformChannelID string) (Channel, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE platform_channel_id = $1`, platformChannelID)
	return scanChannel(row)
}

// ByPlatformUser resolves the channel mapped to a customer user id regardless
// of workspace. The integration API identifies customers this way.
func (s *Store) ByPlatformUser(ctx context.Context, platformUserID string) (Channel, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE platform_user_id = $1 ORDER BY created_at DESC LIMIT 1`,
		platformUserID)
	return scanChannel(row)
}

// ByWorkspaceUser resolves the channel mapped to a customer.
func (s *Store) ByWorkspaceUser(ctx context.Context, workspaceID, platformUserID string) (Channel, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE workspace_id = $1 AND platform_user_id = $2`,
		workspaceID, platformUserID)
	return scanChannel(row)
}

// Create inserts a channel row. A concurrent open for the same customer trips
// the unique constraint; callers re-read through GetOrCreate.
func (s *Store) Create(ctx context.Context, c Channel) (Channel, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO channels (organization_id, integration_id, workspace_id, name, platform_channel_id, platform_user_id)
		VALUES ($1, NULLIF($2, '')::uuid, NULLIF($3, '')::uuid, $4, $5, $6)
		RETURNING `+channelColumns,
		c.OrganizationID, c.IntegrationID, c.WorkspaceID, c.Name, c.PlatformChannelID, c.PlatformUserID)
	return scanChannel(row)
}

// GetOrCreate returns the customer's channel, inserting it when absent. The
// second return value reports whether a new row was created.
func (s *Store) GetOrCreate(ctx context.Context, c Channel) (Channel, bool, error) {
	existing, err := s.ByWorkspaceUser(ctx, c.WorkspaceID, c.PlatformUserID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Channel{}, false, err
	}

	created, err := s.Create(ctx, c)
	if err == nil {
		return created, true, nil
	}
	if db.IsUniqueViolation(err) {
		existing, err := s.ByWorkspaceUser(ctx, c.WorkspaceID, c.PlatformUserID)
		return existing, false, err
	}
	return Channel{}, false, err
}

// SetArchived flips the archived flag.
func (s *Store) SetArchived(ctx context.Context, id string, archived bool) error {
	return s.flip(ctx, id, "is_archived", archived)
}

// SetPaused flips the paused flag.
func (s *Store) SetPaused(ctx context.Context, id string, paused bool) error {
	return s.flip(ctx, id, "is_paused", paused)
}

func (s *Store) flip(ctx context.Context, id, column string, value bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE channels SET `+column+` = $2 WHERE id = $1`, id, value)
	if err != nil {
		return fmt.Errorf("update channel %s: %w", column, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastMessage records relay activity on the channel.
func (s *Store) TouchLastMessage(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE channels SET last_message_sent = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touch channel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListInactive returns non-archived channels idle since before cutoff.
func (s *Store) ListInactive(ctx context.Context, cutoff time.Time) ([]Channel, error) {
	return s.list(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE NOT is_archived AND last_message_sent < $1`,
		cutoff)
}

// ListPausedIdleBetween returns paused channels whose last activity falls in
// (from, to]: idle for more than `now-to` but no more than `now-from`.
func (s *Store) ListPausedIdleBetween(ctx context.Context, from, to time.Time) ([]Channel, error) {
	return s.list(ctx, `
		SELECT `+channelColumns+` FROM channels
		WHERE is_paused AND NOT is_archived AND last_message_sent >= $1 AND last_message_sent < $2`,
		from, to)
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]Channel, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var out []Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

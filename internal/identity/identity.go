// Package identity resolves platform user ids to display profiles, caching
// them per workspace (customers) and per integration (agents).
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/teampayhq/megatron/internal/action"
)

// ErrNotFound is returned when a profile cannot be resolved, locally or from
// the provider.
var ErrNotFound = errors.New("identity: not found")

// Profile is a cached display identity for one platform user.
type Profile struct {
	ID           string
	PlatformID   string
	Username     string
	DisplayName  string
	RealName     string
	ProfileImage string
}

// Display returns the best human-readable name for the profile.
func (p Profile) Display() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	if p.RealName != "" {
		return p.RealName
	}
	return p.Username
}

// Service resolves and caches identities. Provider lookups go through the
// caller's connection so the service stays credential-agnostic.
type Service struct {
	logger *slog.Logger
	store  *Store
}

// NewService creates an identity service.
func NewService(log *slog.Logger, store *Store) *Service {
	return &Service{
		logger: log.With(slog.String("service", "identity")),
		store:  store,
	}
}

// ResolveUser returns the profile for a customer in the workspace, fetching
// and caching it on first sight. Provider failures degrade to ErrNotFound;
// they never abort the caller.
func (s *Service) ResolveUser(ctx context.Context, conn action.Connection, workspaceID, platformID string) (Profile, error) {
	p, err := s.store.GetUser(ctx, workspaceID, platformID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Profile{}, err
	}
	return s.fetchAndCache(ctx, conn, platformID, func(p Profile) (Profile, error) {
		return s.store.CreateUser(ctx, workspaceID, p)
	}, func() (Profile, error) {
		return s.store.GetUser(ctx, workspaceID, platformID)
	})
}

// ResolveAgent returns the profile for an agent on the integration side.
func (s *Service) ResolveAgent(ctx context.Context, conn action.Connection, integrationID, platformID string) (Profile, error) {
	p, err := s.store.GetAgent(ctx, integrationID, platformID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Profile{}, err
	}
	return s.fetchAndCache(ctx, conn, platformID, func(p Profile) (Profile, error) {
		return s.store.CreateAgent(ctx, integrationID, p)
	}, func() (Profile, error) {
		return s.store.GetAgent(ctx, integrationID, platformID)
	})
}

func (s *Service) fetchAndCache(
	ctx context.Context,
	conn action.Connection,
	platformID string,
	create func(Profile) (Profile, error),
	reread func() (Profile, error),
) (Profile, error) {
	res := conn.Do(ctx, action.NewGetUserInfo(platformID))
	if !res.OK || res.User == nil {
		s.logger.Warn("provider user lookup failed",
			slog.String("platform_id", platformID),
			slog.String("error", res.Error),
		)
		return Profile{}, ErrNotFound
	}

	created, err := create(fromUserInfo(res.User))
	if err == nil {
		return created, nil
	}
	if isDuplicate(err) {
		// Lost a resolve race; the winner's row is the profile.
		return reread()
	}
	return Profile{}, fmt.Errorf("cache profile %s: %w", platformID, err)
}

// RefreshAll re-fetches every cached profile in the workspace, overwriting the
// display fields. Per-user failures are logged and skipped.
func (s *Service) RefreshAll(ctx context.Context, conn action.Connection, workspaceID string) error {
	profiles, err := s.store.ListUsers(ctx, workspaceID)
	if err != nil {
		return err
	}

	for _, p := range profiles {
		res := conn.Do(ctx, action.NewGetUserInfo(p.PlatformID))
		if !res.OK || res.User == nil {
			s.logger.Warn("profile refresh failed",
				slog.String("platform_id", p.PlatformID),
				slog.String("error", res.Error),
			)
			continue
		}
		if err := s.store.UpdateUser(ctx, workspaceID, fromUserInfo(res.User)); err != nil {
			s.logger.Warn("profile update failed",
				slog.String("platform_id", p.PlatformID),
				slog.Any("error", err),
			)
		}
	}
	return nil
}

func fromUserInfo(u *action.UserInfo) Profile {
	image := u.Image72
	if image == "" {
		image = u.Image24
	}
	return Profile{
		PlatformID:   u.ID,
		Username:     u.Name,
		DisplayName:  u.DisplayName,
		RealName:     u.RealName,
		ProfileImage: image,
	}
}

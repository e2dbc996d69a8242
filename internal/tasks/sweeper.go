package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/teampayhq/megatron/internal/action"
	"github.com/teampayhq/megatron/internal/config"
	"github.com/teampayhq/megatron/internal/directory"
)

// lifecycle is the slice of the channel service the sweeps drive.
type lifecycle interface {
	SweepInactive(ctx context.Context, now time.Time) error
	PauseReminder(ctx context.Context, now time.Time) error
}

// identityRefresher re-fetches cached profiles for one workspace.
type identityRefresher interface {
	RefreshAll(ctx context.Context, conn action.Connection, workspaceID string) error
}

// workspaceSource lists workspaces and opens connections for them.
type workspaceSource interface {
	ListWorkspaces(ctx context.Context) ([]directory.Workspace, error)
}

// connector builds workspace connections for the refresh sweep.
type connector interface {
	WorkspaceConn(ctx context.Context, workspaceID, organizationID string) (action.Connection, error)
}

// Sweeper owns the cron schedule for the periodic maintenance jobs.
type Sweeper struct {
	logger     *slog.Logger
	cron       *cron.Cron
	cfg        config.SweepConfig
	channels   lifecycle
	identity   identityRefresher
	workspaces workspaceSource
	conns      connector
}

// NewSweeper creates a sweeper. Start schedules the jobs; nothing runs before
// that.
func NewSweeper(
	log *slog.Logger,
	cfg config.SweepConfig,
	ch lifecycle,
	ident identityRefresher,
	ws workspaceSource,
	conns connector,
) *Sweeper {
	return &Sweeper{
		logger:     log.With(slog.String("service", "sweeper")),
		cron:       cron.New(),
		cfg:        cfg,
		channels:   ch,
		identity:   ident,
		workspaces: ws,
		conns:      conns,
	}
}

// Start registers and schedules the sweep jobs.
func (s *Sweeper) Start() error {
	jobs := []struct {
		spec string
		name string
		fn   func(ctx context.Context) error
	}{
		{s.cfg.ArchiveSpec, "archive-inactive", func(ctx context.Context) error {
			return s.channels.SweepInactive(ctx, time.Now().UTC())
		}},
		{s.cfg.ReminderSpec, "pause-reminder", func(ctx context.Context) error {
			return s.channels.PauseReminder(ctx, time.Now().UTC())
		}},
		{s.cfg.RefreshSpec, "identity-refresh", s.refreshIdentities},
	}

	for _, j := range jobs {
		j := j
		if _, err := s.cron.AddFunc(j.spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if err := j.fn(ctx); err != nil {
				s.logger.Error("sweep failed", slog.String("job", j.name), slog.Any("error", err))
			}
		}); err != nil {
			return fmt.Errorf("schedule %s (%q): %w", j.name, j.spec, err)
		}
	}

	s.cron.Start()
	return nil
}

// Stop halts the schedule and waits for running jobs.
func (s *Sweeper) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) refreshIdentities(ctx context.Context) error {
	workspaces, err := s.workspaces.ListWorkspaces(ctx)
	if err != nil {
		return err
	}

	for _, ws := range workspaces {
		conn, err := s.conns.WorkspaceConn(ctx, ws.ID, "")
		if err != nil {
			s.logger.Warn("identity refresh skipped",
				slog.String("workspace_id", ws.ID),
				slog.Any("error", err),
			)
			continue
		}
		if err := s.identity.RefreshAll(ctx, conn, ws.ID); err != nil {
			s.logger.Warn("identity refresh failed",
				slog.String("workspace_id", ws.ID),
				slog.Any("error", err),
			)
		}
	}
	return nil
}

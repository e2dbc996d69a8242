package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/teampayhq/megatron/internal/action"
	"github.com/teampayhq/megatron/internal/cache"
	"github.com/teampayhq/megatron/internal/config"
	"github.com/teampayhq/megatron/internal/controlplane"
	"github.com/teampayhq/megatron/internal/directory"
	"github.com/teampayhq/megatron/internal/identity"
)

// inactivityCutoff is how long a channel may sit idle before the sweep
// archives it.
const inactivityCutoff = 36 * time.Hour

// historyReplayLimit caps how many direct-message history entries are
// replayed into a fresh channel.
const historyReplayLimit = 10

// headerBuffer suppresses a timestamp header when the previous replayed
// message is this recent.
const headerBuffer = 3 * time.Minute

// unpausedWarningTTL debounces the not-paused reminder per channel.
const unpausedWarningTTL = time.Hour

// store is the slice of Store the service drives.
type store interface {
	ByID(ctx context.Context, id string) (Channel, error)
	ByWorkspaceUser(ctx context.Context, workspaceID, platformUserID string) (Channel, error)
	GetOrCreate(ctx context.Context, c Channel) (Channel, bool, error)
	SetArchived(ctx context.Context, id string, archived bool) error
	SetPaused(ctx context.Context, id string, paused bool) error
	TouchLastMessage(ctx context.Context, id string, at time.Time) error
	ListInactive(ctx context.Context, cutoff time.Time) ([]Channel, error)
	ListPausedIdleBetween(ctx context.Context, from, to time.Time) ([]Channel, error)
}

// connector builds provider connections for either side of a channel.
type connector interface {
	IntegrationConn(ctx context.Context, integrationID string) (action.Connection, error)
	WorkspaceConn(ctx context.Context, workspaceID, organizationID string) (action.Connection, error)
}

// tenants loads the directory records the lifecycle needs.
type tenants interface {
	OrganizationByID(ctx context.Context, id string) (directory.Organization, error)
	WorkspaceByID(ctx context.Context, id string) (directory.Workspace, error)
}

// Service drives the channel lifecycle.
type Service struct {
	logger  *slog.Logger
	store   store
	conns   connector
	tenants tenants
	cp      *controlplane.Client
	cache   cache.Expiring
	cfg     config.RelayConfig
}

// NewService creates a channel lifecycle service.
func NewService(
	log *slog.Logger,
	st store,
	conns connector,
	ten tenants,
	cp *controlplane.Client,
	warnCache cache.Expiring,
	cfg config.RelayConfig,
) *Service {
	return &Service{
		logger:  log.With(slog.String("service", "channels")),
		store:   st,
		conns:   conns,
		tenants: ten,
		cp:      cp,
		cache:   warnCache,
		cfg:     cfg,
	}
}

// Open returns the customer's relay channel, creating it on the provider and
// replaying recent direct-message history when it does not exist yet. An
// archived channel is restored instead of recreated.
func (s *Service) Open(
	ctx context.Context,
	org directory.Organization,
	it directory.Integration,
	ws directory.Workspace,
	profile identity.Profile,
) (Channel, bool, error) {
	existing, err := s.store.ByWorkspaceUser(ctx, ws.ID, profile.PlatformID)
	if err == nil {
		if existing.IsArchived {
			revived, err := s.Revive(ctx, existing, profile)
			if err != nil {
				return Channel{}, false, err
			}
			return revived, false, nil
		}
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Channel{}, false, err
	}

	integrationConn, err := s.conns.IntegrationConn(ctx, it.ID)
	if err != nil {
		return Channel{}, false, err
	}

	name := BuildName(s.cfg.ChannelPrefix, profile.Username, ws.Domain)
	created := integrationConn.Do(ctx, action.NewCreateChannel(name))
	if !created.OK {
		return Channel{}, false, fmt.Errorf("create provider channel %s: %s", name, created.Error)
	}

	ch, fresh, err := s.store.GetOrCreate(ctx, Channel{
		OrganizationID:    org.ID,
		IntegrationID:     it.ID,
		WorkspaceID:       ws.ID,
		Name:              name,
		PlatformChannelID: created.Channel,
		PlatformUserID:    profile.PlatformID,
	})
	if err != nil {
		return Channel{}, false, err
	}
	if !fresh {
		// Lost an open race; the provider channel we just made is orphaned.
		s.logger.Warn("concurrent channel open, provider channel orphaned",
			slog.String("channel", created.Channel))
		return ch, false, nil
	}

	s.replayHistory(ctx, integrationConn, org.ID, ch, profile)
	return ch, true, nil
}

// Revive restores an archived channel when its customer surfaces again. It
// unarchives on the provider and locally, then replays recent history so the
// agent sees what led up to the new message.
func (s *Service) Revive(ctx context.Context, ch Channel, profile identity.Profile) (Channel, error) {
	if err := s.Unarchive(ctx, ch); err != nil {
		return Channel{}, err
	}
	ch.IsArchived = false
	ch.IsPaused = false

	integrationConn, err := s.conns.IntegrationConn(ctx, ch.IntegrationID)
	if err != nil {
		s.logger.Warn("revival replay skipped", slog.Any("error", err))
		return ch, nil
	}
	s.replayHistory(ctx, integrationConn, ch.OrganizationID, ch, profile)
	return ch, nil
}

// replayHistory copies the customer's recent direct-message history into the
// fresh channel so the agent has context. Failures degrade to an empty
// channel, never an error.
func (s *Service) replayHistory(ctx context.Context, integrationConn action.Connection, orgID string, ch Channel, profile identity.Profile) {
	workspaceConn, err := s.conns.WorkspaceConn(ctx, ch.WorkspaceID, orgID)
	if err != nil {
		s.logger.Warn("history replay skipped", slog.Any("error", err))
		return
	}

	im := workspaceConn.Do(ctx, action.NewOpenChannel(profile.PlatformID))
	if !im.OK {
		s.logger.Warn("history replay skipped", slog.String("error", im.Error))
		return
	}
	history := workspaceConn.Do(ctx, action.NewFetchHistory(im.Channel, historyReplayLimit))
	if !history.OK {
		s.logger.Warn("history fetch failed", slog.String("error", history.Error))
		return
	}

	var prev time.Time
	for _, m := range history.Messages {
		text := m.Text
		at := parseProviderTS(m.TS)
		if header := TimestampHeader(at, prev); header != "" {
			text = header + text
		}
		prev = at

		username := profile.Display()
		if m.BotID != "" {
			username = s.cfg.BotName
		}
		res := integrationConn.Do(ctx, action.NewPostMessage(ch.PlatformChannelID, action.Message{
			Text:     text,
			Username: username,
			IconURL:  profile.ProfileImage,
		}))
		if !res.OK {
			s.logger.Warn("history replay post failed", slog.String("error", res.Error))
		}
	}
}

// TimestampHeader renders the replay header for a message sent at `at`, or ""
// when the previous message is within the suppression buffer.
func TimestampHeader(at, prev time.Time) string {
	if at.IsZero() {
		return ""
	}
	if !prev.IsZero() && at.Sub(prev) < headerBuffer {
		return ""
	}
	return at.Format("*[Jan 02 03:04 PM]*\n")
}

// parseProviderTS converts a provider "seconds.sequence" timestamp.
func parseProviderTS(ts string) time.Time {
	var sec, seq int64
	if _, err := fmt.Sscanf(ts, "%d.%d", &sec, &seq); err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// Close archives the channel, unpausing first so the integration bot resumes
// for the customer. Closing an archived channel is a no-op.
func (s *Service) Close(ctx context.Context, org directory.Organization, ch Channel, display string) error {
	if ch.IsArchived {
		return nil
	}
	if ch.IsPaused {
		if err := s.SetPausedState(ctx, org, ch, display, false); err != nil {
			s.logger.Warn("unpause before close failed",
				slog.String("channel_id", ch.ID),
				slog.Any("error", err),
			)
		}
	}

	integrationConn, err := s.conns.IntegrationConn(ctx, ch.IntegrationID)
	if err != nil {
		return err
	}
	res := integrationConn.Do(ctx, action.NewArchiveChannel(ch.PlatformChannelID))
	if !res.OK {
		return fmt.Errorf("archive channel %s: %s", ch.Name, res.Error)
	}
	return s.store.SetArchived(ctx, ch.ID, true)
}

// Unarchive restores an archived channel to active and counts the restore as
// activity so the sweep does not immediately re-archive it.
func (s *Service) Unarchive(ctx context.Context, ch Channel) error {
	integrationConn, err := s.conns.IntegrationConn(ctx, ch.IntegrationID)
	if err != nil {
		return err
	}
	res := integrationConn.Do(ctx, action.NewUnarchiveChannel(ch.PlatformChannelID))
	if !res.OK {
		return fmt.Errorf("unarchive channel %s: %s", ch.Name, res.Error)
	}
	if err := s.store.SetArchived(ctx, ch.ID, false); err != nil {
		return err
	}
	if err := s.store.SetPaused(ctx, ch.ID, false); err != nil {
		return err
	}
	return s.store.TouchLastMessage(ctx, ch.ID, time.Now().UTC())
}

// SetPausedState pauses or unpauses the integration bot for the channel's
// customer. The local flag is persisted only after the control plane confirms
// with HTTP 200; a rejected or timed-out command leaves state unchanged.
func (s *Service) SetPausedState(ctx context.Context, org directory.Organization, ch Channel, display string, paused bool) error {
	ws, err := s.tenants.WorkspaceByID(ctx, ch.WorkspaceID)
	if err != nil {
		return err
	}

	resp := s.cp.Pause(ctx, org.Endpoint(), controlplane.PauseRequest{
		ChannelID:      ch.ID,
		PlatformUserID: ch.PlatformUserID,
		TeamID:         ws.PlatformID,
		Paused:         paused,
	})
	if !resp.OK || resp.Status != http.StatusOK {
		return fmt.Errorf("pause command rejected: %s", resp.Error)
	}
	if err := s.store.SetPaused(ctx, ch.ID, paused); err != nil {
		return err
	}

	state := "unpaused"
	if paused {
		state = "paused"
	}
	if integrationConn, err := s.conns.IntegrationConn(ctx, ch.IntegrationID); err == nil {
		res := integrationConn.Do(ctx, action.NewPostMessage(ch.PlatformChannelID, action.Message{
			Text: fmt.Sprintf("Bot *%s* for user: %s", state, display),
		}))
		if !res.OK {
			s.logger.Warn("pause notification failed", slog.String("error", res.Error))
		}
	}
	return nil
}

// WarnUnpaused posts the not-paused reminder into the channel, at most once
// per hour. Returns whether a warning was actually posted.
func (s *Service) WarnUnpaused(ctx context.Context, ch Channel) bool {
	key := "unpaused-warning:" + ch.ID
	if _, seen := s.cache.Get(key); seen {
		return false
	}
	s.cache.Set(key, "1", unpausedWarningTTL)

	integrationConn, err := s.conns.IntegrationConn(ctx, ch.IntegrationID)
	if err != nil {
		s.logger.Warn("unpaused warning skipped", slog.Any("error", err))
		return false
	}

	pauseValue := ch.WorkspaceID + "-" + ch.PlatformUserID
	if ws, err := s.tenants.WorkspaceByID(ctx, ch.WorkspaceID); err == nil {
		pauseValue = ws.PlatformID + "-" + ch.PlatformUserID
	}
	warning := action.Message{
		Attachments: []action.Attachment{{
			Title:      "Bot is not paused.",
			Text:       "The bot for this user is not paused. It will continue to respond to their messages.",
			Color:      "#e8a33d",
			Fallback:   "Bot is not paused.",
			CallbackID: "target-select:pause",
			Actions: []action.AttachmentAction{{
				Name:  "pause",
				Type:  "button",
				Text:  "Pause Bot",
				Value: pauseValue,
			}},
		}},
	}
	res := integrationConn.Do(ctx, action.NewPostMessage(ch.PlatformChannelID, warning))
	if !res.OK {
		s.logger.Warn("unpaused warning failed", slog.String("error", res.Error))
		return false
	}
	return true
}

// SweepInactive archives every channel idle longer than the cutoff. Paused
// channels are unpaused by the close path first. Per-channel failures are
// logged and the sweep continues.
func (s *Service) SweepInactive(ctx context.Context, now time.Time) error {
	idle, err := s.store.ListInactive(ctx, now.Add(-inactivityCutoff))
	if err != nil {
		return err
	}

	for _, ch := range idle {
		org, err := s.tenants.OrganizationByID(ctx, ch.OrganizationID)
		if err != nil {
			s.logger.Warn("sweep skipped channel", slog.String("channel_id", ch.ID), slog.Any("error", err))
			continue
		}
		if err := s.Close(ctx, org, ch, ch.PlatformUserID); err != nil {
			s.logger.Warn("sweep archive failed", slog.String("channel_id", ch.ID), slog.Any("error", err))
			continue
		}
		s.logger.Info("archived inactive channel",
			slog.String("channel_id", ch.ID),
			slog.String("name", ch.Name),
		)
	}
	return nil
}

// PauseReminder posts a reminder into paused channels that have gone quiet
// for three to four minutes, so an agent who paused the bot and walked away
// gets exactly one nudge per sweep window.
func (s *Service) PauseReminder(ctx context.Context, now time.Time) error {
	chans, err := s.store.ListPausedIdleBetween(ctx, now.Add(-4*time.Minute), now.Add(-3*time.Minute))
	if err != nil {
		return err
	}

	for _, ch := range chans {
		integrationConn, err := s.conns.IntegrationConn(ctx, ch.IntegrationID)
		if err != nil {
			s.logger.Warn("pause reminder skipped", slog.String("channel_id", ch.ID), slog.Any("error", err))
			continue
		}
		res := integrationConn.Do(ctx, action.NewPostMessage(ch.PlatformChannelID, action.Message{
			Text: "Reminder: the bot is still *paused* for this user.",
		}))
		if !res.OK {
			s.logger.Warn("pause reminder failed", slog.String("error", res.Error))
		}
	}
	return nil
}

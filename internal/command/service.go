package command

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/teampayhq/megatron/internal/action"
	"github.com/teampayhq/megatron/internal/channels"
	"github.com/teampayhq/megatron/internal/controlplane"
	"github.com/teampayhq/megatron/internal/directory"
	"github.com/teampayhq/megatron/internal/identity"
	"github.com/teampayhq/megatron/internal/relay"
)

// Request carries the context of one issued command.
type Request struct {
	Org               directory.Organization
	Integration       directory.Integration
	PlatformChannelID string
	PlatformUserID    string
	ResponseURL       string
	Text              string
}

// submitter enqueues async work; dispatch never waits for it.
type submitter interface {
	Submit(name string, fn func(ctx context.Context) error) error
}

// channelLookup is the slice of the channel store the dispatcher reads.
type channelLookup interface {
	ByPlatformChannelID(ctx context.Context, platformChannelID string) (channels.Channel, error)
	ByWorkspaceUser(ctx context.Context, workspaceID, platformUserID string) (channels.Channel, error)
}

// lifecycle is the slice of the channel service commands drive.
type lifecycle interface {
	Open(ctx context.Context, org directory.Organization, it directory.Integration, ws directory.Workspace, profile identity.Profile) (channels.Channel, bool, error)
	Close(ctx context.Context, org directory.Organization, ch channels.Channel, display string) error
	SetPausedState(ctx context.Context, org directory.Organization, ch channels.Channel, display string, paused bool) error
}

// relayer forwards agent messages to the customer.
type relayer interface {
	Forward(ctx context.Context, ch channels.Channel, msg action.Message, display string) (relay.Delivery, error)
}

// identities resolves display profiles for customers and agents.
type identities interface {
	ResolveUser(ctx context.Context, conn action.Connection, workspaceID, platformID string) (identity.Profile, error)
	ResolveAgent(ctx context.Context, conn action.Connection, integrationID, platformID string) (identity.Profile, error)
}

// tenantStore loads workspaces for target resolution.
type tenantStore interface {
	WorkspaceByID(ctx context.Context, id string) (directory.Workspace, error)
	WorkspaceByPlatform(ctx context.Context, pt action.PlatformType, platformID string) (directory.Workspace, error)
}

// connector builds provider connections.
type connector interface {
	IntegrationConn(ctx context.Context, integrationID string) (action.Connection, error)
	WorkspaceConn(ctx context.Context, workspaceID, organizationID string) (action.Connection, error)
}

// Service dispatches commands: resolve the target, answer immediately, run
// the action on the task runner.
type Service struct {
	logger   *slog.Logger
	cp       *controlplane.Client
	runner   submitter
	chStore  channelLookup
	channels lifecycle
	relay    relayer
	identity identities
	tenants  tenantStore
	conns    connector
}

// NewService creates a command service.
func NewService(
	log *slog.Logger,
	cp *controlplane.Client,
	runner submitter,
	chStore channelLookup,
	ch lifecycle,
	rel relayer,
	ident identities,
	tenants tenantStore,
	conns connector,
) *Service {
	return &Service{
		logger:   log.With(slog.String("service", "command")),
		cp:       cp,
		runner:   runner,
		chStore:  chStore,
		channels: ch,
		relay:    rel,
		identity: ident,
		tenants:  tenants,
		conns:    conns,
	}
}

const unknownCommandText = "Sorry, I don't recognize that command. Available commands: " +
	"open, close, pause, unpause, clear-context, forward, do."

// Dispatch handles one slash command. The reply goes straight back to the
// agent; the action itself runs asynchronously.
func (s *Service) Dispatch(ctx context.Context, req Request) Reply {
	name, args, err := Parse(req.Text)
	if err != nil {
		return ephemeral(unknownCommandText)
	}

	var payload string
	if name.takesFreeText() {
		payload = args[0]
		args = nil
	}

	res := s.resolveTarget(ctx, req, name, args)
	switch res.Kind {
	case Failed:
		return ephemeral(res.Message)
	case Disambiguate:
		return disambiguationReply(name, res.Candidates)
	}

	s.enqueue(req, name, res.Target, payload)
	return ack(name)
}

// HandleSelection re-enters dispatch with the target an agent picked from a
// disambiguation select.
func (s *Service) HandleSelection(ctx context.Context, req Request, callbackID, value string) Reply {
	raw, ok := strings.CutPrefix(callbackID, "target-select:")
	if !ok {
		return ephemeral("Sorry, I can't match that selection to a command.")
	}
	name, found := known[raw]
	if !found {
		return ephemeral(unknownCommandText)
	}
	target, err := ParseTargetValue(value)
	if err != nil {
		return ephemeral("Sorry, that selection looks malformed.")
	}

	s.enqueue(req, name, target, "")
	return ack(name)
}

func ack(name Name) Reply {
	switch name {
	case Open:
		return ephemeral("Connecting....")
	case Close:
		return ephemeral("Closing the channel...")
	case Pause:
		return ephemeral("Pausing the bot...")
	case Unpause:
		return ephemeral("Unpausing the bot...")
	case ClearContext:
		return ephemeral("Clearing the conversation context...")
	case Forward:
		return ephemeral("Forwarding your message...")
	case Do:
		return ephemeral("Passing that along...")
	default:
		return ephemeral("Working on it...")
	}
}

// resolveTarget applies the per-command argument rules.
func (s *Service) resolveTarget(ctx context.Context, req Request, name Name, args []string) Resolution {
	switch {
	case len(args) == 0:
		ch, err := s.chStore.ByPlatformChannelID(ctx, req.PlatformChannelID)
		if err != nil {
			return failed("Please specify a user for this command.")
		}
		ws, err := s.tenants.WorkspaceByID(ctx, ch.WorkspaceID)
		if err != nil {
			return failed("This channel is not mapped to a workspace.")
		}
		return resolved(Target{
			WorkspacePlatformID: ws.PlatformID,
			PlatformUserID:      ch.PlatformUserID,
			Username:            ch.PlatformUserID,
		})

	case len(args) == 1:
		resp := s.cp.SearchUser(ctx, req.Org.Endpoint(), args[0])
		if !resp.OK {
			return failed(fmt.Sprintf("User search failed: %s", resp.Error))
		}
		switch len(resp.Users) {
		case 0:
			return failed(fmt.Sprintf("Could not find user: %s", args[0]))
		case 1:
			u := resp.Users[0]
			return resolved(Target{
				WorkspacePlatformID: u.PlatformTeamID,
				PlatformUserID:      u.PlatformUserID,
				Username:            u.Username,
			})
		default:
			candidates := make([]Target, 0, len(resp.Users))
			for _, u := range resp.Users {
				candidates = append(candidates, Target{
					WorkspacePlatformID: u.PlatformTeamID,
					PlatformUserID:      u.PlatformUserID,
					Username:            u.Username,
				})
			}
			return disambiguate(candidates)
		}

	default:
		return failed("Too many arguments for this command.")
	}
}

func (s *Service) enqueue(req Request, name Name, target Target, payload string) {
	err := s.runner.Submit(string(name), func(ctx context.Context) error {
		return s.execute(ctx, req, name, target, payload)
	})
	if err != nil {
		s.logger.Error("command enqueue failed",
			slog.String("command", string(name)),
			slog.Any("error", err),
		)
	}
}

func (s *Service) execute(ctx context.Context, req Request, name Name, target Target, payload string) error {
	switch name {
	case Open:
		return s.doOpen(ctx, req, target)
	case Close:
		return s.doClose(ctx, req, target)
	case Pause:
		return s.doSetPaused(ctx, req, target, true)
	case Unpause:
		return s.doSetPaused(ctx, req, target, false)
	case ClearContext:
		return s.doClearContext(ctx, req, target)
	case Forward:
		return s.doForward(ctx, req, target, payload)
	case Do:
		return s.doPush(ctx, req, target, payload)
	default:
		return fmt.Errorf("unhandled command: %s", name)
	}
}

func (s *Service) doOpen(ctx context.Context, req Request, target Target) error {
	ws, err := s.tenants.WorkspaceByPlatform(ctx, req.Integration.PlatformType, target.WorkspacePlatformID)
	if err != nil {
		s.respond(ctx, req, fmt.Sprintf("No registered workspace for team %s.", target.WorkspacePlatformID))
		return err
	}
	wconn, err := s.conns.WorkspaceConn(ctx, ws.ID, req.Org.ID)
	if err != nil {
		return err
	}
	profile, err := s.identity.ResolveUser(ctx, wconn, ws.ID, target.PlatformUserID)
	if err != nil {
		s.respond(ctx, req, fmt.Sprintf("Could not look up user %s.", target.PlatformUserID))
		return err
	}

	ch, _, err := s.channels.Open(ctx, req.Org, req.Integration, ws, profile)
	if err != nil {
		s.respond(ctx, req, "Opening the channel failed.")
		return err
	}

	link := channels.DeepLink(req.Integration.PlatformID, ch.PlatformChannelID)
	s.respond(ctx, req, fmt.Sprintf("Connected to %s: <%s|%s>", profile.Display(), link, ch.Name))
	return nil
}

func (s *Service) doClose(ctx context.Context, req Request, target Target) error {
	ch, display, err := s.targetChannel(ctx, req, target)
	if err != nil {
		s.respond(ctx, req, "There is no channel for that user.")
		return err
	}
	if err := s.channels.Close(ctx, req.Org, ch, display); err != nil {
		s.respond(ctx, req, "Closing the channel failed.")
		return err
	}
	s.respond(ctx, req, fmt.Sprintf("Channel %s archived.", ch.Name))
	return nil
}

func (s *Service) doSetPaused(ctx context.Context, req Request, target Target, paused bool) error {
	ch, display, err := s.targetChannel(ctx, req, target)
	if err != nil {
		s.respond(ctx, req, "There is no channel for that user.")
		return err
	}
	if err := s.channels.SetPausedState(ctx, req.Org, ch, display, paused); err != nil {
		s.respond(ctx, req, "The pause command was not confirmed; nothing changed.")
		return err
	}
	return nil
}

func (s *Service) doClearContext(ctx context.Context, req Request, target Target) error {
	resp := s.cp.ClearContext(ctx, req.Org.Endpoint(), target.PlatformUserID)
	if !resp.OK {
		s.respond(ctx, req, fmt.Sprintf("Clearing context failed: %s", resp.Error))
		return fmt.Errorf("clear-context rejected: %s", resp.Error)
	}
	s.respond(ctx, req, "Conversation context cleared.")
	return nil
}

func (s *Service) doForward(ctx context.Context, req Request, target Target, text string) error {
	ch, _, err := s.targetChannel(ctx, req, target)
	if err != nil {
		s.respond(ctx, req, "There is no channel for that user.")
		return err
	}

	display := req.PlatformUserID
	if iconn, err := s.conns.IntegrationConn(ctx, req.Integration.ID); err == nil {
		if agent, err := s.identity.ResolveAgent(ctx, iconn, req.Integration.ID, req.PlatformUserID); err == nil {
			display = agent.Display()
		}
	}

	d, err := s.relay.Forward(ctx, ch, action.Message{Text: text}, display)
	if err != nil {
		return err
	}
	if !d.OK {
		s.respond(ctx, req, fmt.Sprintf("Forwarding failed: %s", d.Error))
		return nil
	}
	return nil
}

// doPush hands the message to the integration's own pipeline. A timeout is
// logged and swallowed: the control plane may well have accepted the command.
func (s *Service) doPush(ctx context.Context, req Request, target Target, text string) error {
	ch, _, err := s.targetChannel(ctx, req, target)
	if err != nil {
		s.respond(ctx, req, "There is no channel for that user.")
		return err
	}

	resp := s.cp.PushMessage(ctx, req.Org.Endpoint(), controlplane.PushRequest{
		Text:              text,
		ChannelID:         ch.ID,
		PlatformUserID:    ch.PlatformUserID,
		PlatformChannelID: ch.PlatformChannelID,
	})
	if !resp.OK {
		s.logger.Warn("push_message not confirmed",
			slog.String("channel_id", ch.ID),
			slog.String("error", resp.Error),
		)
	}
	return nil
}

// targetChannel loads the channel for a resolved target and the best display
// name available for it.
func (s *Service) targetChannel(ctx context.Context, req Request, target Target) (channels.Channel, string, error) {
	ws, err := s.tenants.WorkspaceByPlatform(ctx, req.Integration.PlatformType, target.WorkspacePlatformID)
	if err != nil {
		return channels.Channel{}, "", err
	}
	ch, err := s.chStore.ByWorkspaceUser(ctx, ws.ID, target.PlatformUserID)
	if err != nil {
		return channels.Channel{}, "", err
	}

	display := target.Username
	if wconn, err := s.conns.WorkspaceConn(ctx, ws.ID, req.Org.ID); err == nil {
		if profile, err := s.identity.ResolveUser(ctx, wconn, ws.ID, target.PlatformUserID); err == nil {
			display = profile.Display()
		}
	}
	if display == "" {
		display = target.PlatformUserID
	}
	return ch, display, nil
}

// respond posts an immediate follow-up through the command's response url.
func (s *Service) respond(ctx context.Context, req Request, text string) {
	if req.ResponseURL == "" {
		return
	}
	iconn, err := s.conns.IntegrationConn(ctx, req.Integration.ID)
	if err != nil {
		s.logger.Warn("command response skipped", slog.Any("error", err))
		return
	}
	res := iconn.Do(ctx, action.NewRespondToURL(req.ResponseURL, action.Message{Text: text}))
	if !res.OK {
		s.logger.Warn("command response failed", slog.String("error", res.Error))
	}
}

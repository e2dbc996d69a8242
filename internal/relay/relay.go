// Package relay orchestrates message flow between the customer and
// integration sides of a channel, with card redaction on everything that
// leaves for the customer.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/teampayhq/megatron/internal/action"
	"github.com/teampayhq/megatron/internal/channels"
	"github.com/teampayhq/megatron/internal/config"
	"github.com/teampayhq/megatron/internal/correlation"
	"github.com/teampayhq/megatron/internal/identity"
)

// Delivery is the outcome of one relay operation. Tracked=false means the
// message was deliberately not delivered (archived channel, uncorrelated
// edit); the caller still gets OK because nothing went wrong.
type Delivery struct {
	OK      bool   `json:"ok"`
	Tracked bool   `json:"track"`
	TS      string `json:"ts,omitempty"`
	Error   string `json:"error,omitempty"`
}

// correlations is the slice of the correlation store the relay uses.
type correlations interface {
	RecordSend(ctx context.Context, channelID, integrationMsgID, customerMsgID string) (correlation.Record, error)
	FindByIntegrationID(ctx context.Context, channelID, msgID string) (correlation.Record, error)
	FindByCustomerID(ctx context.Context, channelID, msgID string) (correlation.Record, error)
	Repoint(ctx context.Context, recordID, integrationMsgID, customerMsgID string) error
}

// channelStore is the slice of the channel store the relay touches.
type channelStore interface {
	TouchLastMessage(ctx context.Context, id string, at time.Time) error
}

// identities resolves customer display profiles.
type identities interface {
	ResolveUser(ctx context.Context, conn action.Connection, workspaceID, platformID string) (identity.Profile, error)
}

// connector builds provider connections for either side of a channel.
type connector interface {
	IntegrationConn(ctx context.Context, integrationID string) (action.Connection, error)
	WorkspaceConn(ctx context.Context, workspaceID, organizationID string) (action.Connection, error)
}

// reviver restores archived channels on fresh customer traffic.
type reviver interface {
	Revive(ctx context.Context, ch channels.Channel, profile identity.Profile) (channels.Channel, error)
}

// Service relays messages across a channel.
type Service struct {
	logger   *slog.Logger
	chStore  channelStore
	corr     correlations
	identity identities
	conns    connector
	channels reviver
	cfg      config.RelayConfig
}

// NewService creates a relay service.
func NewService(
	log *slog.Logger,
	chStore channelStore,
	corr correlations,
	ident identities,
	conns connector,
	ch reviver,
	cfg config.RelayConfig,
) *Service {
	return &Service{
		logger:   log.With(slog.String("service", "relay")),
		chStore:  chStore,
		corr:     corr,
		identity: ident,
		conns:    conns,
		channels: ch,
		cfg:      cfg,
	}
}

// Incoming relays a customer message into the channel's integration side,
// attributed to the customer by name and avatar. A message to an archived
// channel revives it first; the customer writing again reopens the
// conversation.
func (s *Service) Incoming(ctx context.Context, ch channels.Channel, msg action.Message) (Delivery, error) {
	if ch.IsArchived {
		revived, err := s.revive(ctx, ch, msg.User)
		if err != nil {
			return Delivery{}, err
		}
		ch = revived
	}

	display, icon := s.senderIdentity(ctx, ch, msg.User)

	integrationConn, err := s.conns.IntegrationConn(ctx, ch.IntegrationID)
	if err != nil {
		return Delivery{}, err
	}

	out := action.Message{
		Text:        msg.Text,
		Attachments: msg.Attachments,
		Files:       msg.Files,
		Username:    display,
		IconURL:     icon,
	}
	res := integrationConn.Do(ctx, action.NewPostMessage(ch.PlatformChannelID, out))
	if !res.OK {
		return Delivery{OK: false, Error: res.Error}, nil
	}

	s.afterDelivery(ctx, ch, res.TS, msg.TS)
	return Delivery{OK: true, Tracked: true, TS: res.TS}, nil
}

// Outgoing mirrors a bot reply into the channel's integration side, redacted
// and attributed to the bot identity. The customer already received the
// original through the integration's own pipeline.
func (s *Service) Outgoing(ctx context.Context, ch channels.Channel, msg action.Message) (Delivery, error) {
	if ch.IsArchived {
		return Delivery{OK: true, Tracked: false}, nil
	}

	integrationConn, err := s.conns.IntegrationConn(ctx, ch.IntegrationID)
	if err != nil {
		return Delivery{}, err
	}

	out := Redact(s.logger, msg)
	out.Username = s.cfg.BotName
	out.IconEmoji = s.cfg.BotIconEmoji

	res := integrationConn.Do(ctx, action.NewPostMessage(ch.PlatformChannelID, out))
	if !res.OK {
		return Delivery{OK: false, Error: res.Error}, nil
	}

	s.afterDelivery(ctx, ch, res.TS, msg.TS)
	return Delivery{OK: true, Tracked: true, TS: res.TS}, nil
}

// Forward delivers an agent message from the integration channel to the
// customer's direct message, annotated with who sent it. Forwards are not
// redacted; they are human-authored takeover messages.
func (s *Service) Forward(ctx context.Context, ch channels.Channel, msg action.Message, display string) (Delivery, error) {
	if ch.IsArchived {
		return Delivery{OK: true, Tracked: false}, nil
	}

	workspaceConn, err := s.conns.WorkspaceConn(ctx, ch.WorkspaceID, ch.OrganizationID)
	if err != nil {
		return Delivery{}, err
	}

	im := workspaceConn.Do(ctx, action.NewOpenChannel(ch.PlatformUserID))
	if !im.OK {
		return Delivery{OK: false, Error: im.Error}, nil
	}

	out := msg
	if display != "" {
		out.Attachments = append(append([]action.Attachment(nil), msg.Attachments...),
			action.Attachment{Footer: s.ForwardFooter(display)})
	}

	res := workspaceConn.Do(ctx, action.NewPostMessage(im.Channel, out))
	if !res.OK {
		return Delivery{OK: false, Error: res.Error}, nil
	}

	s.afterDelivery(ctx, ch, msg.TS, res.TS)
	return Delivery{OK: true, Tracked: true, TS: res.TS}, nil
}

// EditFromIntegration mirrors an agent-side edit onto the customer's copy of
// the message. An uncorrelated edit is silently dropped.
func (s *Service) EditFromIntegration(ctx context.Context, ch channels.Channel, prevTS string, msg action.Message) (Delivery, error) {
	rec, err := s.corr.FindByIntegrationID(ctx, ch.ID, prevTS)
	if errors.Is(err, correlation.ErrNotFound) {
		return Delivery{OK: true, Tracked: false}, nil
	}
	if err != nil {
		return Delivery{}, err
	}
	if rec.CustomerMsgID == "" {
		return Delivery{OK: true, Tracked: false}, nil
	}

	workspaceConn, err := s.conns.WorkspaceConn(ctx, ch.WorkspaceID, ch.OrganizationID)
	if err != nil {
		return Delivery{}, err
	}
	im := workspaceConn.Do(ctx, action.NewOpenChannel(ch.PlatformUserID))
	if !im.OK {
		return Delivery{OK: false, Error: im.Error}, nil
	}

	out := Redact(s.logger, msg)
	res := workspaceConn.Do(ctx, action.NewUpdateMessage(im.Channel, rec.CustomerMsgID, out))
	if !res.OK {
		return Delivery{OK: false, Error: res.Error}, nil
	}

	s.repoint(ctx, rec, coalesce(msg.TS, prevTS), coalesce(res.TS, rec.CustomerMsgID))
	return Delivery{OK: true, Tracked: true, TS: res.TS}, nil
}

// EditFromCustomer mirrors a customer-side edit onto the channel's copy.
func (s *Service) EditFromCustomer(ctx context.Context, ch channels.Channel, prevTS string, msg action.Message) (Delivery, error) {
	rec, err := s.corr.FindByCustomerID(ctx, ch.ID, prevTS)
	if errors.Is(err, correlation.ErrNotFound) {
		return Delivery{OK: true, Tracked: false}, nil
	}
	if err != nil {
		return Delivery{}, err
	}
	if rec.IntegrationMsgID == "" {
		return Delivery{OK: true, Tracked: false}, nil
	}

	display, icon := s.senderIdentity(ctx, ch, msg.User)

	integrationConn, err := s.conns.IntegrationConn(ctx, ch.IntegrationID)
	if err != nil {
		return Delivery{}, err
	}

	out := action.Message{
		Text:        msg.Text,
		Attachments: msg.Attachments,
		Username:    display,
		IconURL:     icon,
	}
	res := integrationConn.Do(ctx, action.NewUpdateMessage(ch.PlatformChannelID, rec.IntegrationMsgID, out))
	if !res.OK {
		return Delivery{OK: false, Error: res.Error}, nil
	}

	s.repoint(ctx, rec, coalesce(res.TS, rec.IntegrationMsgID), coalesce(msg.TS, prevTS))
	return Delivery{OK: true, Tracked: true, TS: res.TS}, nil
}

// ForwardFooter annotates a forwarded message with its origin.
func (s *Service) ForwardFooter(display string) string {
	return fmt.Sprintf("sent by %s from %s", display, s.cfg.BotName)
}

// revive unarchives the channel and replays recent history before delivery.
// Profile resolution is best effort; revival proceeds with a bare platform id
// when the workspace cannot be reached.
func (s *Service) revive(ctx context.Context, ch channels.Channel, platformUserID string) (channels.Channel, error) {
	if platformUserID == "" {
		platformUserID = ch.PlatformUserID
	}
	profile := identity.Profile{PlatformID: platformUserID}
	if workspaceConn, err := s.conns.WorkspaceConn(ctx, ch.WorkspaceID, ch.OrganizationID); err == nil {
		if p, err := s.identity.ResolveUser(ctx, workspaceConn, ch.WorkspaceID, platformUserID); err == nil {
			profile = p
		}
	}
	return s.channels.Revive(ctx, ch, profile)
}

func (s *Service) senderIdentity(ctx context.Context, ch channels.Channel, platformUserID string) (display, icon string) {
	if platformUserID == "" {
		return s.cfg.BotName, ""
	}

	workspaceConn, err := s.conns.WorkspaceConn(ctx, ch.WorkspaceID, ch.OrganizationID)
	if err != nil {
		s.logger.Warn("sender resolution skipped", slog.Any("error", err))
		return platformUserID, ""
	}
	profile, err := s.identity.ResolveUser(ctx, workspaceConn, ch.WorkspaceID, platformUserID)
	if err != nil {
		return platformUserID, ""
	}
	return profile.Display(), profile.ProfileImage
}

// afterDelivery records the correlation and activity for a delivered message.
// Both are best effort; a delivered message is never reported as failed over
// bookkeeping.
func (s *Service) afterDelivery(ctx context.Context, ch channels.Channel, integrationTS, customerTS string) {
	if integrationTS != "" || customerTS != "" {
		if _, err := s.corr.RecordSend(ctx, ch.ID, integrationTS, customerTS); err != nil &&
			!errors.Is(err, correlation.ErrDuplicate) {
			s.logger.Warn("correlation record failed",
				slog.String("channel_id", ch.ID),
				slog.Any("error", err),
			)
		}
	}
	if err := s.chStore.TouchLastMessage(ctx, ch.ID, time.Now().UTC()); err != nil {
		s.logger.Warn("activity touch failed", slog.String("channel_id", ch.ID), slog.Any("error", err))
	}
}

func (s *Service) repoint(ctx context.Context, rec correlation.Record, integrationTS, customerTS string) {
	if err := s.corr.Repoint(ctx, rec.ID, integrationTS, customerTS); err != nil {
		s.logger.Warn("correlation repoint failed", slog.String("record_id", rec.ID), slog.Any("error", err))
	}
}

func coalesce(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/teampayhq/megatron/internal/action"
	"github.com/teampayhq/megatron/internal/auth"
	"github.com/teampayhq/megatron/internal/channels"
	"github.com/teampayhq/megatron/internal/command"
	"github.com/teampayhq/megatron/internal/correlation"
	"github.com/teampayhq/megatron/internal/directory"
	"github.com/teampayhq/megatron/internal/identity"
)

// dispatcher is the command service slice the interpreter endpoints use.
type dispatcher interface {
	Dispatch(ctx context.Context, req command.Request) command.Reply
	HandleSelection(ctx context.Context, req command.Request, callbackID, value string) command.Reply
}

// directorySource resolves the tenant an interpreter request belongs to.
type directorySource interface {
	IntegrationByPlatform(ctx context.Context, pt action.PlatformType, platformID string) (directory.Integration, error)
	OrganizationByID(ctx context.Context, id string) (directory.Organization, error)
}

// claimer dedupes webhook deliveries through the correlation store.
type claimer interface {
	Claim(ctx context.Context, channelID, integrationMsgID, customerMsgID string) (correlation.Record, error)
}

// warner posts the debounced not-paused reminder.
type warner interface {
	WarnUnpaused(ctx context.Context, ch channels.Channel) bool
}

// agents resolves agent display profiles.
type agents interface {
	ResolveAgent(ctx context.Context, conn action.Connection, integrationID, platformID string) (identity.Profile, error)
}

// submitter runs forward deliveries off the request path.
type submitter interface {
	Submit(name string, fn func(ctx context.Context) error) error
}

// SlackHandler serves the Slack interpreter endpoints: slash commands,
// interactive messages, and the events webhook. These routes authenticate
// through the platform verification token rather than an organization token.
type SlackHandler struct {
	verificationToken string

	commands dispatcher
	tenants  directorySource
	chStore  channelSource
	relay    relayer
	corr     claimer
	channels warner
	identity agents
	conns    connector
	runner   submitter
	logger   *slog.Logger
}

// NewSlackHandler creates the interpreter handler.
func NewSlackHandler(
	log *slog.Logger,
	verificationToken string,
	commands dispatcher,
	tenants directorySource,
	chStore channelSource,
	rel relayer,
	corr claimer,
	ch warner,
	ident agents,
	conns connector,
	runner submitter,
) *SlackHandler {
	return &SlackHandler{
		verificationToken: verificationToken,
		commands:          commands,
		tenants:           tenants,
		chStore:           chStore,
		relay:             rel,
		corr:              corr,
		channels:          ch,
		identity:          ident,
		conns:             conns,
		runner:            runner,
		logger:            log.With(slog.String("handler", "slack")),
	}
}

// Register mounts the interpreter routes.
func (h *SlackHandler) Register(e *echo.Echo) {
	group := e.Group("/megatron/slack")
	group.POST("/slash-command", h.SlashCommand)
	group.POST("/interactive-message", h.InteractiveMessage)
	group.POST("/event", h.Event)
}

// SlashCommand handles one slash command. The reply body goes straight back
// to the issuing agent; the command action itself runs asynchronously.
func (h *SlackHandler) SlashCommand(c echo.Context) error {
	if err := auth.VerifySlackToken(h.verificationToken, c.FormValue("token")); err != nil {
		return err
	}

	ctx := c.Request().Context()
	req, err := h.commandRequest(ctx, c.FormValue("team_id"), c)
	if err != nil {
		return c.JSON(http.StatusOK, command.Reply{Text: "No integration registered for this workspace."})
	}
	req.Text = c.FormValue("text")

	return c.JSON(http.StatusOK, h.commands.Dispatch(ctx, req))
}

type interactivePayload struct {
	Token       string `json:"token"`
	CallbackID  string `json:"callback_id"`
	ResponseURL string `json:"response_url"`
	Team        struct {
		ID string `json:"id"`
	} `json:"team"`
	Channel struct {
		ID string `json:"id"`
	} `json:"channel"`
	User struct {
		ID string `json:"id"`
	} `json:"user"`
	Actions []struct {
		Name            string `json:"name"`
		Type            string `json:"type"`
		Value           string `json:"value"`
		SelectedOptions []struct {
			Value string `json:"value"`
		} `json:"selected_options"`
	} `json:"actions"`
}

// InteractiveMessage handles button clicks and select choices: target
// disambiguation follow-ups, pause buttons, and broadcast feedback.
func (h *SlackHandler) InteractiveMessage(c echo.Context) error {
	var payload interactivePayload
	if err := json.Unmarshal([]byte(c.FormValue("payload")), &payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed payload")
	}

	if payload.CallbackID == "capture_feedback" {
		return c.JSON(http.StatusOK, command.Reply{Text: "Thanks for the feedback!"})
	}
	if len(payload.Actions) == 0 {
		return c.JSON(http.StatusOK, command.Reply{Text: "Received unknown action type"})
	}

	var value string
	switch payload.Actions[0].Type {
	case "select":
		if len(payload.Actions[0].SelectedOptions) == 0 {
			return c.JSON(http.StatusOK, command.Reply{Text: "Received unknown action type"})
		}
		value = payload.Actions[0].SelectedOptions[0].Value
	case "button":
		value = payload.Actions[0].Value
	default:
		return c.JSON(http.StatusOK, command.Reply{Text: "Received unknown action type"})
	}

	ctx := c.Request().Context()
	req, err := h.commandRequest(ctx, payload.Team.ID, c)
	if err != nil {
		return c.JSON(http.StatusOK, command.Reply{Text: "No integration registered for this workspace."})
	}
	req.PlatformChannelID = payload.Channel.ID
	req.PlatformUserID = payload.User.ID
	req.ResponseURL = payload.ResponseURL

	return c.JSON(http.StatusOK, h.commands.HandleSelection(ctx, req, payload.CallbackID, value))
}

type eventMessage struct {
	Text        any                 `json:"text"`
	Attachments []action.Attachment `json:"attachments"`
	TS          string              `json:"ts"`
	User        string              `json:"user"`
	BotID       string              `json:"bot_id"`
	SubType     string              `json:"subtype"`
}

type innerEvent struct {
	Type            string              `json:"type"`
	SubType         string              `json:"subtype"`
	Channel         string              `json:"channel"`
	User            string              `json:"user"`
	Text            any                 `json:"text"`
	TS              string              `json:"ts"`
	EventTS         string              `json:"event_ts"`
	BotID           string              `json:"bot_id"`
	Attachments     []action.Attachment `json:"attachments"`
	Files           []action.FileRef    `json:"files"`
	Message         *eventMessage       `json:"message"`
	PreviousMessage *eventMessage       `json:"previous_message"`
}

type eventPayload struct {
	Type      string     `json:"type"`
	Challenge string     `json:"challenge"`
	Event     innerEvent `json:"event"`
}

// Event handles the events webhook. Every accepted delivery is acknowledged
// with 200 regardless of downstream outcome; Slack must never be made to
// retry a send.
func (h *SlackHandler) Event(c echo.Context) error {
	var payload eventPayload
	if err := json.NewDecoder(c.Request().Body).Decode(&payload); err != nil {
		return c.JSON(http.StatusOK, map[string]any{"error": true, "error_message": "Invalid JSON"})
	}

	if payload.Type == "url_verification" {
		return c.String(http.StatusOK, payload.Challenge)
	}
	if payload.Type != "event_callback" {
		return c.NoContent(http.StatusOK)
	}

	ev := payload.Event
	if ev.Type != "message" {
		return c.NoContent(http.StatusOK)
	}
	if ev.BotID != "" {
		return c.NoContent(http.StatusOK)
	}
	if ev.Message != nil && (ev.Message.BotID != "" || ev.Message.SubType == "bot_message") {
		return c.NoContent(http.StatusOK)
	}

	ctx := c.Request().Context()
	ch, err := h.chStore.ByPlatformChannelID(ctx, ev.Channel)
	if err != nil {
		return c.NoContent(http.StatusOK)
	}

	if _, err := h.corr.Claim(ctx, ch.ID, ev.EventTS, ""); err != nil {
		if errors.Is(err, correlation.ErrDuplicate) {
			h.logger.Warn("discarding duplicate event",
				slog.String("channel_id", ch.ID),
				slog.String("event_ts", ev.EventTS),
			)
			return c.NoContent(http.StatusOK)
		}
		h.logger.Warn("event claim failed", slog.String("channel_id", ch.ID), slog.Any("error", err))
	}

	switch ev.SubType {
	case "file_share":
		h.forwardAsync(ch, action.Message{Text: ev.Text, Files: ev.Files, TS: ev.TS}, ev.User)

	case "message_changed":
		if ev.Message == nil || ev.PreviousMessage == nil {
			break
		}
		msg := action.Message{
			Text:        ev.Message.Text,
			Attachments: ev.Message.Attachments,
			TS:          ev.Message.TS,
			User:        ev.Message.User,
		}
		if _, err := h.relay.EditFromIntegration(ctx, ch, ev.PreviousMessage.TS, msg); err != nil {
			h.logger.Warn("agent edit failed", slog.String("channel_id", ch.ID), slog.Any("error", err))
		}

	case "":
		if !ch.IsPaused {
			h.channels.WarnUnpaused(ctx, ch)
		}
		h.forwardAsync(ch, action.Message{Text: ev.Text, Attachments: ev.Attachments, TS: ev.TS}, ev.User)
	}

	return c.NoContent(http.StatusOK)
}

// forwardAsync delivers an agent message to the customer off the webhook
// path.
func (h *SlackHandler) forwardAsync(ch channels.Channel, msg action.Message, agentID string) {
	err := h.runner.Submit("forward", func(ctx context.Context) error {
		display := h.agentDisplay(ctx, ch, agentID)
		d, err := h.relay.Forward(ctx, ch, msg, display)
		if err != nil {
			return err
		}
		if !d.OK {
			h.logger.Warn("forward delivery failed",
				slog.String("channel_id", ch.ID),
				slog.String("error", d.Error),
			)
		}
		return nil
	})
	if err != nil {
		h.logger.Error("forward enqueue failed", slog.String("channel_id", ch.ID), slog.Any("error", err))
	}
}

func (h *SlackHandler) agentDisplay(ctx context.Context, ch channels.Channel, agentID string) string {
	if agentID == "" {
		return ""
	}
	conn, err := h.conns.IntegrationConn(ctx, ch.IntegrationID)
	if err != nil {
		return agentID
	}
	profile, err := h.identity.ResolveAgent(ctx, conn, ch.IntegrationID, agentID)
	if err != nil {
		return agentID
	}
	return profile.Display()
}

// commandRequest builds the tenant half of a command request from the
// issuing workspace's platform team id.
func (h *SlackHandler) commandRequest(ctx context.Context, teamID string, c echo.Context) (command.Request, error) {
	it, err := h.tenants.IntegrationByPlatform(ctx, action.PlatformSlack, teamID)
	if err != nil {
		return command.Request{}, err
	}
	org, err := h.tenants.OrganizationByID(ctx, it.OrganizationID)
	if err != nil {
		return command.Request{}, err
	}
	return command.Request{
		Org:               org,
		Integration:       it,
		PlatformChannelID: c.FormValue("channel_id"),
		PlatformUserID:    c.FormValue("user_id"),
		ResponseURL:       c.FormValue("response_url"),
	}, nil
}

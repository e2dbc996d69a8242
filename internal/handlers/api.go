// Package handlers exposes the relay over HTTP: the token-authenticated
// integration API and the Slack interpreter endpoints (slash commands,
// interactive messages, events).
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/teampayhq/megatron/internal/action"
	"github.com/teampayhq/megatron/internal/auth"
	"github.com/teampayhq/megatron/internal/channels"
	"github.com/teampayhq/megatron/internal/directory"
	"github.com/teampayhq/megatron/internal/relay"
)

// relayer is the slice of the relay service the HTTP surface drives.
type relayer interface {
	Incoming(ctx context.Context, ch channels.Channel, msg action.Message) (relay.Delivery, error)
	Outgoing(ctx context.Context, ch channels.Channel, msg action.Message) (relay.Delivery, error)
	Forward(ctx context.Context, ch channels.Channel, msg action.Message, display string) (relay.Delivery, error)
	EditFromIntegration(ctx context.Context, ch channels.Channel, prevTS string, msg action.Message) (relay.Delivery, error)
	EditFromCustomer(ctx context.Context, ch channels.Channel, prevTS string, msg action.Message) (relay.Delivery, error)
}

// channelSource is the channel lookup slice the handlers read.
type channelSource interface {
	ByPlatformUser(ctx context.Context, platformUserID string) (channels.Channel, error)
	ByPlatformChannelID(ctx context.Context, platformChannelID string) (channels.Channel, error)
}

// tenantSource resolves integrations and registers workspaces.
type tenantSource interface {
	IntegrationByPlatform(ctx context.Context, pt action.PlatformType, platformID string) (directory.Integration, error)
	UpsertWorkspace(ctx context.Context, w directory.Workspace) (directory.Workspace, error)
}

// connector builds provider connections.
type connector interface {
	IntegrationConn(ctx context.Context, integrationID string) (action.Connection, error)
}

// APIHandler serves the integration-facing endpoints under /megatron/.
// Every route requires the MegatronToken organization auth.
type APIHandler struct {
	relay   relayer
	chStore channelSource
	tenants tenantSource
	conns   connector
	logger  *slog.Logger
}

// NewAPIHandler creates the integration API handler.
func NewAPIHandler(log *slog.Logger, rel relayer, chStore channelSource, tenants tenantSource, conns connector) *APIHandler {
	return &APIHandler{
		relay:   rel,
		chStore: chStore,
		tenants: tenants,
		conns:   conns,
		logger:  log.With(slog.String("handler", "api")),
	}
}

// Register mounts the integration API routes.
func (h *APIHandler) Register(e *echo.Echo) {
	e.GET("/ping", h.Ping)
	group := e.Group("/megatron")
	group.POST("/incoming", h.Incoming)
	group.POST("/outgoing", h.Outgoing)
	group.POST("/edit", h.Edit)
	group.POST("/broadcast", h.Broadcast)
	group.POST("/notify-user", h.NotifyUser)
	group.POST("/register-workspace", h.RegisterWorkspace)
}

// Ping is the liveness probe.
func (h *APIHandler) Ping(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

type incomingRequest struct {
	Message action.Message `json:"message"`
}

// Incoming relays a customer message into its integration channel. Unknown
// channels acknowledge without relaying so the caller never retries them;
// archived channels are revived by the relay.
func (h *APIHandler) Incoming(c echo.Context) error {
	var req incomingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	org, err := organization(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}

	ctx := c.Request().Context()
	ch, err := h.chStore.ByPlatformUser(ctx, req.Message.User)
	if err != nil || ch.OrganizationID != org.ID {
		return c.JSON(http.StatusOK, relay.Delivery{OK: true, Tracked: false})
	}

	d, err := h.relay.Incoming(ctx, ch, req.Message)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !d.OK {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": d.Error})
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

type outgoingRequest struct {
	User    string         `json:"user"`
	TS      string         `json:"ts"`
	Message action.Message `json:"message"`
}

// Outgoing mirrors a bot reply into the integration channel, redacted.
func (h *APIHandler) Outgoing(c echo.Context) error {
	var req outgoingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	org, err := organization(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}

	ctx := c.Request().Context()
	ch, err := h.chStore.ByPlatformUser(ctx, req.User)
	if err != nil || ch.IsArchived || ch.OrganizationID != org.ID {
		return c.JSON(http.StatusOK, relay.Delivery{OK: true, Tracked: false})
	}

	msg := req.Message
	msg.TS = req.TS
	d, err := h.relay.Outgoing(ctx, ch, msg)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !d.OK {
		return c.JSON(http.StatusInternalServerError, map[string]any{"error": d.Error, "track": false})
	}
	return c.JSON(http.StatusOK, relay.Delivery{OK: true, Tracked: true})
}

type editRequest struct {
	Channel         string         `json:"channel"`
	User            string         `json:"user"`
	Message         action.Message `json:"message"`
	PreviousMessage struct {
		TS string `json:"ts"`
	} `json:"previous_message"`
}

// Edit mirrors a customer-side message edit onto the integration copy. Edits
// of messages the relay itself forwarded (recognizable by their footer) and
// uncorrelated edits are acknowledged without action.
func (h *APIHandler) Edit(c echo.Context) error {
	var req editRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	// The footer is currently the only way to recognize our own forwards.
	if n := len(req.Message.Attachments); n > 0 &&
		strings.HasPrefix(req.Message.Attachments[n-1].Footer, "sent by") {
		return c.JSON(http.StatusOK, map[string]bool{"ok": true})
	}

	ctx := c.Request().Context()
	var (
		ch  channels.Channel
		err error
	)
	switch {
	case req.Message.User != "":
		ch, err = h.chStore.ByPlatformUser(ctx, req.Message.User)
	case req.Channel != "":
		ch, err = h.chStore.ByPlatformChannelID(ctx, req.Channel)
	default:
		return c.JSON(http.StatusOK, map[string]bool{"ok": true})
	}
	if err != nil {
		return c.JSON(http.StatusOK, map[string]bool{"ok": true})
	}

	if _, err := h.relay.EditFromCustomer(ctx, ch, req.PreviousMessage.TS, req.Message); err != nil {
		h.logger.Warn("customer edit failed", slog.String("channel_id", ch.ID), slog.Any("error", err))
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

type broadcastTarget struct {
	PlatformType string   `json:"platform_type"`
	OrgID        string   `json:"org_id"`
	UserIDs      []string `json:"user_ids"`
}

type broadcastRequest struct {
	Text            string            `json:"text"`
	Broadcasts      []broadcastTarget `json:"broadcasts"`
	CaptureFeedback bool              `json:"capture_feedback"`
}

// Broadcast delivers one message to many users across integrations. Failures
// are collected per integration platform id; partial delivery still reports
// them all.
func (h *APIHandler) Broadcast(c echo.Context) error {
	var req broadcastRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Text == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Missing required param 'text'."})
	}
	if len(req.Broadcasts) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Missing required param 'broadcasts'."})
	}

	var msg action.Message
	if err := json.Unmarshal([]byte(req.Text), &msg); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Broadcast message is malformed."})
	}

	ctx := c.Request().Context()
	failures := map[string][]action.BroadcastFailure{}
	for _, target := range req.Broadcasts {
		it, err := h.tenants.IntegrationByPlatform(ctx, action.PlatformType(target.PlatformType), target.OrgID)
		if err != nil {
			failures[target.OrgID] = []action.BroadcastFailure{{Error: "unknown integration"}}
			continue
		}
		conn, err := h.conns.IntegrationConn(ctx, it.ID)
		if err != nil {
			failures[target.OrgID] = []action.BroadcastFailure{{Error: err.Error()}}
			continue
		}
		res := conn.Do(ctx, action.NewBroadcast(msg, target.UserIDs, req.CaptureFeedback))
		if !res.OK {
			failures[target.OrgID] = res.Errors
		}
	}

	if len(failures) > 0 {
		return c.JSON(http.StatusOK, map[string]any{"errors": failures})
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

type notifyUserRequest struct {
	Message      action.Message `json:"message"`
	UserID       string         `json:"user_id"`
	ChannelID    string         `json:"channel_id"`
	PlatformType string         `json:"platform_type"`
}

// NotifyUser posts an ephemeral notification to an agent inside a tracked
// channel.
func (h *APIHandler) NotifyUser(c echo.Context) error {
	var req notifyUserRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	ch, err := h.chStore.ByPlatformChannelID(ctx, req.ChannelID)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "channel not found")
	}
	conn, err := h.conns.IntegrationConn(ctx, ch.IntegrationID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	res := conn.Do(ctx, action.NewPostEphemeral(req.ChannelID, req.UserID, req.Message))
	if !res.OK {
		return c.JSON(http.StatusInternalServerError, map[string]any{"error": res.Error, "track": false})
	}
	return c.JSON(http.StatusOK, relay.Delivery{OK: true, Tracked: true})
}

type registerWorkspaceRequest struct {
	PlatformType    string `json:"platform_type"`
	PlatformID      string `json:"platform_id"`
	Name            string `json:"name"`
	Domain          string `json:"domain"`
	ConnectionToken string `json:"connection_token"`
}

// RegisterWorkspace creates or refreshes a customer workspace record.
func (h *APIHandler) RegisterWorkspace(c echo.Context) error {
	var req registerWorkspaceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	pt := action.PlatformType(strings.ToLower(req.PlatformType))
	if pt != action.PlatformSlack {
		return echo.NewHTTPError(http.StatusBadRequest, "Unknown platform type.")
	}

	_, err := h.tenants.UpsertWorkspace(c.Request().Context(), directory.Workspace{
		Name:            req.Name,
		PlatformType:    pt,
		PlatformID:      req.PlatformID,
		ConnectionToken: req.ConnectionToken,
		Domain:          req.Domain,
	})
	if err != nil {
		h.logger.Error("workspace registration failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "could not register workspace")
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// organization pulls the authenticated organization off the request.
func organization(c echo.Context) (directory.Organization, error) {
	org, ok := auth.OrganizationFromContext(c)
	if !ok {
		return directory.Organization{}, errors.New("no organization in request context")
	}
	return org, nil
}

// Package controlplane implements the client side of the per-organization
// command endpoint: the external HTTP service coordinating pause, user search,
// context clearing, message pushes, and workspace credential refreshes.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// DefaultTimeout bounds every control-plane round trip.
const DefaultTimeout = 10 * time.Second

// Endpoint identifies one organization's command endpoint.
type Endpoint struct {
	CommandURL        string
	VerificationToken string
}

// Configured reports whether the organization has provided a command URL.
func (e Endpoint) Configured() bool {
	return e.CommandURL != ""
}

// FoundUser is one match returned by a search_user command.
type FoundUser struct {
	Username       string `json:"username"`
	PlatformUserID string `json:"platform_user_id"`
	PlatformTeamID string `json:"platform_team_id"`
}

// WorkspaceData is the fresh connection data returned by refresh_workspace.
type WorkspaceData struct {
	Name            string `json:"name"`
	Domain          string `json:"domain"`
	ConnectionToken string `json:"connection_token"`
}

// Response is the normalized command outcome. Transport failures surface as
// OK=false with Error set; they are never propagated as panics or raw errors.
type Response struct {
	OK     bool           `json:"ok"`
	Error  string         `json:"error,omitempty"`
	Status int            `json:"-"`
	Users  []FoundUser    `json:"users,omitempty"`
	Data   *WorkspaceData `json:"data,omitempty"`
}

// Client posts commands to organization endpoints.
type Client struct {
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a control-plane client. A nil httpClient gets the default
// timeout applied.
func NewClient(log *slog.Logger, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		http:   httpClient,
		logger: log.With(slog.String("service", "controlplane")),
	}
}

// PauseRequest asks the integration to pause or unpause its bot for one user.
type PauseRequest struct {
	ChannelID      string
	PlatformUserID string
	TeamID         string
	Paused         bool
}

// Pause issues the pause command. Callers must treat OK=false as "leave local
// state unchanged".
func (c *Client) Pause(ctx context.Context, ep Endpoint, req PauseRequest) Response {
	return c.post(ctx, ep, map[string]any{
		"command":          "pause",
		"channel_id":       req.ChannelID,
		"platform_user_id": req.PlatformUserID,
		"team_id":          req.TeamID,
		"paused":           req.Paused,
	})
}

// SearchUser resolves a free-text name to candidate users.
func (c *Client) SearchUser(ctx context.Context, ep Endpoint, name string) Response {
	return c.post(ctx, ep, map[string]any{
		"command":            "search_user",
		"targeted_user_name": name,
	})
}

// ClearContext clears the bot conversation context for one user.
func (c *Client) ClearContext(ctx context.Context, ep Endpoint, platformUserID string) Response {
	return c.post(ctx, ep, map[string]any{
		"command":          "clear-context",
		"platform_user_id": platformUserID,
	})
}

// PushRequest delivers an agent-authored message to a customer through the
// integration's own pipeline.
type PushRequest struct {
	Text              string
	ChannelID         string
	PlatformUserID    string
	PlatformChannelID string
}

// PushMessage issues the push_message command.
func (c *Client) PushMessage(ctx context.Context, ep Endpoint, req PushRequest) Response {
	return c.post(ctx, ep, map[string]any{
		"command":             "push_message",
		"message":             map[string]string{"text": req.Text},
		"channel_id":          req.ChannelID,
		"platform_user_id":    req.PlatformUserID,
		"platform_channel_id": req.PlatformChannelID,
	})
}

// RefreshWorkspace requests fresh connection data for the workspace owning the
// current (invalid) credential.
func (c *Client) RefreshWorkspace(ctx context.Context, ep Endpoint) Response {
	return c.post(ctx, ep, map[string]any{
		"command": "refresh_workspace",
	})
}

func (c *Client) post(ctx context.Context, ep Endpoint, body map[string]any) Response {
	if !ep.Configured() {
		return Response{OK: false, Error: "no command url provided for organization"}
	}
	body["megatron_verification_token"] = ep.VerificationToken

	payload, err := json.Marshal(body)
	if err != nil {
		return Response{OK: false, Error: fmt.Sprintf("encode command: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.CommandURL, bytes.NewReader(payload))
	if err != nil {
		return Response{OK: false, Error: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("control-plane request failed",
			slog.String("command", fmt.Sprint(body["command"])),
			slog.Any("error", err),
		)
		return Response{OK: false, Error: "Timeout error"}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{Status: resp.StatusCode, OK: false, Error: fmt.Sprintf("read response: %v", err)}
	}

	out := Response{Status: resp.StatusCode}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err == nil {
		_ = json.Unmarshal(raw, &out)
		out.Status = resp.StatusCode
		if _, explicit := fields["ok"]; !explicit {
			// Some endpoints reply without an ok field; a 200 still counts.
			out.OK = resp.StatusCode == http.StatusOK
		}
	} else {
		// Bare, non-JSON body.
		out.OK = resp.StatusCode == http.StatusOK
	}
	if resp.StatusCode != http.StatusOK {
		out.OK = false
		if out.Error == "" {
			out.Error = fmt.Sprintf("control-plane status %d", resp.StatusCode)
		}
	}
	return out
}

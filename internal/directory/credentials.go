package directory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/teampayhq/megatron/internal/action"
	"github.com/teampayhq/megatron/internal/controlplane"
)

// credentialStore is the slice of Store the refresh hook needs.
type credentialStore interface {
	RotateWorkspaceCredential(ctx context.Context, id, token, name, domain string) error
}

// Credentials turns tenant records into action credentials. Workspace
// credentials carry a refresh hook that asks the control plane for fresh
// connection data and persists the rotation before handing the token back;
// integration credentials are static.
type Credentials struct {
	store  credentialStore
	cp     *controlplane.Client
	logger *slog.Logger
}

// NewCredentials creates a credential service.
func NewCredentials(log *slog.Logger, store credentialStore, cp *controlplane.Client) *Credentials {
	return &Credentials{
		store:  store,
		cp:     cp,
		logger: log.With(slog.String("service", "credentials")),
	}
}

// ForWorkspace snapshots the workspace token and attaches the refresh hook.
func (c *Credentials) ForWorkspace(ws Workspace, org Organization) action.Credential {
	return action.Credential{
		Token:   ws.ConnectionToken,
		Refresh: c.refreshFunc(ws, org.Endpoint()),
	}
}

// ForIntegration snapshots the integration bot token. There is no refresh
// path for integration tokens; a rejected one needs operator attention.
func (c *Credentials) ForIntegration(it Integration) action.Credential {
	return action.Credential{Token: it.ConnectionToken}
}

func (c *Credentials) refreshFunc(ws Workspace, ep controlplane.Endpoint) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		resp := c.cp.RefreshWorkspace(ctx, ep)
		if !resp.OK || resp.Data == nil || resp.Data.ConnectionToken == "" {
			return "", fmt.Errorf("refresh workspace %s: %s", ws.ID, resp.Error)
		}
		err := c.store.RotateWorkspaceCredential(ctx, ws.ID,
			resp.Data.ConnectionToken, resp.Data.Name, resp.Data.Domain)
		if err != nil {
			return "", err
		}
		c.logger.Info("workspace credential rotated",
			slog.String("workspace_id", ws.ID),
			slog.String("domain", resp.Data.Domain),
		)
		return resp.Data.ConnectionToken, nil
	}
}

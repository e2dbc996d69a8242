package directory

import (
	"context"
	"fmt"

	"github.com/teampayhq/megatron/internal/action"
)

// Connector builds live provider connections from tenant records. Each call
// snapshots the stored token; workspace connections additionally carry the
// refresh hook.
type Connector struct {
	store    *Store
	creds    *Credentials
	registry *action.Registry
}

// NewConnector creates a connector.
func NewConnector(store *Store, creds *Credentials, registry *action.Registry) *Connector {
	return &Connector{store: store, creds: creds, registry: registry}
}

// IntegrationConn opens a connection on the integration's bot credential.
func (c *Connector) IntegrationConn(ctx context.Context, integrationID string) (action.Connection, error) {
	it, err := c.store.IntegrationByID(ctx, integrationID)
	if err != nil {
		return nil, fmt.Errorf("load integration %s: %w", integrationID, err)
	}
	conn, err := c.registry.Connect(it.PlatformType, c.creds.ForIntegration(it))
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// WorkspaceConn opens a connection on the workspace credential. The owning
// organization supplies the control-plane endpoint used if the token needs a
// refresh mid-call; with an empty organizationID the connection is built
// without a refresh hook.
func (c *Connector) WorkspaceConn(ctx context.Context, workspaceID, organizationID string) (action.Connection, error) {
	ws, err := c.store.WorkspaceByID(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("load workspace %s: %w", workspaceID, err)
	}

	cred := action.Credential{Token: ws.ConnectionToken}
	if organizationID != "" {
		org, err := c.store.OrganizationByID(ctx, organizationID)
		if err != nil {
			return nil, fmt.Errorf("load organization %s: %w", organizationID, err)
		}
		cred = c.creds.ForWorkspace(ws, org)
	}

	conn, err := c.registry.Connect(ws.PlatformType, cred)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

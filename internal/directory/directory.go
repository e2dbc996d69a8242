// Package directory holds the tenant records the relay routes between: the
// organization operating the relay, its integration-side bot connection, and
// the customer workspaces on the other end.
package directory

import (
	"time"

	"github.com/teampayhq/megatron/internal/action"
	"github.com/teampayhq/megatron/internal/controlplane"
)

// Organization is the tenant operating the relay. Handlers receive it
// explicitly; nothing resolves an ambient default.
type Organization struct {
	ID                string
	Name              string
	VerificationToken string
	CommandURL        string
	APIToken          string
	CreatedAt         time.Time
}

// Endpoint returns the organization's control-plane endpoint.
func (o Organization) Endpoint() controlplane.Endpoint {
	return controlplane.Endpoint{
		CommandURL:        o.CommandURL,
		VerificationToken: o.VerificationToken,
	}
}

// Integration is the organization's own bot connection on a chat platform,
// where relay channels live and agents reply.
type Integration struct {
	ID              string
	OrganizationID  string
	PlatformType    action.PlatformType
	PlatformID      string
	ConnectionToken string
	CreatedAt       time.Time
}

// Workspace is a customer chat workspace the relay message-brokers for. The
// connection token is a credential cell: rotation is a single-row update and
// every connection snapshots the token when built.
type Workspace struct {
	ID              string
	Name            string
	PlatformType    action.PlatformType
	PlatformID      string
	ConnectionToken string
	Domain          string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

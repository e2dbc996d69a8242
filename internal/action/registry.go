package action

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// PlatformType tags a chat provider backend.
type PlatformType string

// PlatformSlack is the only provider currently implemented.
const PlatformSlack PlatformType = "slack"

// ParsePlatformType validates a raw platform tag.
func ParsePlatformType(raw string) (PlatformType, error) {
	normalized := PlatformType(strings.ToLower(strings.TrimSpace(raw)))
	switch normalized {
	case PlatformSlack:
		return normalized, nil
	default:
		return "", fmt.Errorf("unsupported platform type: %s", raw)
	}
}

// Credential is a snapshot of a provider token plus an optional refresh hook.
// Readers take the snapshot once per connection; a concurrent rotation is
// observed only by connections built afterwards (or by the immediate retry a
// refresh was fetched for).
type Credential struct {
	Token string
	// AsUser controls whether sends are attributed to the token's user
	// rather than the bot identity.
	AsUser bool
	// Refresh exchanges an invalid token for a fresh one, persisting the
	// rotation atomically. Nil when the credential cannot be refreshed
	// (integration bot tokens).
	Refresh func(ctx context.Context) (string, error)
}

// Builder constructs connections for one provider backend.
type Builder interface {
	Type() PlatformType
	Connect(cred Credential) Connection
}

// Registry is the closed set of registered provider builders, keyed by
// platform type and resolved once at the orchestrator boundary.
type Registry struct {
	mu       sync.RWMutex
	builders map[PlatformType]Builder
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{builders: map[PlatformType]Builder{}}
}

// Register adds a provider builder to the registry.
func (r *Registry) Register(b Builder) error {
	if b == nil {
		return fmt.Errorf("builder is nil")
	}
	pt := b.Type()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.builders[pt]; exists {
		return fmt.Errorf("platform type already registered: %s", pt)
	}
	r.builders[pt] = b
	return nil
}

// MustRegister calls Register and panics on error.
func (r *Registry) MustRegister(b Builder) {
	if err := r.Register(b); err != nil {
		panic(err)
	}
}

// Connect resolves the builder for pt and opens a connection with cred.
func (r *Registry) Connect(pt PlatformType, cred Credential) (Connection, error) {
	r.mu.RLock()
	b, ok := r.builders[pt]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no provider registered for platform type: %s", pt)
	}
	return b.Connect(cred), nil
}

package directory

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teampayhq/megatron/internal/controlplane"
)

type fakeCredentialStore struct {
	rotatedID     string
	rotatedToken  string
	rotatedName   string
	rotatedDomain string
	err           error
}

func (f *fakeCredentialStore) RotateWorkspaceCredential(ctx context.Context, id, token, name, domain string) error {
	if f.err != nil {
		return f.err
	}
	f.rotatedID, f.rotatedToken, f.rotatedName, f.rotatedDomain = id, token, name, domain
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWorkspaceRefreshRotatesCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok": true, "data": {
			"name": "Acme", "domain": "acme", "connection_token": "xoxb-fresh"
		}}`))
	}))
	defer srv.Close()

	store := &fakeCredentialStore{}
	creds := NewCredentials(discardLogger(), store, controlplane.NewClient(nil, srv.Client()))

	ws := Workspace{ID: "ws-1", ConnectionToken: "xoxb-stale"}
	org := Organization{CommandURL: srv.URL, VerificationToken: "vtok"}
	cred := creds.ForWorkspace(ws, org)

	assert.Equal(t, "xoxb-stale", cred.Token)
	require.NotNil(t, cred.Refresh)

	token, err := cred.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "xoxb-fresh", token)
	assert.Equal(t, "ws-1", store.rotatedID)
	assert.Equal(t, "xoxb-fresh", store.rotatedToken)
	assert.Equal(t, "acme", store.rotatedDomain)
}

func TestWorkspaceRefreshFailureSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok": false, "error": "workspace unknown"}`))
	}))
	defer srv.Close()

	store := &fakeCredentialStore{}
	creds := NewCredentials(discardLogger(), store, controlplane.NewClient(nil, srv.Client()))

	cred := creds.ForWorkspace(
		Workspace{ID: "ws-1", ConnectionToken: "xoxb-stale"},
		Organization{CommandURL: srv.URL},
	)

	_, err := cred.Refresh(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workspace unknown")
	assert.Empty(t, store.rotatedToken)
}

func TestIntegrationCredentialHasNoRefresh(t *testing.T) {
	creds := NewCredentials(discardLogger(), &fakeCredentialStore{}, controlplane.NewClient(nil, nil))
	cred := creds.ForIntegration(Integration{ConnectionToken: "xoxb-bot"})

	assert.Equal(t, "xoxb-bot", cred.Token)
	assert.Nil(t, cred.Refresh)
}

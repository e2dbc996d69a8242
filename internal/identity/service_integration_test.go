package identity_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/teampayhq/megatron/internal/action"
	"github.com/teampayhq/megatron/internal/directory"
	"github.com/teampayhq/megatron/internal/identity"
)

// fakeConn serves user lookups from a fixed map and counts calls.
type fakeConn struct {
	users map[string]action.UserInfo
	calls int
}

func (f *fakeConn) Do(ctx context.Context, a action.Action) action.Result {
	f.calls++
	if a.Type != action.GetUserInfo {
		return action.Fail("unexpected action: " + a.Type.String())
	}
	u, ok := f.users[a.Params.User]
	if !ok {
		return action.Fail("user_not_found")
	}
	return action.Result{OK: true, User: &u}
}

func setupIdentityIntegrationTest(t *testing.T) (*identity.Service, string, func()) {
	t.Helper()

	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("skip integration test: TEST_POSTGRES_DSN is not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Skipf("skip integration test: cannot connect to database: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("skip integration test: database ping failed: %v", err)
	}

	ws, err := directory.NewStore(pool).UpsertWorkspace(ctx, directory.Workspace{
		Name:            "Acme",
		PlatformType:    action.PlatformSlack,
		PlatformID:      fmt.Sprintf("T%d", time.Now().UnixNano()),
		ConnectionToken: "xoxb-test",
		Domain:          "acme",
	})
	if err != nil {
		pool.Close()
		t.Fatalf("create workspace failed: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := identity.NewService(logger, identity.NewStore(pool))
	return svc, ws.ID, func() { pool.Close() }
}

func TestIntegrationResolveUserCachesProfile(t *testing.T) {
	svc, workspaceID, cleanup := setupIdentityIntegrationTest(t)
	defer cleanup()

	ctx := context.Background()
	conn := &fakeConn{users: map[string]action.UserInfo{
		"U100": {ID: "U100", Name: "pbeesly", DisplayName: "Pam", RealName: "Pamela Beesly"},
	}}

	first, err := svc.ResolveUser(ctx, conn, workspaceID, "U100")
	if err != nil {
		t.Fatalf("first resolve failed: %v", err)
	}
	if first.Display() != "Pam" {
		t.Fatalf("expected display Pam, got %s", first.Display())
	}

	second, err := svc.ResolveUser(ctx, conn, workspaceID, "U100")
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected stable profile id, got %s and %s", first.ID, second.ID)
	}
	if conn.calls != 1 {
		t.Fatalf("expected exactly one provider lookup, got %d", conn.calls)
	}
}

func TestIntegrationResolveUserProviderFailure(t *testing.T) {
	svc, workspaceID, cleanup := setupIdentityIntegrationTest(t)
	defer cleanup()

	conn := &fakeConn{users: map[string]action.UserInfo{}}
	_, err := svc.ResolveUser(context.Background(), conn, workspaceID, "U404")
	if err == nil {
		t.Fatal("expected an error for an unknown user")
	}
}

func TestIntegrationRefreshAllOverwritesDisplayFields(t *testing.T) {
	svc, workspaceID, cleanup := setupIdentityIntegrationTest(t)
	defer cleanup()

	ctx := context.Background()
	conn := &fakeConn{users: map[string]action.UserInfo{
		"U200": {ID: "U200", Name: "mscott", DisplayName: "Michael"},
	}}
	if _, err := svc.ResolveUser(ctx, conn, workspaceID, "U200"); err != nil {
		t.Fatalf("seed resolve failed: %v", err)
	}

	conn.users["U200"] = action.UserInfo{ID: "U200", Name: "mscott", DisplayName: "Prison Mike"}
	if err := svc.RefreshAll(ctx, conn, workspaceID); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	got, err := svc.ResolveUser(ctx, conn, workspaceID, "U200")
	if err != nil {
		t.Fatalf("resolve after refresh failed: %v", err)
	}
	if got.Display() != "Prison Mike" {
		t.Fatalf("expected refreshed display name, got %s", got.Display())
	}
}

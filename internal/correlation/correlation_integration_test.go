package correlation_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/teampayhq/megatron/internal/correlation"
)

func setupCorrelationIntegrationTest(t *testing.T) (*correlation.Store, string, func()) {
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

	// The channel row only needs to exist for the FK; build the minimal chain.
	var channelID string
	err = pool.QueryRow(ctx, `
		WITH org AS (
			INSERT INTO organizations (name, verification_token, api_token)
			VALUES ('corr-test', 'vtok', $1)
			RETURNING id
		)
		INSERT INTO channels (organization_id, platform_channel_id, platform_user_id)
		SELECT id, $2, $3 FROM org
		RETURNING id::text`,
		fmt.Sprintf("tok_%d", time.Now().UnixNano()),
		fmt.Sprintf("C%d", time.Now().UnixNano()),
		fmt.Sprintf("U%d", time.Now().UnixNano()),
	).Scan(&channelID)
	if err != nil {
		pool.Close()
		t.Fatalf("seed channel failed: %v", err)
	}

	return correlation.NewStore(pool), channelID, func() { pool.Close() }
}

func TestIntegrationClaimDetectsReplay(t *testing.T) {
	store, channelID, cleanup := setupCorrelationIntegrationTest(t)
	defer cleanup()

	ctx := context.Background()
	ts := fmt.Sprintf("%d.000100", time.Now().Unix())

	first, err := store.Claim(ctx, channelID, "", ts)
	if err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	if first.CustomerMsgID != ts {
		t.Fatalf("expected customer id %s, got %s", ts, first.CustomerMsgID)
	}

	_, err = store.Claim(ctx, channelID, "", ts)
	if !errors.Is(err, correlation.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate on replay, got %v", err)
	}
}

func TestIntegrationRecordSendIsIdempotent(t *testing.T) {
	store, channelID, cleanup := setupCorrelationIntegrationTest(t)
	defer cleanup()

	ctx := context.Background()
	intTS := fmt.Sprintf("%d.000200", time.Now().Unix())
	custTS := fmt.Sprintf("%d.000300", time.Now().Unix())

	first, err := store.RecordSend(ctx, channelID, intTS, custTS)
	if err != nil {
		t.Fatalf("first record failed: %v", err)
	}

	second, err := store.RecordSend(ctx, channelID, intTS, custTS)
	if err != nil {
		t.Fatalf("repeat record failed: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected the same record, got %s and %s", first.ID, second.ID)
	}
}

func TestIntegrationRecordSendCompletesCounterpart(t *testing.T) {
	store, channelID, cleanup := setupCorrelationIntegrationTest(t)
	defer cleanup()

	ctx := context.Background()
	custTS := fmt.Sprintf("%d.000400", time.Now().Unix())
	intTS := fmt.Sprintf("%d.000500", time.Now().Unix())

	claimed, err := store.Claim(ctx, channelID, "", custTS)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	completed, err := store.RecordSend(ctx, channelID, intTS, custTS)
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if completed.ID != claimed.ID {
		t.Fatalf("expected claim to be completed, got new record %s", completed.ID)
	}
	if completed.IntegrationMsgID != intTS {
		t.Fatalf("expected integration id %s, got %s", intTS, completed.IntegrationMsgID)
	}

	found, err := store.FindByIntegrationID(ctx, channelID, intTS)
	if err != nil {
		t.Fatalf("find by integration id failed: %v", err)
	}
	if found.CustomerMsgID != custTS {
		t.Fatalf("expected customer id %s, got %s", custTS, found.CustomerMsgID)
	}
}

func TestIntegrationRepointAfterEdit(t *testing.T) {
	store, channelID, cleanup := setupCorrelationIntegrationTest(t)
	defer cleanup()

	ctx := context.Background()
	intTS := fmt.Sprintf("%d.000600", time.Now().Unix())
	custTS := fmt.Sprintf("%d.000700", time.Now().Unix())
	newCustTS := fmt.Sprintf("%d.000800", time.Now().Unix())

	rec, err := store.RecordSend(ctx, channelID, intTS, custTS)
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}

	if err := store.Repoint(ctx, rec.ID, "", newCustTS); err != nil {
		t.Fatalf("repoint failed: %v", err)
	}

	if _, err := store.FindByCustomerID(ctx, channelID, newCustTS); err != nil {
		t.Fatalf("find by new customer id failed: %v", err)
	}
	_, err = store.FindByCustomerID(ctx, channelID, custTS)
	if !errors.Is(err, correlation.ErrNotFound) {
		t.Fatalf("expected old customer id to be gone, got %v", err)
	}
}

func TestIntegrationFindMissIsNotFound(t *testing.T) {
	store, channelID, cleanup := setupCorrelationIntegrationTest(t)
	defer cleanup()

	_, err := store.FindByIntegrationID(context.Background(), channelID, "9999999999.999999")
	if !errors.Is(err, correlation.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

package slackconn

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teampayhq/megatron/internal/action"
	"github.com/teampayhq/megatron/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// tokenOf extracts the bearer token regardless of whether the client sent it
// as a form field or an Authorization header.
func tokenOf(r *http.Request) string {
	if err := r.ParseForm(); err == nil {
		if tok := r.FormValue("token"); tok != "" {
			return tok
		}
	}
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func newTestConn(t *testing.T, handler http.Handler, cred action.Credential) (*Builder, action.Connection, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	b := NewBuilder(testLogger(), storage.NewMemoryProvider(), Options{
		APIBaseURL: srv.URL + "/",
		HTTPClient: srv.Client(),
	})
	return b, b.Connect(cred), srv
}

func TestPostMessage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat.postMessage", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "xoxb-token", tokenOf(r))
		_, _ = w.Write([]byte(`{"ok": true, "channel": "C100", "ts": "1724000000.000100"}`))
	})

	_, conn, _ := newTestConn(t, mux, action.Credential{Token: "xoxb-token"})
	res := conn.Do(context.Background(), action.NewPostMessage("C100", action.Message{Text: "hello"}))

	require.True(t, res.OK, res.Error)
	assert.Equal(t, "C100", res.Channel)
	assert.Equal(t, "1724000000.000100", res.TS)
}

func TestInvalidAuthRefreshesOnce(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/users.info", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if tokenOf(r) == "xoxb-stale" {
			_, _ = w.Write([]byte(`{"ok": false, "error": "invalid_auth"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok": true, "user": {
			"id": "U1", "team_id": "T1", "name": "pam",
			"profile": {"display_name": "Pam B", "real_name": "Pamela Beesly"}
		}}`))
	})

	var refreshed atomic.Int32
	cred := action.Credential{
		Token: "xoxb-stale",
		Refresh: func(ctx context.Context) (string, error) {
			refreshed.Add(1)
			return "xoxb-fresh", nil
		},
	}
	_, conn, _ := newTestConn(t, mux, cred)
	res := conn.Do(context.Background(), action.NewGetUserInfo("U1"))

	require.True(t, res.OK, res.Error)
	require.NotNil(t, res.User)
	assert.Equal(t, "Pam B", res.User.DisplayName)
	assert.Equal(t, int32(1), refreshed.Load())
	assert.Equal(t, int32(2), calls.Load())
}

func TestInvalidAuthRetriesOnlyOnce(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/users.info", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"ok": false, "error": "invalid_auth"}`))
	})

	cred := action.Credential{
		Token:   "xoxb-stale",
		Refresh: func(ctx context.Context) (string, error) { return "xoxb-still-bad", nil },
	}
	_, conn, _ := newTestConn(t, mux, cred)
	res := conn.Do(context.Background(), action.NewGetUserInfo("U1"))

	assert.False(t, res.OK)
	assert.Equal(t, "invalid_auth", res.Error)
	assert.Equal(t, int32(2), calls.Load())
}

func TestPostTimeoutIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/chat.postMessage", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(300 * time.Millisecond)
		_, _ = w.Write([]byte(`{"ok": true, "channel": "C1", "ts": "1.2"}`))
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	b := NewBuilder(testLogger(), nil, Options{
		APIBaseURL: srv.URL + "/",
		HTTPClient: srv.Client(),
		Timeout:    50 * time.Millisecond,
	})
	conn := b.Connect(action.Credential{
		Token:   "xoxb-token",
		Refresh: func(ctx context.Context) (string, error) { return "xoxb-token", nil },
	})

	res := conn.Do(context.Background(), action.NewPostMessage("C1", action.Message{Text: "hi"}))

	assert.False(t, res.OK)
	assert.Equal(t, int32(1), calls.Load())
}

func TestArchiveAlreadyArchivedIsOK(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/conversations.archive", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok": false, "error": "already_archived"}`))
	})

	_, conn, _ := newTestConn(t, mux, action.Credential{Token: "xoxb-token"})
	res := conn.Do(context.Background(), action.NewArchiveChannel("C1"))

	assert.True(t, res.OK)
}

func TestUnarchiveNotArchivedIsOK(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/conversations.unarchive", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok": false, "error": "not_archived"}`))
	})

	_, conn, _ := newTestConn(t, mux, action.Credential{Token: "xoxb-token"})
	res := conn.Do(context.Background(), action.NewUnarchiveChannel("C1"))

	assert.True(t, res.OK)
}

func TestFetchHistorySortsChronologically(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/conversations.history", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok": true, "messages": [
			{"ts": "1724000300.000000", "text": "third", "user": "U1"},
			{"ts": "1724000100.000000", "text": "first", "user": "U1"},
			{"ts": "1724000200.000000", "text": "second", "bot_id": "B1"}
		]}`))
	})

	_, conn, _ := newTestConn(t, mux, action.Credential{Token: "xoxb-token"})
	res := conn.Do(context.Background(), action.NewFetchHistory("D1", 10))

	require.True(t, res.OK, res.Error)
	require.Len(t, res.Messages, 3)
	assert.Equal(t, "first", res.Messages[0].Text)
	assert.Equal(t, "second", res.Messages[1].Text)
	assert.Equal(t, "third", res.Messages[2].Text)
	assert.Equal(t, "B1", res.Messages[1].BotID)
}

func TestBroadcastCollectsFailures(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/conversations.open", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if strings.Contains(r.FormValue("users"), "U-bad") {
			_, _ = w.Write([]byte(`{"ok": false, "error": "user_not_found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok": true, "channel": {"id": "D1"}}`))
	})
	mux.HandleFunc("/chat.postMessage", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok": true, "channel": "D1", "ts": "1.2"}`))
	})

	_, conn, _ := newTestConn(t, mux, action.Credential{Token: "xoxb-token"})
	res := conn.Do(context.Background(), action.NewBroadcast(
		action.Message{Text: "announcement"},
		[]string{"U-good", "U-bad", "U-good2"},
		false,
	))

	assert.False(t, res.OK)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "U-bad", res.Errors[0].UserID)
	assert.Equal(t, "user_not_found", res.Errors[0].Error)
}

func TestRespondToURL(t *testing.T) {
	var gotBody []byte
	urlSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte("ok"))
	}))
	defer urlSrv.Close()

	b := NewBuilder(testLogger(), nil, Options{HTTPClient: urlSrv.Client()})
	conn := b.Connect(action.Credential{Token: "xoxb-token"})

	res := conn.Do(context.Background(), action.NewRespondToURL(urlSrv.URL, action.Message{Text: "done"}))

	require.True(t, res.OK, res.Error)
	assert.Contains(t, string(gotBody), `"text":"done"`)
}

// Package slackconn implements the Slack provider: an action.Builder producing
// connections that translate the provider-agnostic action protocol into Slack
// Web API calls.
package slackconn

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"golang.org/x/time/rate"

	"github.com/teampayhq/megatron/internal/action"
	"github.com/teampayhq/megatron/internal/storage"
)

// Options configures the Slack builder.
type Options struct {
	// APIBaseURL overrides the Slack API base (tests point this at a fake).
	// Must end with a trailing slash when set.
	APIBaseURL string
	// Timeout bounds each Web API round trip. Defaults to 10s.
	Timeout time.Duration
	// HTTPClient overrides the transport (tests).
	HTTPClient *http.Client
}

// Builder creates Slack connections. One builder is shared by every workspace
// and integration credential; the rate limiter spans all of them so the
// process stays inside Slack's tier limits.
type Builder struct {
	logger  *slog.Logger
	store   storage.Provider
	opts    Options
	limiter *rate.Limiter
}

// NewBuilder creates a Slack builder. store is used to re-host files so the
// integration side can see them; it may be nil when re-hosting is disabled.
func NewBuilder(log *slog.Logger, store storage.Provider, opts Options) *Builder {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	return &Builder{
		logger:  log.With(slog.String("service", "slackconn")),
		store:   store,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(20), 40),
	}
}

// Type implements action.Builder.
func (b *Builder) Type() action.PlatformType {
	return action.PlatformSlack
}

// Connect implements action.Builder.
func (b *Builder) Connect(cred action.Credential) action.Connection {
	c := &Conn{
		builder: b,
		cred:    cred,
		logger:  b.logger,
	}
	c.client = b.newClient(cred.Token)
	return c
}

func (b *Builder) newClient(token string) *slack.Client {
	opts := []slack.Option{slack.OptionHTTPClient(b.opts.HTTPClient)}
	if b.opts.APIBaseURL != "" {
		opts = append(opts, slack.OptionAPIURL(b.opts.APIBaseURL))
	}
	return slack.New(token, opts...)
}

// Conn executes actions against Slack on behalf of one credential. The
// underlying client is swapped in place when an invalid token is refreshed, so
// access goes through api() / setClient.
type Conn struct {
	builder *Builder
	cred    action.Credential
	logger  *slog.Logger

	mu     sync.RWMutex
	client *slack.Client
}

func (c *Conn) api() *slack.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

func (c *Conn) setClient(cl *slack.Client) {
	c.mu.Lock()
	c.client = cl
	c.mu.Unlock()
}

// Do implements action.Connection.
func (c *Conn) Do(ctx context.Context, a action.Action) action.Result {
	ctx, cancel := context.WithTimeout(ctx, c.builder.opts.Timeout)
	defer cancel()

	if err := c.builder.limiter.Wait(ctx); err != nil {
		return action.Fail(err.Error())
	}

	switch a.Type {
	case action.PostMessage:
		return c.postMessage(ctx, a.Params)
	case action.PostEphemeral:
		return c.postEphemeral(ctx, a.Params)
	case action.UpdateMessage:
		return c.updateMessage(ctx, a.Params)
	case action.OpenChannel:
		return c.openChannel(ctx, a.Params)
	case action.CreateChannel:
		return c.createChannel(ctx, a.Params)
	case action.ArchiveChannel:
		return c.archiveChannel(ctx, a.Params)
	case action.UnarchiveChannel:
		return c.unarchiveChannel(ctx, a.Params)
	case action.FetchHistory:
		return c.fetchHistory(ctx, a.Params)
	case action.GetUserInfo:
		return c.getUserInfo(ctx, a.Params)
	case action.Broadcast:
		return c.broadcast(ctx, a.Params)
	case action.RespondToURL:
		return c.respondToURL(ctx, a.Params)
	default:
		return action.Fail("unknown action type: " + a.Type.String())
	}
}

const errInvalidAuth = "invalid_auth"

// withRefresh runs fn and, when Slack rejects the token, refreshes the
// credential and retries exactly once. Transport failures (including timeouts)
// are never retried: the call may have landed and a blind resend would
// duplicate it.
func (c *Conn) withRefresh(ctx context.Context, fn func(cl *slack.Client) error) error {
	err := fn(c.api())
	if err == nil || err.Error() != errInvalidAuth || c.cred.Refresh == nil {
		return err
	}

	c.logger.Warn("slack token rejected, refreshing credential")
	token, rerr := c.cred.Refresh(ctx)
	if rerr != nil {
		c.logger.Error("credential refresh failed", slog.Any("error", rerr))
		return err
	}
	c.setClient(c.builder.newClient(token))
	return fn(c.api())
}

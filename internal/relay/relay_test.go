package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teampayhq/megatron/internal/action"
	"github.com/teampayhq/megatron/internal/channels"
	"github.com/teampayhq/megatron/internal/config"
	"github.com/teampayhq/megatron/internal/correlation"
	"github.com/teampayhq/megatron/internal/identity"
)

type fakeCorrelations struct {
	records map[string]correlation.Record
	sends   []correlation.Record
}

func newFakeCorrelations() *fakeCorrelations {
	return &fakeCorrelations{records: map[string]correlation.Record{}}
}

func (f *fakeCorrelations) RecordSend(ctx context.Context, channelID, integrationMsgID, customerMsgID string) (correlation.Record, error) {
	rec := correlation.Record{
		ID:               "rec-" + integrationMsgID + customerMsgID,
		ChannelID:        channelID,
		IntegrationMsgID: integrationMsgID,
		CustomerMsgID:    customerMsgID,
	}
	f.sends = append(f.sends, rec)
	f.records[rec.ID] = rec
	return rec, nil
}

func (f *fakeCorrelations) FindByIntegrationID(ctx context.Context, channelID, msgID string) (correlation.Record, error) {
	for _, r := range f.records {
		if r.ChannelID == channelID && r.IntegrationMsgID == msgID {
			return r, nil
		}
	}
	return correlation.Record{}, correlation.ErrNotFound
}

func (f *fakeCorrelations) FindByCustomerID(ctx context.Context, channelID, msgID string) (correlation.Record, error) {
	for _, r := range f.records {
		if r.ChannelID == channelID && r.CustomerMsgID == msgID {
			return r, nil
		}
	}
	return correlation.Record{}, correlation.ErrNotFound
}

func (f *fakeCorrelations) Repoint(ctx context.Context, recordID, integrationMsgID, customerMsgID string) error {
	r := f.records[recordID]
	if integrationMsgID != "" {
		r.IntegrationMsgID = integrationMsgID
	}
	if customerMsgID != "" {
		r.CustomerMsgID = customerMsgID
	}
	f.records[recordID] = r
	return nil
}

type fakeChannelStore struct {
	touched []string
}

func (f *fakeChannelStore) TouchLastMessage(ctx context.Context, id string, at time.Time) error {
	f.touched = append(f.touched, id)
	return nil
}

type fakeIdentities struct {
	profiles map[string]identity.Profile
}

func (f *fakeIdentities) ResolveUser(ctx context.Context, conn action.Connection, workspaceID, platformID string) (identity.Profile, error) {
	p, ok := f.profiles[platformID]
	if !ok {
		return identity.Profile{}, identity.ErrNotFound
	}
	return p, nil
}

type recordingConn struct {
	actions []action.Action
	postTS  string
}

func (r *recordingConn) Do(ctx context.Context, a action.Action) action.Result {
	r.actions = append(r.actions, a)
	switch a.Type {
	case action.OpenChannel:
		return action.Result{OK: true, Channel: "D-im"}
	case action.PostMessage, action.UpdateMessage:
		ts := r.postTS
		if ts == "" {
			ts = "1700000000.000100"
		}
		return action.Result{OK: true, Channel: a.Params.Channel, TS: ts}
	default:
		return action.Result{OK: true}
	}
}

func (r *recordingConn) ofType(t action.Type) []action.Action {
	var out []action.Action
	for _, a := range r.actions {
		if a.Type == t {
			out = append(out, a)
		}
	}
	return out
}

type fakeConnector struct {
	integration *recordingConn
	workspace   *recordingConn
}

func (f *fakeConnector) IntegrationConn(ctx context.Context, integrationID string) (action.Connection, error) {
	return f.integration, nil
}

func (f *fakeConnector) WorkspaceConn(ctx context.Context, workspaceID, organizationID string) (action.Connection, error) {
	return f.workspace, nil
}

var errBoom = errors.New("provider unavailable")

type revival struct {
	channel channels.Channel
	profile identity.Profile
}

type fakeReviver struct {
	revived []revival
	err     error
}

func (f *fakeReviver) Revive(ctx context.Context, ch channels.Channel, profile identity.Profile) (channels.Channel, error) {
	f.revived = append(f.revived, revival{channel: ch, profile: profile})
	if f.err != nil {
		return channels.Channel{}, f.err
	}
	ch.IsArchived = false
	ch.IsPaused = false
	return ch, nil
}

type relayFixture struct {
	svc     *Service
	corr    *fakeCorrelations
	chStore *fakeChannelStore
	conns   *fakeConnector
	reviver *fakeReviver
}

func newRelayFixture() relayFixture {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	corr := newFakeCorrelations()
	chStore := &fakeChannelStore{}
	conns := &fakeConnector{integration: &recordingConn{}, workspace: &recordingConn{}}
	reviver := &fakeReviver{}
	ident := &fakeIdentities{profiles: map[string]identity.Profile{
		"U1": {PlatformID: "U1", Username: "pam", DisplayName: "Pam", ProfileImage: "https://img/pam.png"},
	}}
	svc := NewService(logger, chStore, corr, ident, conns, reviver, config.RelayConfig{
		BotName:      "Teampay",
		BotIconEmoji: ":robot_face:",
	})
	return relayFixture{svc: svc, corr: corr, chStore: chStore, conns: conns, reviver: reviver}
}

func activeChannel() channels.Channel {
	return channels.Channel{
		ID:                "ch-1",
		OrganizationID:    "org-1",
		IntegrationID:     "it-1",
		WorkspaceID:       "ws-1",
		PlatformChannelID: "C-relay",
		PlatformUserID:    "U1",
	}
}

func TestIncomingPostsOnceAndCorrelates(t *testing.T) {
	fx := newRelayFixture()
	fx.conns.integration.postTS = "1700000001.000001"

	d, err := fx.svc.Incoming(context.Background(), activeChannel(), action.Message{
		Text: "Hi",
		User: "U1",
		TS:   "1700000000.000900",
	})
	require.NoError(t, err)
	assert.True(t, d.OK)
	assert.True(t, d.Tracked)

	posts := fx.conns.integration.ofType(action.PostMessage)
	require.Len(t, posts, 1)
	assert.Equal(t, "C-relay", posts[0].Params.Channel)
	assert.Equal(t, "Hi", posts[0].Params.Message.PlainText())
	assert.Equal(t, "Pam", posts[0].Params.Message.Username)
	assert.Equal(t, "https://img/pam.png", posts[0].Params.Message.IconURL)

	require.Len(t, fx.corr.sends, 1)
	assert.Equal(t, "1700000001.000001", fx.corr.sends[0].IntegrationMsgID)
	assert.Equal(t, "1700000000.000900", fx.corr.sends[0].CustomerMsgID)
	assert.Equal(t, []string{"ch-1"}, fx.chStore.touched)
}

func TestIncomingArchivedChannelIsRevivedAndDelivered(t *testing.T) {
	fx := newRelayFixture()
	fx.conns.integration.postTS = "1700000003.000100"
	ch := activeChannel()
	ch.IsArchived = true

	d, err := fx.svc.Incoming(context.Background(), ch, action.Message{
		Text: "Hello again",
		User: "U1",
		TS:   "1700000003.000001",
	})
	require.NoError(t, err)
	assert.True(t, d.OK)
	assert.True(t, d.Tracked)

	require.Len(t, fx.reviver.revived, 1)
	assert.Equal(t, "ch-1", fx.reviver.revived[0].channel.ID)
	assert.Equal(t, "Pam", fx.reviver.revived[0].profile.DisplayName)

	posts := fx.conns.integration.ofType(action.PostMessage)
	require.Len(t, posts, 1)
	assert.Equal(t, "Hello again", posts[0].Params.Message.PlainText())

	require.Len(t, fx.corr.sends, 1)
	assert.Equal(t, "1700000003.000100", fx.corr.sends[0].IntegrationMsgID)
	assert.Equal(t, "1700000003.000001", fx.corr.sends[0].CustomerMsgID)
}

func TestIncomingRevivalFailureSurfaces(t *testing.T) {
	fx := newRelayFixture()
	fx.reviver.err = errBoom
	ch := activeChannel()
	ch.IsArchived = true

	_, err := fx.svc.Incoming(context.Background(), ch, action.Message{Text: "Hi", User: "U1"})
	require.Error(t, err)
	assert.Empty(t, fx.conns.integration.ofType(action.PostMessage))
	assert.Empty(t, fx.corr.sends)
}

func TestIncomingUnknownSenderFallsBackToPlatformID(t *testing.T) {
	fx := newRelayFixture()

	d, err := fx.svc.Incoming(context.Background(), activeChannel(), action.Message{Text: "Hi", User: "U-unknown"})
	require.NoError(t, err)
	assert.True(t, d.OK)

	posts := fx.conns.integration.ofType(action.PostMessage)
	require.Len(t, posts, 1)
	assert.Equal(t, "U-unknown", posts[0].Params.Message.Username)
}

func TestOutgoingRedactsAndUsesBotIdentity(t *testing.T) {
	fx := newRelayFixture()
	fx.conns.integration.postTS = "1700000002.000900"

	d, err := fx.svc.Outgoing(context.Background(), activeChannel(), action.Message{
		Text: "your card is 1234-5678-9012-3456",
		TS:   "1700000002.000002",
	})
	require.NoError(t, err)
	assert.True(t, d.OK)
	assert.True(t, d.Tracked)

	posts := fx.conns.integration.ofType(action.PostMessage)
	require.Len(t, posts, 1)
	assert.Equal(t, "C-relay", posts[0].Params.Channel)
	assert.Equal(t, "your card is ****-****-****-****", posts[0].Params.Message.PlainText())
	assert.Equal(t, "Teampay", posts[0].Params.Message.Username)
	assert.Equal(t, ":robot_face:", posts[0].Params.Message.IconEmoji)

	require.Len(t, fx.corr.sends, 1)
	assert.Equal(t, "1700000002.000900", fx.corr.sends[0].IntegrationMsgID)
	assert.Equal(t, "1700000002.000002", fx.corr.sends[0].CustomerMsgID)
	// Bot replies stay inside the integration channel.
	assert.Empty(t, fx.conns.workspace.actions)
}

func TestForwardOpensIMAndAppendsFooter(t *testing.T) {
	fx := newRelayFixture()
	fx.conns.workspace.postTS = "1700000009.000009"

	d, err := fx.svc.Forward(context.Background(), activeChannel(), action.Message{
		Text: "I'll take it from here",
		TS:   "1700000009.000001",
	}, "Michael")
	require.NoError(t, err)
	assert.True(t, d.OK)
	assert.True(t, d.Tracked)

	opens := fx.conns.workspace.ofType(action.OpenChannel)
	require.Len(t, opens, 1)
	assert.Equal(t, "U1", opens[0].Params.User)

	posts := fx.conns.workspace.ofType(action.PostMessage)
	require.Len(t, posts, 1)
	assert.Equal(t, "D-im", posts[0].Params.Channel)
	// Forwards are human-authored and never redacted.
	assert.Equal(t, "I'll take it from here", posts[0].Params.Message.PlainText())
	require.Len(t, posts[0].Params.Message.Attachments, 1)
	assert.Equal(t, "sent by Michael from Teampay", posts[0].Params.Message.Attachments[0].Footer)

	require.Len(t, fx.corr.sends, 1)
	assert.Equal(t, "1700000009.000001", fx.corr.sends[0].IntegrationMsgID)
	assert.Equal(t, "1700000009.000009", fx.corr.sends[0].CustomerMsgID)
}

func TestEditFromIntegrationUncorrelatedIsDropped(t *testing.T) {
	fx := newRelayFixture()

	d, err := fx.svc.EditFromIntegration(context.Background(), activeChannel(), "1700000003.000003", action.Message{Text: "edited"})
	require.NoError(t, err)
	assert.True(t, d.OK)
	assert.False(t, d.Tracked)
	assert.Empty(t, fx.conns.workspace.actions)
}

func TestEditFromIntegrationUpdatesCustomerCopy(t *testing.T) {
	fx := newRelayFixture()
	fx.corr.records["rec-1"] = correlation.Record{
		ID:               "rec-1",
		ChannelID:        "ch-1",
		IntegrationMsgID: "1700000004.000004",
		CustomerMsgID:    "1700000005.000005",
	}
	fx.conns.workspace.postTS = "1700000006.000006"

	d, err := fx.svc.EditFromIntegration(context.Background(), activeChannel(), "1700000004.000004", action.Message{
		Text: "edited to 1234 5678 9012 3456",
	})
	require.NoError(t, err)
	assert.True(t, d.OK)
	assert.True(t, d.Tracked)

	updates := fx.conns.workspace.ofType(action.UpdateMessage)
	require.Len(t, updates, 1)
	assert.Equal(t, "D-im", updates[0].Params.PrevChannel)
	assert.Equal(t, "1700000005.000005", updates[0].Params.PrevTS)
	assert.Equal(t, "edited to **** **** **** ****", updates[0].Params.Message.PlainText())

	assert.Equal(t, "1700000006.000006", fx.corr.records["rec-1"].CustomerMsgID)
}

func TestEditFromCustomerUpdatesChannelCopy(t *testing.T) {
	fx := newRelayFixture()
	fx.corr.records["rec-1"] = correlation.Record{
		ID:               "rec-1",
		ChannelID:        "ch-1",
		IntegrationMsgID: "1700000007.000007",
		CustomerMsgID:    "1700000008.000008",
	}

	d, err := fx.svc.EditFromCustomer(context.Background(), activeChannel(), "1700000008.000008", action.Message{
		Text: "fixed typo",
		User: "U1",
	})
	require.NoError(t, err)
	assert.True(t, d.OK)
	assert.True(t, d.Tracked)

	updates := fx.conns.integration.ofType(action.UpdateMessage)
	require.Len(t, updates, 1)
	assert.Equal(t, "C-relay", updates[0].Params.PrevChannel)
	assert.Equal(t, "1700000007.000007", updates[0].Params.PrevTS)
	assert.Equal(t, "Pam", updates[0].Params.Message.Username)
}

func TestForwardFooter(t *testing.T) {
	fx := newRelayFixture()
	assert.Equal(t, "sent by Pam from Teampay", fx.svc.ForwardFooter("Pam"))
}

package slackconn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/slack-go/slack"

	"github.com/teampayhq/megatron/internal/action"
)

func (c *Conn) postMessage(ctx context.Context, p action.Params) action.Result {
	opts, err := c.msgOptions(ctx, p.Message)
	if err != nil {
		return action.Fail(err.Error())
	}

	var channel, ts string
	err = c.withRefresh(ctx, func(cl *slack.Client) error {
		var perr error
		channel, ts, perr = cl.PostMessageContext(ctx, p.Channel, opts...)
		return perr
	})
	if err != nil {
		c.logger.Error("post message failed",
			slog.String("channel", p.Channel),
			slog.Any("error", err),
		)
		return action.Fail(err.Error())
	}
	return action.Result{OK: true, Channel: channel, TS: ts}
}

func (c *Conn) postEphemeral(ctx context.Context, p action.Params) action.Result {
	opts, err := c.msgOptions(ctx, p.Message)
	if err != nil {
		return action.Fail(err.Error())
	}

	var ts string
	err = c.withRefresh(ctx, func(cl *slack.Client) error {
		var perr error
		ts, perr = cl.PostEphemeralContext(ctx, p.Channel, p.User, opts...)
		return perr
	})
	if err != nil {
		return action.Fail(err.Error())
	}
	return action.Result{OK: true, Channel: p.Channel, TS: ts}
}

func (c *Conn) updateMessage(ctx context.Context, p action.Params) action.Result {
	opts, err := c.msgOptions(ctx, p.Message)
	if err != nil {
		return action.Fail(err.Error())
	}

	var channel, ts string
	err = c.withRefresh(ctx, func(cl *slack.Client) error {
		var uerr error
		channel, ts, _, uerr = cl.UpdateMessageContext(ctx, p.PrevChannel, p.PrevTS, opts...)
		return uerr
	})
	if err != nil {
		return action.Fail(err.Error())
	}
	return action.Result{OK: true, Channel: channel, TS: ts}
}

func (c *Conn) getUserInfo(ctx context.Context, p action.Params) action.Result {
	var user *slack.User
	err := c.withRefresh(ctx, func(cl *slack.Client) error {
		var gerr error
		user, gerr = cl.GetUserInfoContext(ctx, p.User)
		return gerr
	})
	if err != nil {
		return action.Fail(err.Error())
	}
	return action.Result{OK: true, User: &action.UserInfo{
		ID:          user.ID,
		TeamID:      user.TeamID,
		Name:        user.Name,
		DisplayName: user.Profile.DisplayName,
		RealName:    user.Profile.RealName,
		Image24:     user.Profile.Image24,
		Image72:     user.Profile.Image72,
	}}
}

// broadcast opens a direct message with every target and posts the message.
// Failures do not stop the fan-out; each one is recorded against its user id.
func (c *Conn) broadcast(ctx context.Context, p action.Params) action.Result {
	msg := p.Message
	if p.CaptureFeedback {
		msg.Attachments = append(msg.Attachments, feedbackAttachment())
	}

	var failures []action.BroadcastFailure
	for _, userID := range p.UserIDs {
		open := c.openChannel(ctx, action.Params{User: userID})
		if !open.OK {
			failures = append(failures, action.BroadcastFailure{UserID: userID, Error: open.Error})
			continue
		}
		post := c.postMessage(ctx, action.Params{Channel: open.Channel, Message: msg})
		if !post.OK {
			failures = append(failures, action.BroadcastFailure{UserID: userID, Error: post.Error})
		}
	}

	if len(failures) > 0 {
		return action.Result{
			OK:     false,
			Error:  fmt.Sprintf("broadcast failed for %d of %d users", len(failures), len(p.UserIDs)),
			Errors: failures,
		}
	}
	return action.Result{OK: true}
}

func feedbackAttachment() action.Attachment {
	return action.Attachment{
		Text:       "Was this helpful?",
		CallbackID: "capture_feedback",
		Actions: []action.AttachmentAction{
			{Name: "feedback", Text: ":thumbsup:", Type: "button", Value: "yes"},
			{Name: "feedback", Text: ":thumbsdown:", Type: "button", Value: "no"},
		},
	}
}

// respondToURL posts the message to an interaction callback url. Slack answers
// these with a bare "ok" body rather than the usual JSON envelope.
func (c *Conn) respondToURL(ctx context.Context, p action.Params) action.Result {
	payload, err := json.Marshal(p.Message)
	if err != nil {
		return action.Fail(err.Error())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.ResponseURL, bytes.NewReader(payload))
	if err != nil {
		return action.Fail(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.builder.opts.HTTPClient.Do(req)
	if err != nil {
		return action.Fail(err.Error())
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(body)) != "ok" {
		return action.Fail(fmt.Sprintf("response url rejected: status %d body %q", resp.StatusCode, body))
	}
	return action.Result{OK: true}
}

// msgOptions translates the normalized message into Slack post options,
// re-hosting any attached files along the way.
func (c *Conn) msgOptions(ctx context.Context, msg action.Message) ([]slack.MsgOption, error) {
	attachments := make([]slack.Attachment, 0, len(msg.Attachments))
	for _, a := range msg.Attachments {
		attachments = append(attachments, toSlackAttachment(a))
	}

	if len(msg.Files) > 0 {
		rehosted, err := c.rehostFiles(ctx, msg.Files)
		if err != nil {
			return nil, fmt.Errorf("rehost files: %w", err)
		}
		attachments = append(attachments, rehosted...)
	}

	opts := []slack.MsgOption{slack.MsgOptionText(msg.PlainText(), false)}
	if len(attachments) > 0 {
		opts = append(opts, slack.MsgOptionAttachments(attachments...))
	}
	if msg.Username != "" {
		opts = append(opts, slack.MsgOptionUsername(msg.Username))
	}
	if msg.IconURL != "" {
		opts = append(opts, slack.MsgOptionIconURL(msg.IconURL))
	}
	if msg.IconEmoji != "" {
		opts = append(opts, slack.MsgOptionIconEmoji(msg.IconEmoji))
	}
	if c.cred.AsUser {
		opts = append(opts, slack.MsgOptionAsUser(true))
	}
	return opts, nil
}

func toSlackAttachment(a action.Attachment) slack.Attachment {
	out := slack.Attachment{
		Title:      a.Title,
		Text:       a.Text,
		Pretext:    a.Pretext,
		Fallback:   a.Fallback,
		Color:      a.Color,
		Footer:     a.Footer,
		FooterIcon: a.FooterIcon,
		ImageURL:   a.ImageURL,
		CallbackID: a.CallbackID,
		MarkdownIn: a.MarkdownIn,
	}
	for _, f := range a.Fields {
		out.Fields = append(out.Fields, slack.AttachmentField{
			Title: f.Title,
			Value: f.Value,
			Short: f.Short,
		})
	}
	for _, act := range a.Actions {
		sa := slack.AttachmentAction{
			Name:  act.Name,
			Text:  act.Text,
			Type:  slack.ActionType(act.Type),
			Value: act.Value,
		}
		for _, opt := range act.Options {
			sa.Options = append(sa.Options, slack.AttachmentActionOption{
				Text:  opt.Text,
				Value: opt.Value,
			})
		}
		out.Actions = append(out.Actions, sa)
	}
	return out
}

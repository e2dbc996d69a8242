package slackconn

import (
	"context"
	"sort"

	"github.com/slack-go/slack"

	"github.com/teampayhq/megatron/internal/action"
)

// openChannel opens (or re-opens) a direct message conversation with the user
// and returns its channel id.
func (c *Conn) openChannel(ctx context.Context, p action.Params) action.Result {
	var channel *slack.Channel
	err := c.withRefresh(ctx, func(cl *slack.Client) error {
		var oerr error
		channel, _, _, oerr = cl.OpenConversationContext(ctx, &slack.OpenConversationParameters{
			Users:    []string{p.User},
			ReturnIM: true,
		})
		return oerr
	})
	if err != nil {
		return action.Fail(err.Error())
	}
	return action.Result{OK: true, Channel: channel.ID}
}

func (c *Conn) createChannel(ctx context.Context, p action.Params) action.Result {
	var channel *slack.Channel
	err := c.withRefresh(ctx, func(cl *slack.Client) error {
		var cerr error
		channel, cerr = cl.CreateConversationContext(ctx, slack.CreateConversationParams{
			ChannelName: p.Name,
		})
		return cerr
	})
	if err != nil {
		return action.Fail(err.Error())
	}
	return action.Result{OK: true, Channel: channel.ID}
}

// archiveChannel archives the channel. An already archived channel is treated
// as success so the operation stays idempotent.
func (c *Conn) archiveChannel(ctx context.Context, p action.Params) action.Result {
	err := c.withRefresh(ctx, func(cl *slack.Client) error {
		return cl.ArchiveConversationContext(ctx, p.Channel)
	})
	if err != nil && err.Error() != "already_archived" {
		return action.Fail(err.Error())
	}
	return action.Result{OK: true, Channel: p.Channel}
}

// unarchiveChannel restores an archived channel, tolerating channels that were
// never archived.
func (c *Conn) unarchiveChannel(ctx context.Context, p action.Params) action.Result {
	err := c.withRefresh(ctx, func(cl *slack.Client) error {
		return cl.UnArchiveConversationContext(ctx, p.Channel)
	})
	if err != nil && err.Error() != "not_archived" {
		return action.Fail(err.Error())
	}
	return action.Result{OK: true, Channel: p.Channel}
}

// fetchHistory returns up to p.Limit of the channel's most recent messages in
// chronological order.
func (c *Conn) fetchHistory(ctx context.Context, p action.Params) action.Result {
	limit := p.Limit
	if limit <= 0 {
		limit = 10
	}

	var history *slack.GetConversationHistoryResponse
	err := c.withRefresh(ctx, func(cl *slack.Client) error {
		var herr error
		history, herr = cl.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
			ChannelID: p.Channel,
			Limit:     limit,
		})
		return herr
	})
	if err != nil {
		return action.Fail(err.Error())
	}

	messages := make([]action.HistoryMessage, 0, len(history.Messages))
	for _, m := range history.Messages {
		messages = append(messages, action.HistoryMessage{
			TS:      m.Timestamp,
			Text:    m.Text,
			User:    m.User,
			BotID:   m.BotID,
			SubType: m.SubType,
		})
	}
	sort.Slice(messages, func(i, j int) bool { return messages[i].TS < messages[j].TS })

	return action.Result{OK: true, Channel: p.Channel, Messages: messages}
}

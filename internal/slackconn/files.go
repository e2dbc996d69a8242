package slackconn

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/slack-go/slack"

	"github.com/teampayhq/megatron/internal/action"
)

// maxFileSize caps how much of a provider-hosted file is re-hosted. Larger
// files are passed through as plain links.
const maxFileSize = 25 << 20

// rehostFiles downloads each provider-hosted file with the connection's token
// and re-hosts it on neutral storage, returning attachments the receiving side
// can actually render. Slack's url_private links require workspace auth that
// the integration side does not have.
func (c *Conn) rehostFiles(ctx context.Context, files []action.FileRef) ([]slack.Attachment, error) {
	attachments := make([]slack.Attachment, 0, len(files))
	for _, f := range files {
		if c.builder.store == nil || !strings.HasPrefix(f.Mimetype, "image/") {
			attachments = append(attachments, slack.Attachment{
				Title:    f.Name,
				Text:     f.URLPrivate,
				Fallback: f.Name,
			})
			continue
		}

		data, err := c.download(ctx, f.URLPrivate)
		if err != nil {
			return nil, fmt.Errorf("download %s: %w", f.Name, err)
		}
		// Uploads from different channels reuse names like image.png, so
		// every object gets its own key.
		key, err := c.builder.store.Store(ctx, data, uuid.NewString()+"-"+f.Name)
		if err != nil {
			return nil, fmt.Errorf("store %s: %w", f.Name, err)
		}
		url, err := c.builder.store.PresignedURL(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("presign %s: %w", f.Name, err)
		}
		attachments = append(attachments, slack.Attachment{
			Title:    f.Name,
			Fallback: f.Name,
			ImageURL: url,
		})
	}
	return attachments, nil
}

func (c *Conn) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cred.Token)

	resp, err := c.builder.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxFileSize))
}

// Package channels owns the relay channel lifecycle: one channel per
// customer, moving between active, paused, and archived.
package channels

import (
	"fmt"
	"strings"
	"time"
)

// Channel is one relay conversation. PlatformChannelID is the channel on the
// integration side where agents talk; the customer side is reached by opening
// a direct message with PlatformUserID on the workspace connection.
type Channel struct {
	ID                string
	OrganizationID    string
	IntegrationID     string
	WorkspaceID       string
	Name              string
	PlatformChannelID string
	PlatformUserID    string
	IsPaused          bool
	IsArchived        bool
	LastMessageSent   time.Time
	CreatedAt         time.Time
}

// maxChannelNameLen is the provider's limit on channel names.
const maxChannelNameLen = 21

// BuildName derives the relay channel name from the customer's username and
// workspace domain, truncated to the provider limit.
func BuildName(prefix, username, domain string) string {
	name := strings.ToLower(prefix + username + "_" + domain)
	// Truncate on runes so a multibyte username never leaves a broken
	// sequence at the cut point.
	if r := []rune(name); len(r) > maxChannelNameLen {
		name = string(r[:maxChannelNameLen])
	}
	return name
}

// DeepLink renders the provider deep link for a channel.
func DeepLink(teamID, channelID string) string {
	return fmt.Sprintf("slack://channel?team=%s&id=%s", teamID, channelID)
}

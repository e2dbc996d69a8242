// Package action defines the provider-agnostic action protocol: the closed set
// of operations a chat provider connection must support, the normalized message
// shape those operations carry, and the result contract every execution returns.
package action

// Message is the normalized chat message relayed between the customer and
// integration sides. The field layout mirrors what chat providers accept so a
// connection can translate it without loss.
//
// Text is deliberately untyped: webhook payloads occasionally carry a
// non-string value here and the sanitizer substitutes a safe default instead
// of failing the relay.
type Message struct {
	Text        any          `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Files       []FileRef    `json:"files,omitempty"`
	TS          string       `json:"ts,omitempty"`
	User        string       `json:"user,omitempty"`
	Username    string       `json:"username,omitempty"`
	IconURL     string       `json:"icon_url,omitempty"`
	IconEmoji   string       `json:"icon_emoji,omitempty"`
}

// PlainText returns the message text when it is a string, or "" otherwise.
func (m Message) PlainText() string {
	s, _ := m.Text.(string)
	return s
}

// Attachment is a structured message block (title, fields, buttons).
type Attachment struct {
	Title      string             `json:"title,omitempty"`
	Text       string             `json:"text,omitempty"`
	Pretext    string             `json:"pretext,omitempty"`
	Fallback   string             `json:"fallback,omitempty"`
	Color      string             `json:"color,omitempty"`
	Footer     string             `json:"footer,omitempty"`
	FooterIcon string             `json:"footer_icon,omitempty"`
	ImageURL   string             `json:"image_url,omitempty"`
	CallbackID string             `json:"callback_id,omitempty"`
	MarkdownIn []string           `json:"mrkdwn_in,omitempty"`
	Fields     []AttachmentField  `json:"fields,omitempty"`
	Actions    []AttachmentAction `json:"actions,omitempty"`
}

// AttachmentField is a titled key/value pair inside an attachment.
type AttachmentField struct {
	Title string `json:"title,omitempty"`
	Value string `json:"value,omitempty"`
	Short bool   `json:"short,omitempty"`
}

// AttachmentAction is an interactive element (button or select) inside an attachment.
type AttachmentAction struct {
	Name    string         `json:"name,omitempty"`
	Text    string         `json:"text,omitempty"`
	Type    string         `json:"type,omitempty"`
	Value   string         `json:"value,omitempty"`
	Options []SelectOption `json:"options,omitempty"`
}

// SelectOption is one choice in a select-type attachment action.
type SelectOption struct {
	Text  string `json:"text"`
	Value string `json:"value"`
}

// FileRef points at a provider-hosted file attached to a message.
type FileRef struct {
	URLPrivate string `json:"url_private,omitempty"`
	Name       string `json:"name,omitempty"`
	Mimetype   string `json:"mimetype,omitempty"`
}

package relay

import (
	"log/slog"
	"regexp"

	"github.com/teampayhq/megatron/internal/action"
)

// cardRun matches a 16-digit run in four groups of four, with optional dash
// or whitespace separators.
var cardRun = regexp.MustCompile(`(\d{4}[-\s]?){4}`)

// unexpectedText replaces message text that is not a string. The relay keeps
// delivering; it never fails a message over a malformed payload.
const unexpectedText = "**** Unexpected ****"

// Masks for structured fields that are card data by construction.
const (
	cardNumberMask = "**** **** **** ****"
	cvvMask        = "***"
)

// RedactText masks every digit of a card-number run, leaving separators and
// all surrounding text untouched.
func RedactText(s string) string {
	return cardRun.ReplaceAllStringFunc(s, func(m string) string {
		b := []byte(m)
		for i := range b {
			if b[i] >= '0' && b[i] <= '9' {
				b[i] = '*'
			}
		}
		return string(b)
	})
}

// Redact returns a copy of msg safe to show a customer-facing channel: card
// runs in the text masked, card fields masked by title, and non-string text
// replaced with a sentinel.
func Redact(logger *slog.Logger, msg action.Message) action.Message {
	out := msg

	switch text := msg.Text.(type) {
	case string:
		out.Text = RedactText(text)
	case nil:
		out.Text = ""
	default:
		logger.Warn("unexpected message text type, substituting sentinel",
			slog.String("ts", msg.TS))
		out.Text = unexpectedText
	}

	if len(msg.Attachments) > 0 {
		out.Attachments = make([]action.Attachment, len(msg.Attachments))
		for i, a := range msg.Attachments {
			a.Text = RedactText(a.Text)
			a.Pretext = RedactText(a.Pretext)
			a.Fallback = RedactText(a.Fallback)
			if len(a.Fields) > 0 {
				fields := make([]action.AttachmentField, len(a.Fields))
				copy(fields, a.Fields)
				for j, f := range fields {
					switch f.Title {
					case "Card Number":
						fields[j].Value = cardNumberMask
					case "CVV":
						fields[j].Value = cvvMask
					default:
						fields[j].Value = RedactText(f.Value)
					}
				}
				a.Fields = fields
			}
			out.Attachments[i] = a
		}
	}
	return out
}

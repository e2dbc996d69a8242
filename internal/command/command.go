// Package command interprets slash commands issued by agents and turns them
// into channel lifecycle and relay operations.
package command

import (
	"fmt"
	"strings"

	"github.com/teampayhq/megatron/internal/action"
)

// Name identifies one slash command.
type Name string

// The recognized commands.
const (
	Open         Name = "open"
	Close        Name = "close"
	Pause        Name = "pause"
	Unpause      Name = "unpause"
	ClearContext Name = "clear-context"
	Forward      Name = "forward"
	Do           Name = "do"
)

// known maps the first token of the command text to a Name.
var known = map[string]Name{
	"open":          Open,
	"close":         Close,
	"pause":         Pause,
	"unpause":       Unpause,
	"clear-context": ClearContext,
	"forward":       Forward,
	"do":            Do,
}

// takesFreeText reports whether everything after the command name is payload
// rather than a target argument.
func (n Name) takesFreeText() bool {
	return n == Forward || n == Do
}

// Parse splits raw command text into the command and its arguments.
func Parse(raw string) (Name, []string, error) {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("empty command")
	}
	name, ok := known[strings.ToLower(fields[0])]
	if !ok {
		return "", nil, fmt.Errorf("unknown command: %s", fields[0])
	}
	if name.takesFreeText() {
		if len(fields) < 2 {
			return "", nil, fmt.Errorf("%s needs a message", name)
		}
		return name, []string{strings.Join(fields[1:], " ")}, nil
	}
	return name, fields[1:], nil
}

// Target is a fully resolved command target: one customer in one workspace.
type Target struct {
	WorkspacePlatformID string
	PlatformUserID      string
	Username            string
}

// Value encodes the target for an interactive select option.
func (t Target) Value() string {
	return t.WorkspacePlatformID + "-" + t.PlatformUserID
}

// ParseTargetValue decodes a select option value back into a target.
func ParseTargetValue(value string) (Target, error) {
	team, user, ok := strings.Cut(value, "-")
	if !ok || team == "" || user == "" {
		return Target{}, fmt.Errorf("malformed target value: %s", value)
	}
	return Target{WorkspacePlatformID: team, PlatformUserID: user}, nil
}

// ResolutionKind discriminates the outcome of target resolution.
type ResolutionKind int

const (
	// Resolved carries exactly one target.
	Resolved ResolutionKind = iota
	// Disambiguate carries multiple candidates for the agent to pick from.
	Disambiguate
	// Failed carries a user-facing message explaining why.
	Failed
)

// Resolution is the typed outcome of resolving a command's target.
type Resolution struct {
	Kind       ResolutionKind
	Target     Target
	Candidates []Target
	Message    string
}

func resolved(t Target) Resolution {
	return Resolution{Kind: Resolved, Target: t}
}

func disambiguate(candidates []Target) Resolution {
	return Resolution{Kind: Disambiguate, Candidates: candidates}
}

func failed(msg string) Resolution {
	return Resolution{Kind: Failed, Message: msg}
}

// Reply is the immediate response to a slash command or interactive selection.
type Reply struct {
	Text         string              `json:"text,omitempty"`
	ResponseType string              `json:"response_type,omitempty"`
	Attachments  []action.Attachment `json:"attachments,omitempty"`
}

func ephemeral(text string) Reply {
	return Reply{Text: text, ResponseType: "ephemeral"}
}

// disambiguationReply renders the candidate list as an ephemeral select.
func disambiguationReply(cmd Name, candidates []Target) Reply {
	options := make([]action.SelectOption, 0, len(candidates))
	for _, c := range candidates {
		options = append(options, action.SelectOption{Text: c.Username, Value: c.Value()})
	}
	return Reply{
		Text:         "Multiple users matched. Which one did you mean?",
		ResponseType: "ephemeral",
		Attachments: []action.Attachment{{
			Fallback:   "Pick a user",
			CallbackID: "target-select:" + string(cmd),
			Actions: []action.AttachmentAction{{
				Name:    "target",
				Text:    "Pick a user...",
				Type:    "select",
				Options: options,
			}},
		}},
	}
}

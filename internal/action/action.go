package action

import "context"

// Type enumerates the closed set of operations in the action protocol.
type Type int

const (
	PostMessage Type = iota
	PostEphemeral
	UpdateMessage
	OpenChannel
	CreateChannel
	ArchiveChannel
	UnarchiveChannel
	FetchHistory
	GetUserInfo
	Broadcast
	RespondToURL
)

func (t Type) String() string {
	switch t {
	case PostMessage:
		return "post_message"
	case PostEphemeral:
		return "post_ephemeral"
	case UpdateMessage:
		return "update_message"
	case OpenChannel:
		return "open_channel"
	case CreateChannel:
		return "create_channel"
	case ArchiveChannel:
		return "archive_channel"
	case UnarchiveChannel:
		return "unarchive_channel"
	case FetchHistory:
		return "fetch_history"
	case GetUserInfo:
		return "get_user_info"
	case Broadcast:
		return "broadcast"
	case RespondToURL:
		return "respond_to_url"
	default:
		return "unknown"
	}
}

// Params carries the payload for an Action. Only the fields relevant to the
// action's Type are consulted.
type Params struct {
	// Channel is the destination channel id (PostMessage, PostEphemeral).
	Channel string
	// User is a platform user id (PostEphemeral, OpenChannel, GetUserInfo).
	User string
	// Message is the payload to send (PostMessage, PostEphemeral, Broadcast)
	// or the replacement content (UpdateMessage).
	Message Message
	// PrevChannel and PrevTS identify the message being replaced (UpdateMessage).
	PrevChannel string
	PrevTS      string
	// UserIDs are the broadcast targets (Broadcast).
	UserIDs []string
	// CaptureFeedback appends a feedback prompt to broadcast messages (Broadcast).
	CaptureFeedback bool
	// Name is the channel name to create (CreateChannel).
	Name string
	// Limit caps how many messages to fetch (FetchHistory).
	Limit int
	// ResponseURL is the interaction callback target (RespondToURL).
	ResponseURL string
}

// Action pairs an operation type with its parameters.
type Action struct {
	Type   Type
	Params Params
}

// NewPostMessage builds a PostMessage action.
func NewPostMessage(channel string, msg Message) Action {
	return Action{Type: PostMessage, Params: Params{Channel: channel, Message: msg}}
}

// NewPostEphemeral builds a PostEphemeral action visible only to user in channel.
func NewPostEphemeral(channel, user string, msg Message) Action {
	return Action{Type: PostEphemeral, Params: Params{Channel: channel, User: user, Message: msg}}
}

// NewUpdateMessage builds an UpdateMessage action replacing the message at
// (prevChannel, prevTS) with msg.
func NewUpdateMessage(prevChannel, prevTS string, msg Message) Action {
	return Action{Type: UpdateMessage, Params: Params{PrevChannel: prevChannel, PrevTS: prevTS, Message: msg}}
}

// NewOpenChannel builds an OpenChannel (direct message) action for user.
func NewOpenChannel(user string) Action {
	return Action{Type: OpenChannel, Params: Params{User: user}}
}

// NewCreateChannel builds a CreateChannel action.
func NewCreateChannel(name string) Action {
	return Action{Type: CreateChannel, Params: Params{Name: name}}
}

// NewArchiveChannel builds an ArchiveChannel action.
func NewArchiveChannel(channel string) Action {
	return Action{Type: ArchiveChannel, Params: Params{Channel: channel}}
}

// NewUnarchiveChannel builds an UnarchiveChannel action.
func NewUnarchiveChannel(channel string) Action {
	return Action{Type: UnarchiveChannel, Params: Params{Channel: channel}}
}

// NewFetchHistory builds a FetchHistory action returning up to limit of the
// channel's most recent messages.
func NewFetchHistory(channel string, limit int) Action {
	return Action{Type: FetchHistory, Params: Params{Channel: channel, Limit: limit}}
}

// NewRespondToURL builds a RespondToURL action posting msg to an interaction
// callback url.
func NewRespondToURL(url string, msg Message) Action {
	return Action{Type: RespondToURL, Params: Params{ResponseURL: url, Message: msg}}
}

// NewGetUserInfo builds a GetUserInfo action for user.
func NewGetUserInfo(user string) Action {
	return Action{Type: GetUserInfo, Params: Params{User: user}}
}

// NewBroadcast builds a Broadcast action delivering msg to every user id.
func NewBroadcast(msg Message, userIDs []string, captureFeedback bool) Action {
	return Action{Type: Broadcast, Params: Params{Message: msg, UserIDs: userIDs, CaptureFeedback: captureFeedback}}
}

// UserInfo is the normalized profile returned by GetUserInfo.
type UserInfo struct {
	ID          string
	TeamID      string
	Name        string
	DisplayName string
	RealName    string
	Image24     string
	Image72     string
}

// HistoryMessage is one entry returned by FetchHistory, in chronological
// order with the oldest message first.
type HistoryMessage struct {
	TS      string
	Text    string
	User    string
	BotID   string
	SubType string
}

// BroadcastFailure records one failed delivery inside a Broadcast.
type BroadcastFailure struct {
	UserID string `json:"user_id"`
	Error  string `json:"error"`
}

// Result is the normalized outcome of executing an action. OK=false always
// carries Error; expected failure modes (invalid auth, rate limit, not-found)
// and transport failures (timeout, malformed response) both surface here.
// Connections never panic across this boundary.
type Result struct {
	OK      bool               `json:"ok"`
	Error   string             `json:"error,omitempty"`
	TS      string             `json:"ts,omitempty"`
	Channel string             `json:"channel,omitempty"`
	User    *UserInfo          `json:"-"`
	Errors  []BroadcastFailure `json:"errors,omitempty"`
	// Messages holds FetchHistory results.
	Messages []HistoryMessage `json:"-"`
}

// Fail builds an error Result.
func Fail(err string) Result {
	return Result{OK: false, Error: err}
}

// Connection executes actions against one chat backend on behalf of one
// credential.
type Connection interface {
	Do(ctx context.Context, a Action) Result
}

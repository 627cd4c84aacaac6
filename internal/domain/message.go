package domain

import "time"

// MsgType is the provider's numeric message kind.
type MsgType int

const (
	MsgText  MsgType = 1
	MsgImage MsgType = 3
	MsgVoice MsgType = 34
	MsgVideo MsgType = 43
	MsgApp   MsgType = 49
)

// IsMedia reports whether the message carries a remote attachment that must be downloaded.
func (t MsgType) IsMedia() bool {
	return t == MsgImage || t == MsgVoice || t == MsgVideo
}

func (t MsgType) String() string {
	switch t {
	case MsgText:
		return "text"
	case MsgImage:
		return "image"
	case MsgVoice:
		return "voice"
	case MsgVideo:
		return "video"
	case MsgApp:
		return "app"
	default:
		return "unknown"
	}
}

// InboundMessage is one normalized webhook callback. It is built once by the
// normalizer and never mutated afterwards.
type InboundMessage struct {
	MessageID     string
	NewMessageID  string
	AppID         string
	BotWxid       string
	FromID        string
	ToID          string
	SenderID      string
	SenderName    string
	Text          string
	MsgType       MsgType
	RawPayloadXML string
	Timestamp     time.Time
	IsGroupChat   bool

	RoomID      string   // group id when IsGroupChat
	AtUserList  []string // ids listed in MsgSource/atuserlist
	PushContent string
}

// DedupeKey is the composite idempotency key appId:newMessageId.
func (m InboundMessage) DedupeKey() string {
	return m.AppID + ":" + m.NewMessageID
}

// ChatID is the conversation a reply should go to: the room for groups, the sender for DMs.
func (m InboundMessage) ChatID() string {
	if m.IsGroupChat {
		return m.RoomID
	}
	return m.FromID
}

// ResolvedMedia describes a staged artifact ready to be referenced by URL.
type ResolvedMedia struct {
	PublicURL   string `json:"publicUrl"`
	ContentType string `json:"contentType,omitempty"`
	FileName    string `json:"fileName,omitempty"`
	LocalPath   string `json:"-"`
}

// Envelope is what the bridge hands to the agent pipeline.
type Envelope struct {
	ID                string          `json:"id"`
	AccountID         string          `json:"accountId"`
	ChatID            string          `json:"chatId"`
	SenderID          string          `json:"senderId"`
	SenderName        string          `json:"senderName,omitempty"`
	Body              string          `json:"body"`
	MsgType           string          `json:"msgType"`
	IsGroup           bool            `json:"isGroup"`
	WasMentioned      bool            `json:"wasMentioned"`
	CommandAuthorized bool            `json:"commandAuthorized"`
	Media             []ResolvedMedia `json:"media,omitempty"`
	MediaNote         string          `json:"mediaNote,omitempty"`
	Timestamp         time.Time       `json:"timestamp"`
}

// LinkCard is an outbound rich link preview.
type LinkCard struct {
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	URL          string `json:"url"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
}

// OutboundMessage is a reply produced by the agent pipeline.
type OutboundMessage struct {
	AccountID string    `json:"accountId"`
	ChatID    string    `json:"chatId"`
	Text      string    `json:"text,omitempty"`
	MediaURL  string    `json:"mediaUrl,omitempty"`
	MediaPath string    `json:"mediaPath,omitempty"`
	FileName  string    `json:"fileName,omitempty"`
	Link      *LinkCard `json:"link,omitempty"`
	Ats       []string  `json:"ats,omitempty"`
}

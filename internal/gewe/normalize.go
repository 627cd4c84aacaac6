// Package gewe speaks the GeWe provider protocol: webhook payload parsing,
// the REST client and the webhook/media HTTP servers.
package gewe

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"strings"
	"time"

	"gewebridge/internal/domain"
)

const groupSuffix = "@chatroom"

// callback is the provider's webhook envelope.
type callback struct {
	TypeName string       `json:"TypeName"`
	Appid    string       `json:"Appid"`
	Wxid     string       `json:"Wxid"`
	Data     callbackData `json:"Data"`
	TestMsg  string       `json:"testMsg"`
}

type callbackData struct {
	MsgID        flexString `json:"MsgId"`
	NewMsgID     flexString `json:"NewMsgId"`
	FromUserName wrapped    `json:"FromUserName"`
	ToUserName   wrapped    `json:"ToUserName"`
	MsgType      *int       `json:"MsgType"`
	Content      wrapped    `json:"Content"`
	CreateTime   int64      `json:"CreateTime"`
	PushContent  string     `json:"PushContent"`
	MsgSource    string     `json:"MsgSource"`
}

// wrapped is the {"string": "..."} shape used for ids and content.
type wrapped struct {
	String string `json:"string"`
}

// flexString accepts both JSON numbers and strings. Numbers are kept as their
// literal text so 64-bit ids survive without float rounding.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// Normalize parses one webhook body. It reports false when the body is not
// JSON, when appId, botWxid, fromId or toId is empty, or when MsgType is absent.
func Normalize(body []byte) (domain.InboundMessage, bool) {
	var cb callback
	if err := json.Unmarshal(body, &cb); err != nil {
		return domain.InboundMessage{}, false
	}

	appID := strings.TrimSpace(cb.Appid)
	botWxid := strings.TrimSpace(cb.Wxid)
	fromID := strings.TrimSpace(cb.Data.FromUserName.String)
	toID := strings.TrimSpace(cb.Data.ToUserName.String)
	if appID == "" || botWxid == "" || fromID == "" || toID == "" || cb.Data.MsgType == nil {
		return domain.InboundMessage{}, false
	}

	msg := domain.InboundMessage{
		MessageID:    string(cb.Data.MsgID),
		NewMessageID: string(cb.Data.NewMsgID),
		AppID:        appID,
		BotWxid:      botWxid,
		FromID:       fromID,
		ToID:         toID,
		SenderID:     fromID,
		MsgType:      domain.MsgType(*cb.Data.MsgType),
		PushContent:  cb.Data.PushContent,
		AtUserList:   parseAtUserList(cb.Data.MsgSource),
	}
	if msg.NewMessageID == "" {
		msg.NewMessageID = msg.MessageID
	}
	if cb.Data.CreateTime > 0 {
		msg.Timestamp = time.Unix(cb.Data.CreateTime, 0)
	} else {
		msg.Timestamp = time.Now()
	}

	content := cb.Data.Content.String
	switch {
	case strings.HasSuffix(fromID, groupSuffix):
		msg.IsGroupChat = true
		msg.RoomID = fromID
	case strings.HasSuffix(toID, groupSuffix):
		msg.IsGroupChat = true
		msg.RoomID = toID
	}
	if msg.IsGroupChat {
		if sender, rest, ok := splitGroupSender(content); ok {
			msg.SenderID = sender
			content = rest
		}
	}

	msg.SenderName = senderNameFromPush(cb.Data.PushContent)

	if msg.MsgType == domain.MsgText {
		msg.Text = content
	} else {
		msg.RawPayloadXML = content
	}
	return msg, true
}

// IsTestCallback reports whether body is the provider's connectivity check.
func IsTestCallback(body []byte) bool {
	var cb callback
	if err := json.Unmarshal(body, &cb); err != nil {
		return false
	}
	return cb.TestMsg != "" && cb.Appid == "" && cb.Data.MsgType == nil
}

// splitGroupSender splits "wxid_sender:\nbody" on the first marker.
func splitGroupSender(content string) (sender, rest string, ok bool) {
	idx := strings.Index(content, ":\n")
	if idx <= 0 {
		return "", content, false
	}
	sender = strings.TrimSpace(content[:idx])
	if sender == "" || strings.ContainsAny(sender, " \t\n<") {
		return "", content, false
	}
	return sender, content[idx+2:], true
}

func senderNameFromPush(push string) string {
	if push == "" {
		return ""
	}
	for _, sep := range []string{" : ", ": "} {
		if idx := strings.Index(push, sep); idx > 0 {
			return strings.TrimSpace(push[:idx])
		}
	}
	return ""
}

type msgSource struct {
	AtUserList string `xml:"atuserlist"`
}

func parseAtUserList(source string) []string {
	if !strings.Contains(source, "atuserlist") {
		return nil
	}
	var ms msgSource
	if err := xml.Unmarshal([]byte(source), &ms); err != nil {
		return nil
	}
	var ids []string
	for _, id := range strings.Split(ms.AtUserList, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// AppMessage is the subset of an <appmsg> payload the bridge forwards.
type AppMessage struct {
	Title       string
	Description string
	URL         string
	Type        int
	FileName    string
}

type appMsgXML struct {
	AppMsg struct {
		Title     string `xml:"title"`
		Des       string `xml:"des"`
		URL       string `xml:"url"`
		Type      int    `xml:"type"`
		AppAttach struct {
			FileExt string `xml:"fileext"`
		} `xml:"appattach"`
	} `xml:"appmsg"`
}

// ParseAppMessage extracts title, description and url from a type 49 payload.
func ParseAppMessage(raw string) (AppMessage, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return AppMessage{}, false
	}
	var doc appMsgXML
	if err := xml.Unmarshal([]byte(raw), &doc); err != nil {
		return AppMessage{}, false
	}
	am := AppMessage{
		Title:       strings.TrimSpace(doc.AppMsg.Title),
		Description: strings.TrimSpace(doc.AppMsg.Des),
		URL:         strings.TrimSpace(doc.AppMsg.URL),
		Type:        doc.AppMsg.Type,
	}
	if ext := strings.TrimSpace(doc.AppMsg.AppAttach.FileExt); ext != "" && am.Title != "" {
		am.FileName = am.Title
	}
	if am.Title == "" && am.URL == "" {
		return AppMessage{}, false
	}
	return am, true
}

// Body renders the app message as plain text for the agent.
func (a AppMessage) Body() string {
	var parts []string
	if a.Title != "" {
		parts = append(parts, a.Title)
	}
	if a.Description != "" && a.Description != a.Title {
		parts = append(parts, a.Description)
	}
	if a.URL != "" {
		parts = append(parts, a.URL)
	}
	return strings.Join(parts, "\n")
}

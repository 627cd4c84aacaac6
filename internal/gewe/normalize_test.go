package gewe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gewebridge/internal/domain"
)

const dmTextPayload = `{
	"TypeName": "AddMsg",
	"Appid": "wx_app",
	"Wxid": "wxid_bot",
	"Data": {
		"MsgId": 1040356095,
		"FromUserName": {"string": "wxid_abc"},
		"ToUserName": {"string": "wxid_bot"},
		"MsgType": 1,
		"Content": {"string": "hello"},
		"CreateTime": 1705043418,
		"PushContent": "Alice : hello",
		"NewMsgId": 7880439644200000000
	}
}`

func TestNormalize_DMText(t *testing.T) {
	msg, ok := Normalize([]byte(dmTextPayload))
	require.True(t, ok)

	assert.Equal(t, "wx_app", msg.AppID)
	assert.Equal(t, "wxid_bot", msg.BotWxid)
	assert.Equal(t, "wxid_abc", msg.SenderID)
	assert.Equal(t, "Alice", msg.SenderName)
	assert.Equal(t, "hello", msg.Text)
	assert.Equal(t, domain.MsgText, msg.MsgType)
	assert.False(t, msg.IsGroupChat)
	assert.Equal(t, "1040356095", msg.MessageID)
	assert.Equal(t, "7880439644200000000", msg.NewMessageID, "64-bit id keeps its digits")
	assert.Equal(t, "wx_app:7880439644200000000", msg.DedupeKey())
	assert.Equal(t, int64(1705043418), msg.Timestamp.Unix())
	assert.Empty(t, msg.RawPayloadXML)
}

func TestNormalize_GroupSplitsSender(t *testing.T) {
	body := `{"Appid":"wx_app","Wxid":"wxid_bot","Data":{
		"MsgId":"1","NewMsgId":"2",
		"FromUserName":{"string":"123@chatroom"},
		"ToUserName":{"string":"wxid_bot"},
		"MsgType":1,
		"Content":{"string":"wxid_member:\n@bot what time is it:\nnow"},
		"PushContent":"Bob: @bot what time",
		"MsgSource":"<msgsource><atuserlist><![CDATA[,wxid_bot]]></atuserlist></msgsource>"}}`

	msg, ok := Normalize([]byte(body))
	require.True(t, ok)
	assert.True(t, msg.IsGroupChat)
	assert.Equal(t, "123@chatroom", msg.RoomID)
	assert.Equal(t, "123@chatroom", msg.ChatID())
	assert.Equal(t, "wxid_member", msg.SenderID)
	assert.Equal(t, "@bot what time is it:\nnow", msg.Text, "only the first marker splits")
	assert.Equal(t, "Bob", msg.SenderName)
	assert.Equal(t, []string{"wxid_bot"}, msg.AtUserList)
}

func TestNormalize_GroupWithoutMarkerKeepsRoomAsSender(t *testing.T) {
	body := `{"Appid":"a","Wxid":"b","Data":{"NewMsgId":5,"FromUserName":{"string":"9@chatroom"},"ToUserName":{"string":"b"},"MsgType":1,"Content":{"string":"system notice"}}}`
	msg, ok := Normalize([]byte(body))
	require.True(t, ok)
	assert.Equal(t, "9@chatroom", msg.SenderID)
	assert.Equal(t, "system notice", msg.Text)
}

func TestNormalize_ImageKeepsRawXML(t *testing.T) {
	body := `{"Appid":"a","Wxid":"b","Data":{"NewMsgId":77,"FromUserName":{"string":"wxid_x"},"ToUserName":{"string":"b"},"MsgType":3,"Content":{"string":"<?xml version=\"1.0\"?><msg><img aeskey=\"k\" /></msg>"}}}`
	msg, ok := Normalize([]byte(body))
	require.True(t, ok)
	assert.Equal(t, domain.MsgImage, msg.MsgType)
	assert.Contains(t, msg.RawPayloadXML, "<img")
	assert.Empty(t, msg.Text)
}

func TestNormalize_Rejects(t *testing.T) {
	cases := map[string]string{
		"not json":      `{oops`,
		"missing appid": `{"Wxid":"b","Data":{"FromUserName":{"string":"x"},"ToUserName":{"string":"b"},"MsgType":1}}`,
		"missing wxid":  `{"Appid":"a","Data":{"FromUserName":{"string":"x"},"ToUserName":{"string":"b"},"MsgType":1}}`,
		"missing from":  `{"Appid":"a","Wxid":"b","Data":{"ToUserName":{"string":"b"},"MsgType":1}}`,
		"missing to":    `{"Appid":"a","Wxid":"b","Data":{"FromUserName":{"string":"x"},"MsgType":1}}`,
		"missing type":  `{"Appid":"a","Wxid":"b","Data":{"FromUserName":{"string":"x"},"ToUserName":{"string":"b"}}}`,
		"array body":    `[1,2,3]`,
		"blank appid":   `{"Appid":"  ","Wxid":"b","Data":{"FromUserName":{"string":"x"},"ToUserName":{"string":"b"},"MsgType":1}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, ok := Normalize([]byte(body))
			assert.False(t, ok)
		})
	}
}

func TestNormalize_UnknownTypeStillNormalizes(t *testing.T) {
	body := `{"Appid":"a","Wxid":"b","Data":{"FromUserName":{"string":"x"},"ToUserName":{"string":"b"},"MsgType":10002}}`
	msg, ok := Normalize([]byte(body))
	require.True(t, ok, "unknown types normalize; the policy gate drops them")
	assert.Equal(t, domain.MsgType(10002), msg.MsgType)
}

func TestSenderNameFromPush(t *testing.T) {
	assert.Equal(t, "Alice", senderNameFromPush("Alice : hi: there"))
	assert.Equal(t, "Bob", senderNameFromPush("Bob: hi"))
	assert.Equal(t, "", senderNameFromPush("no separator"))
	assert.Equal(t, "", senderNameFromPush(""))
}

func TestIsTestCallback(t *testing.T) {
	assert.True(t, IsTestCallback([]byte(`{"testMsg":"callback ok","token":"t"}`)))
	assert.False(t, IsTestCallback([]byte(dmTextPayload)))
	assert.False(t, IsTestCallback([]byte(`nope`)))
}

func TestParseAppMessage(t *testing.T) {
	raw := `<?xml version="1.0"?><msg><appmsg appid="" sdkver="0"><title>Release notes</title><des>What changed</des><type>5</type><url>https://example.com/post</url></appmsg></msg>`
	am, ok := ParseAppMessage(raw)
	require.True(t, ok)
	assert.Equal(t, "Release notes", am.Title)
	assert.Equal(t, 5, am.Type)
	assert.Equal(t, "Release notes\nWhat changed\nhttps://example.com/post", am.Body())

	_, ok = ParseAppMessage("")
	assert.False(t, ok)
	_, ok = ParseAppMessage("<msg><appmsg></appmsg></msg>")
	assert.False(t, ok)
}

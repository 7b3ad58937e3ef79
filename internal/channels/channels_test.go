package channels

import (
	"testing"

	"github.com/basket/workcell/internal/channel"
)

func TestSlackInboundParseMessage(t *testing.T) {
	raw := []byte(`{
		"type": "event_callback",
		"team_id": "T1",
		"event": {"type": "message", "user": "U1", "channel": "C1", "text": "hello there", "ts": "123.456"}
	}`)
	msgs, err := SlackInbound{}.Parse(raw, nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Sender != "U1" || msgs[0].TextBody != "hello there" {
		t.Fatalf("unexpected parse result: %+v", msgs)
	}
}

func TestSlackInboundDropsBotMessage(t *testing.T) {
	raw := []byte(`{
		"type": "event_callback",
		"event": {"type": "message", "subtype": "bot_message", "bot_id": "B1", "channel": "C1", "text": "hi", "ts": "1"}
	}`)
	_, err := SlackInbound{}.Parse(raw, nil)
	if err != ErrIgnored {
		t.Fatalf("expected ErrIgnored, got %v", err)
	}
}

func TestDiscordInboundDropsBotAuthor(t *testing.T) {
	raw := []byte(`{"message_id":"1","channel_id":"c1","author_id":"a1","author_is_bot":true,"content":"hi"}`)
	_, err := DiscordInbound{}.Parse(raw, nil)
	if err != ErrIgnored {
		t.Fatalf("expected ErrIgnored, got %v", err)
	}
}

func TestDiscordInboundParsesMessage(t *testing.T) {
	raw := []byte(`{"message_id":"1","channel_id":"c1","guild_id":"g1","author_id":"a1","content":"hi there"}`)
	msgs, err := DiscordInbound{}.Parse(raw, nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ThreadID != "c1" || msgs[0].Channel != channel.Discord {
		t.Fatalf("unexpected parse result: %+v", msgs)
	}
}

func TestSMSInboundParsesFormBody(t *testing.T) {
	raw := []byte("From=%2B15551234567&To=%2B15557654321&Body=hello&MessageSid=SM123")
	msgs, err := SMSInbound{}.Parse(raw, nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Sender != "+15551234567" || msgs[0].TextBody != "hello" {
		t.Fatalf("unexpected parse result: %+v", msgs)
	}
}

func TestWhatsAppInboundParsesEntry(t *testing.T) {
	raw := []byte(`{"entry":[{"changes":[{"value":{"messages":[{"from":"15551234567","id":"wamid.1","type":"text","text":{"body":"hi"}}]}}]}]}`)
	msgs, err := WhatsAppInbound{}.Parse(raw, nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Sender != "15551234567" {
		t.Fatalf("unexpected parse result: %+v", msgs)
	}
}

func TestWhatsAppInboundIgnoresEmptyEntry(t *testing.T) {
	raw := []byte(`{"entry":[]}`)
	_, err := WhatsAppInbound{}.Parse(raw, nil)
	if err != ErrIgnored {
		t.Fatalf("expected ErrIgnored, got %v", err)
	}
}

func TestIMessageInboundDropsOwnEchoes(t *testing.T) {
	raw := []byte(`{"type":"new-message","data":{"guid":"g1","text":"hi","isFromMe":true,"chats":[{"guid":"chat1"}]}}`)
	_, err := IMessageInbound{}.Parse(raw, nil)
	if err != ErrIgnored {
		t.Fatalf("expected ErrIgnored, got %v", err)
	}
}

func TestIMessageInboundParsesIncoming(t *testing.T) {
	raw := []byte(`{"type":"new-message","data":{"guid":"g1","text":"hi there","isFromMe":false,"chats":[{"guid":"chat1"}],"handle":{"address":"+15551234567"}}}`)
	msgs, err := IMessageInbound{}.Parse(raw, nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ThreadID != "chat1" {
		t.Fatalf("unexpected parse result: %+v", msgs)
	}
}

func TestPostmarkInboundParsesEmail(t *testing.T) {
	raw := []byte(`{"From":"a@example.com","FromName":"A","To":"emp@example.com","Subject":"Hi","TextBody":"body text","MessageID":"m1"}`)
	msgs, err := PostmarkInbound{}.Parse(raw, nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Channel != channel.Email || msgs[0].Sender != "a@example.com" {
		t.Fatalf("unexpected parse result: %+v", msgs)
	}
}

func TestSplitDocThread(t *testing.T) {
	docID, commentID, ok := splitDocThread("doc1:comment1")
	if !ok || docID != "doc1" || commentID != "comment1" {
		t.Fatalf("unexpected split result: %q %q %v", docID, commentID, ok)
	}
	if _, _, ok := splitDocThread("malformed"); ok {
		t.Fatalf("expected malformed thread id to fail")
	}
}

func TestTelegramInboundDropsBotSender(t *testing.T) {
	raw := []byte(`{"update_id":1,"message":{"message_id":1,"from":{"id":1,"is_bot":true},"chat":{"id":1},"text":"hi"}}`)
	_, err := TelegramInbound{}.Parse(raw, nil)
	if err != ErrIgnored {
		t.Fatalf("expected ErrIgnored, got %v", err)
	}
}

func TestTelegramInboundParsesMessage(t *testing.T) {
	raw := []byte(`{"update_id":1,"message":{"message_id":1,"from":{"id":42,"is_bot":false,"username":"bob"},"chat":{"id":99},"text":"hi there"}}`)
	msgs, err := TelegramInbound{}.Parse(raw, nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Sender != "42" || msgs[0].Recipient != "99" {
		t.Fatalf("unexpected parse result: %+v", msgs)
	}
}

package channels

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/basket/workcell/internal/channel"
)

// bluebubblesWebhook is the subset of BlueBubbles' webhook payload this
// adapter cares about.
type bluebubblesWebhook struct {
	Type string `json:"type"`
	Data struct {
		GUID      string `json:"guid"`
		Text      string `json:"text"`
		IsFromMe  bool   `json:"isFromMe"`
		Chats     []struct {
			GUID string `json:"guid"`
		} `json:"chats"`
		Handle struct {
			Address string `json:"address"`
		} `json:"handle"`
	} `json:"data"`
}

// IMessageInbound parses BlueBubbles webhook deliveries, dropping
// is_from_me echoes of the employee's own sent messages.
type IMessageInbound struct{}

func (IMessageInbound) Name() string { return "imessage" }

func (IMessageInbound) Parse(raw []byte, metadata channel.Metadata) ([]channel.InboundMessage, error) {
	var webhook bluebubblesWebhook
	if err := json.Unmarshal(raw, &webhook); err != nil {
		return nil, fmt.Errorf("imessage: parse webhook: %w", err)
	}
	if webhook.Type != "new-message" {
		return nil, ErrIgnored
	}
	if webhook.Data.IsFromMe {
		return nil, ErrIgnored
	}
	if webhook.Data.Text == "" || len(webhook.Data.Chats) == 0 {
		return nil, ErrIgnored
	}
	chatGUID := webhook.Data.Chats[0].GUID

	msg := channel.InboundMessage{
		Channel:       channel.IMessage,
		Sender:        webhook.Data.Handle.Address,
		Recipient:     chatGUID,
		TextBody:      webhook.Data.Text,
		ThreadID:      chatGUID,
		ExternalMsgID: webhook.Data.GUID,
		ReplyTo:       []string{chatGUID},
		Metadata: channel.Metadata{
			"chat_guid": chatGUID,
		},
	}
	return []channel.InboundMessage{msg}, nil
}

// IMessageOutbound sends replies through a self-hosted BlueBubbles server's
// REST API. BlueBubbles has no published Go client, so this talks to it
// directly over net/http the same way the raw payload store talks to
// Supabase Storage.
type IMessageOutbound struct {
	ServerURL string
	Password  string
	Client    *http.Client
}

func NewIMessageOutbound(serverURL, password string) *IMessageOutbound {
	return &IMessageOutbound{ServerURL: serverURL, Password: password, Client: http.DefaultClient}
}

func (IMessageOutbound) Name() string { return "imessage" }

type bluebubblesSendRequest struct {
	ChatGUID string `json:"chatGuid"`
	Message  string `json:"message"`
	Method   string `json:"method"`
}

func (o *IMessageOutbound) Send(msg channel.OutboundMessage) (channel.SendResult, error) {
	body, _, err := replyBody(msg.TextPath, msg.HTMLPath)
	if err != nil {
		return channel.SendResult{}, err
	}
	if len(msg.To) == 0 {
		return channel.SendResult{}, fmt.Errorf("imessage: send: no destination chat")
	}

	payload, err := json.Marshal(bluebubblesSendRequest{ChatGUID: msg.To[0], Message: body, Method: "private-api"})
	if err != nil {
		return channel.SendResult{}, fmt.Errorf("imessage: marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/v1/message/text?password=%s", o.ServerURL, url.QueryEscape(o.Password))
	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return channel.SendResult{}, fmt.Errorf("imessage: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.Client.Do(req)
	if err != nil {
		return channel.SendResult{}, fmt.Errorf("imessage: send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return channel.SendResult{}, fmt.Errorf("imessage: server returned status %d", resp.StatusCode)
	}
	return channel.SendResult{Success: true, SubmittedAt: time.Now()}, nil
}

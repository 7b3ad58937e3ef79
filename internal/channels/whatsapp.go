package channels

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/basket/workcell/internal/channel"
)

type whatsappWebhook struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Messages []struct {
					From string `json:"from"`
					ID   string `json:"id"`
					Type string `json:"type"`
					Text struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// WhatsAppInbound parses Meta Cloud API webhook deliveries. The
// subscription verification GET is handled by the gateway before this is
// reached; Parse only sees POST bodies carrying actual messages.
type WhatsAppInbound struct{}

func (WhatsAppInbound) Name() string { return "whatsapp" }

func (WhatsAppInbound) Parse(raw []byte, metadata channel.Metadata) ([]channel.InboundMessage, error) {
	var webhook whatsappWebhook
	if err := json.Unmarshal(raw, &webhook); err != nil {
		return nil, fmt.Errorf("whatsapp: parse webhook: %w", err)
	}

	var messages []channel.InboundMessage
	for _, entry := range webhook.Entry {
		for _, change := range entry.Changes {
			for _, m := range change.Value.Messages {
				if m.Type != "" && m.Type != "text" {
					continue
				}
				if m.Text.Body == "" {
					continue
				}
				messages = append(messages, channel.InboundMessage{
					Channel:       channel.WhatsApp,
					Sender:        m.From,
					Recipient:     m.From,
					TextBody:      m.Text.Body,
					ThreadID:      m.From,
					ExternalMsgID: m.ID,
					ReplyTo:       []string{m.From},
					Metadata: channel.Metadata{
						"phone": m.From,
					},
				})
			}
		}
	}
	if len(messages) == 0 {
		return nil, ErrIgnored
	}
	return messages, nil
}

// WhatsAppOutbound sends replies through the Meta Cloud API's messages
// endpoint, bearer-token authenticated.
type WhatsAppOutbound struct {
	PhoneNumberID string
	AccessToken   string
	Client        *http.Client
}

func NewWhatsAppOutbound(phoneNumberID, accessToken string) *WhatsAppOutbound {
	return &WhatsAppOutbound{PhoneNumberID: phoneNumberID, AccessToken: accessToken, Client: http.DefaultClient}
}

func (WhatsAppOutbound) Name() string { return "whatsapp" }

type whatsappSendRequest struct {
	MessagingProduct string `json:"messaging_product"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Text             struct {
		Body string `json:"body"`
	} `json:"text"`
}

type whatsappSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

func (o *WhatsAppOutbound) Send(msg channel.OutboundMessage) (channel.SendResult, error) {
	body, _, err := replyBody(msg.TextPath, msg.HTMLPath)
	if err != nil {
		return channel.SendResult{}, err
	}
	if len(msg.To) == 0 {
		return channel.SendResult{}, fmt.Errorf("whatsapp: send: no destination number")
	}

	reqBody := whatsappSendRequest{MessagingProduct: "whatsapp", To: msg.To[0], Type: "text"}
	reqBody.Text.Body = body
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return channel.SendResult{}, fmt.Errorf("whatsapp: marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("https://graph.facebook.com/v19.0/%s/messages", o.PhoneNumberID)
	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return channel.SendResult{}, fmt.Errorf("whatsapp: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.AccessToken)

	resp, err := o.Client.Do(req)
	if err != nil {
		return channel.SendResult{}, fmt.Errorf("whatsapp: send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return channel.SendResult{}, fmt.Errorf("whatsapp: graph api returned status %d", resp.StatusCode)
	}
	var parsed whatsappSendResponse
	messageID := ""
	if json.NewDecoder(resp.Body).Decode(&parsed) == nil && len(parsed.Messages) > 0 {
		messageID = parsed.Messages[0].ID
	}
	return channel.SendResult{Success: true, MessageID: messageID, SubmittedAt: time.Now()}, nil
}

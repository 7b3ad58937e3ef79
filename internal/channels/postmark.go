package channels

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/basket/workcell/internal/channel"
)

type postmarkInboundWebhook struct {
	From        string `json:"From"`
	FromName    string `json:"FromName"`
	To          string `json:"To"`
	Subject     string `json:"Subject"`
	TextBody    string `json:"TextBody"`
	HTMLBody    string `json:"HtmlBody"`
	MessageID   string `json:"MessageID"`
	MailboxHash string `json:"MailboxHash"`
	Attachments []struct {
		Name        string `json:"Name"`
		ContentType string `json:"ContentType"`
		ContentLength int64 `json:"ContentLength"`
	} `json:"Attachments"`
}

// PostmarkInbound parses Postmark's inbound email webhook schema.
type PostmarkInbound struct{}

func (PostmarkInbound) Name() string { return "email" }

func (PostmarkInbound) Parse(raw []byte, metadata channel.Metadata) ([]channel.InboundMessage, error) {
	var webhook postmarkInboundWebhook
	if err := json.Unmarshal(raw, &webhook); err != nil {
		return nil, fmt.Errorf("postmark: parse webhook: %w", err)
	}
	if webhook.From == "" {
		return nil, ErrIgnored
	}

	attachments := make([]channel.Attachment, 0, len(webhook.Attachments))
	for _, a := range webhook.Attachments {
		attachments = append(attachments, channel.Attachment{
			Filename:    a.Name,
			ContentType: a.ContentType,
			SizeBytes:   a.ContentLength,
		})
	}

	msg := channel.InboundMessage{
		Channel:       channel.Email,
		Sender:        webhook.From,
		SenderName:    webhook.FromName,
		Recipient:     webhook.To,
		Subject:       webhook.Subject,
		TextBody:      webhook.TextBody,
		HTMLBody:      webhook.HTMLBody,
		ThreadID:      strings.ToLower(strings.TrimSpace(webhook.Subject)),
		ExternalMsgID: webhook.MessageID,
		ReplyTo:       []string{webhook.From},
		Attachments:   attachments,
		Metadata: channel.Metadata{
			"mailbox_hash": webhook.MailboxHash,
		},
	}
	return []channel.InboundMessage{msg}, nil
}

// PostmarkOutbound sends replies through Postmark's single-email send
// endpoint, authenticated with a per-server token.
type PostmarkOutbound struct {
	ServerToken string
	Client      *http.Client
}

func NewPostmarkOutbound(serverToken string) *PostmarkOutbound {
	return &PostmarkOutbound{ServerToken: serverToken, Client: http.DefaultClient}
}

func (PostmarkOutbound) Name() string { return "email" }

type postmarkSendRequest struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HTMLBody string `json:"HtmlBody,omitempty"`
	TextBody string `json:"TextBody,omitempty"`
}

type postmarkSendResponse struct {
	MessageID string `json:"MessageID"`
	ErrorCode int    `json:"ErrorCode"`
	Message   string `json:"Message"`
}

func (o *PostmarkOutbound) Send(msg channel.OutboundMessage) (channel.SendResult, error) {
	body, isHTML, err := replyBody(msg.TextPath, msg.HTMLPath)
	if err != nil {
		return channel.SendResult{}, err
	}
	if len(msg.To) == 0 {
		return channel.SendResult{}, fmt.Errorf("postmark: send: no destination address")
	}

	reqBody := postmarkSendRequest{From: msg.From, To: strings.Join(msg.To, ","), Subject: msg.Subject}
	if isHTML {
		reqBody.HTMLBody = body
	} else {
		reqBody.TextBody = body
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return channel.SendResult{}, fmt.Errorf("postmark: marshal request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, "https://api.postmarkapp.com/email", bytes.NewReader(payload))
	if err != nil {
		return channel.SendResult{}, fmt.Errorf("postmark: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", o.ServerToken)

	resp, err := o.Client.Do(req)
	if err != nil {
		return channel.SendResult{}, fmt.Errorf("postmark: send request: %w", err)
	}
	defer resp.Body.Close()

	var parsed postmarkSendResponse
	if decodeErr := json.NewDecoder(resp.Body).Decode(&parsed); decodeErr != nil {
		return channel.SendResult{}, fmt.Errorf("postmark: decode response: %w", decodeErr)
	}
	if resp.StatusCode >= 300 || parsed.ErrorCode != 0 {
		return channel.SendResult{}, fmt.Errorf("postmark: send failed (code %d): %s", parsed.ErrorCode, parsed.Message)
	}
	return channel.SendResult{Success: true, MessageID: parsed.MessageID, SubmittedAt: time.Now()}, nil
}

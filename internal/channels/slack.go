package channels

import (
	"errors"
	"fmt"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/basket/workcell/internal/channel"
)

// ErrIgnored marks an inbound payload that parsed successfully but carries
// no work for the pipeline (bot-origin events, Slack's own retries of an
// event type we don't act on, and so on). The gateway turns this into a
// 200 "ignored" response rather than a parse failure.
var ErrIgnored = errors.New("channels: ignored")

// SlackInbound parses Slack Events API callbacks. URL verification
// challenges are handled by the gateway before this is reached.
type SlackInbound struct{}

func (SlackInbound) Name() string { return "slack" }

func (SlackInbound) Parse(raw []byte, metadata channel.Metadata) ([]channel.InboundMessage, error) {
	event, err := slackevents.ParseEvent(raw, slackevents.NoOptionValidation())
	if err != nil {
		return nil, fmt.Errorf("slack: parse event: %w", err)
	}
	if event.Type != slackevents.CallbackEvent {
		return nil, ErrIgnored
	}

	inner, ok := event.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return nil, ErrIgnored
	}
	if inner.BotID != "" || inner.SubType == "bot_message" {
		return nil, ErrIgnored
	}
	if inner.Text == "" {
		return nil, ErrIgnored
	}

	threadID := inner.ThreadTimeStamp
	if threadID == "" {
		threadID = inner.TimeStamp
	}

	msg := channel.InboundMessage{
		Channel:       channel.Slack,
		Sender:        inner.User,
		Recipient:     inner.Channel,
		TextBody:      inner.Text,
		ThreadID:      threadID,
		ExternalMsgID: inner.TimeStamp,
		ReplyTo:       []string{inner.Channel},
		Metadata: channel.Metadata{
			"team":    event.TeamID,
			"channel": inner.Channel,
		},
	}
	return []channel.InboundMessage{msg}, nil
}

// SlackOutbound sends replies via chat.postMessage, threading on ThreadID
// and rendering the body as mrkdwn.
type SlackOutbound struct {
	Client *slack.Client
}

func NewSlackOutbound(botToken string) *SlackOutbound {
	return &SlackOutbound{Client: slack.New(botToken)}
}

func (SlackOutbound) Name() string { return "slack" }

func (o *SlackOutbound) Send(msg channel.OutboundMessage) (channel.SendResult, error) {
	body, _, err := replyBody(msg.TextPath, msg.HTMLPath)
	if err != nil {
		return channel.SendResult{}, err
	}
	if len(msg.To) == 0 {
		return channel.SendResult{}, fmt.Errorf("slack: send: no destination channel")
	}
	channelID := msg.To[0]

	options := []slack.MsgOption{slack.MsgOptionText(body, false)}
	if msg.ThreadID != "" {
		options = append(options, slack.MsgOptionTS(msg.ThreadID))
	}

	_, timestamp, err := o.Client.PostMessage(channelID, options...)
	if err != nil {
		return channel.SendResult{}, fmt.Errorf("slack: post message: %w", err)
	}
	return channel.SendResult{Success: true, MessageID: timestamp, SubmittedAt: time.Now()}, nil
}

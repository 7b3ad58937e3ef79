package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/basket/workcell/internal/channel"
)

// discordMessagePayload is the normalized wire shape DiscordInbound.Parse
// consumes. Discord bots receive events over a gateway websocket rather
// than a webhook POST, so DiscordListener re-encodes each message it
// receives into this shape before handing it to Parse — keeping the
// adapter itself transport-agnostic and testable without a live socket.
type discordMessagePayload struct {
	MessageID       string `json:"message_id"`
	ChannelID       string `json:"channel_id"`
	GuildID         string `json:"guild_id"`
	AuthorID        string `json:"author_id"`
	AuthorIsBot     bool   `json:"author_is_bot"`
	Content         string `json:"content"`
	ReferencedMsgID string `json:"referenced_message_id,omitempty"`
}

// DiscordInbound parses the normalized payload DiscordListener produces,
// dropping bot-origin messages.
type DiscordInbound struct{}

func (DiscordInbound) Name() string { return "discord" }

func (DiscordInbound) Parse(raw []byte, metadata channel.Metadata) ([]channel.InboundMessage, error) {
	var payload discordMessagePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("discord: parse message: %w", err)
	}
	if payload.AuthorIsBot {
		return nil, ErrIgnored
	}
	if payload.Content == "" {
		return nil, ErrIgnored
	}

	threadID := payload.ChannelID
	msg := channel.InboundMessage{
		Channel:       channel.Discord,
		Sender:        payload.AuthorID,
		Recipient:     payload.ChannelID,
		TextBody:      payload.Content,
		ThreadID:      threadID,
		ExternalMsgID: payload.MessageID,
		ReplyTo:       []string{payload.ChannelID},
		Metadata: channel.Metadata{
			"guild":   payload.GuildID,
			"channel": payload.ChannelID,
		},
	}
	return []channel.InboundMessage{msg}, nil
}

// DiscordListener runs the gateway websocket connection and feeds every
// non-bot message through DiscordInbound into Admit.
type DiscordListener struct {
	Session *discordgo.Session
	Admit   func(ctx context.Context, payload []byte) error
	Logger  *slog.Logger
}

func NewDiscordListener(botToken string, admit func(ctx context.Context, payload []byte) error, logger *slog.Logger) (*DiscordListener, error) {
	session, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("discord: new session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages
	if logger == nil {
		logger = slog.Default()
	}
	l := &DiscordListener{Session: session, Admit: admit, Logger: logger}
	session.AddHandler(l.onMessageCreate)
	return l, nil
}

func (l *DiscordListener) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if s.State != nil && s.State.User != nil && m.Author != nil && m.Author.ID == s.State.User.ID {
		return
	}
	payload := discordMessagePayload{
		MessageID:   m.ID,
		ChannelID:   m.ChannelID,
		GuildID:     m.GuildID,
		Content:     m.Content,
	}
	if m.Author != nil {
		payload.AuthorID = m.Author.ID
		payload.AuthorIsBot = m.Author.Bot
	}
	if m.MessageReference != nil {
		payload.ReferencedMsgID = m.MessageReference.MessageID
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		l.Logger.Error("discord: marshal message payload failed", "error", err)
		return
	}
	if err := l.Admit(context.Background(), raw); err != nil {
		l.Logger.Error("discord: admit message failed", "error", err)
	}
}

func (l *DiscordListener) Start(ctx context.Context) error {
	if err := l.Session.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}
	<-ctx.Done()
	return l.Session.Close()
}

// DiscordOutbound posts replies via the REST channel-messages endpoint,
// referencing ThreadID as the message being replied to.
type DiscordOutbound struct {
	Session *discordgo.Session
}

func NewDiscordOutbound(botToken string) (*DiscordOutbound, error) {
	session, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("discord: new session: %w", err)
	}
	return &DiscordOutbound{Session: session}, nil
}

func (DiscordOutbound) Name() string { return "discord" }

func (o *DiscordOutbound) Send(msg channel.OutboundMessage) (channel.SendResult, error) {
	body, _, err := replyBody(msg.TextPath, msg.HTMLPath)
	if err != nil {
		return channel.SendResult{}, err
	}
	if len(msg.To) == 0 {
		return channel.SendResult{}, fmt.Errorf("discord: send: no destination channel")
	}
	channelID := msg.To[0]

	send := &discordgo.MessageSend{Content: body}
	if msg.InReplyTo != "" {
		send.Reference = &discordgo.MessageReference{MessageID: msg.InReplyTo, ChannelID: channelID}
	}

	sent, err := o.Session.ChannelMessageSendComplex(channelID, send)
	if err != nil {
		return channel.SendResult{}, fmt.Errorf("discord: send message: %w", err)
	}
	return channel.SendResult{Success: true, MessageID: sent.ID, SubmittedAt: time.Now()}, nil
}

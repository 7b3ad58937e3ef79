package channels

import (
	"encoding/json"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/workcell/internal/channel"
)

// TelegramInbound parses Telegram's webhook Update payload.
type TelegramInbound struct{}

func (TelegramInbound) Name() string { return "telegram" }

func (TelegramInbound) Parse(raw []byte, metadata channel.Metadata) ([]channel.InboundMessage, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(raw, &update); err != nil {
		return nil, fmt.Errorf("telegram: parse update: %w", err)
	}
	if update.Message == nil || update.Message.From == nil {
		return nil, ErrIgnored
	}
	if update.Message.From.IsBot {
		return nil, ErrIgnored
	}
	text := update.Message.Text
	if text == "" {
		return nil, ErrIgnored
	}

	msg := channel.InboundMessage{
		Channel:       channel.Telegram,
		Sender:        fmt.Sprintf("%d", update.Message.From.ID),
		SenderName:    update.Message.From.UserName,
		Recipient:     fmt.Sprintf("%d", update.Message.Chat.ID),
		TextBody:      text,
		ThreadID:      fmt.Sprintf("%d", update.Message.Chat.ID),
		ExternalMsgID: fmt.Sprintf("%d", update.Message.MessageID),
		ReplyTo:       []string{fmt.Sprintf("%d", update.Message.Chat.ID)},
		Metadata: channel.Metadata{
			"chat": fmt.Sprintf("%d", update.Message.Chat.ID),
		},
	}
	return []channel.InboundMessage{msg}, nil
}

// TelegramOutbound sends replies via bot<token>/sendMessage, referencing
// the originating message and rendering the body with HTML parse mode.
type TelegramOutbound struct {
	bot *tgbotapi.BotAPI
}

func NewTelegramOutbound(token string) (*TelegramOutbound, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: init bot: %w", err)
	}
	return &TelegramOutbound{bot: bot}, nil
}

func (TelegramOutbound) Name() string { return "telegram" }

func (o *TelegramOutbound) Send(msg channel.OutboundMessage) (channel.SendResult, error) {
	body, _, err := replyBody(msg.TextPath, msg.HTMLPath)
	if err != nil {
		return channel.SendResult{}, err
	}
	if len(msg.To) == 0 {
		return channel.SendResult{}, fmt.Errorf("telegram: send: no destination chat")
	}
	chatID, err := parseChatID(msg.To[0])
	if err != nil {
		return channel.SendResult{}, err
	}

	out := tgbotapi.NewMessage(chatID, body)
	out.ParseMode = tgbotapi.ModeHTML
	if msg.InReplyTo != "" {
		if replyTo, err := parseMessageID(msg.InReplyTo); err == nil {
			out.ReplyToMessageID = replyTo
		}
	}

	sent, err := o.bot.Send(out)
	if err != nil {
		return channel.SendResult{}, fmt.Errorf("telegram: send message: %w", err)
	}
	return channel.SendResult{Success: true, MessageID: fmt.Sprintf("%d", sent.MessageID), SubmittedAt: time.Now()}, nil
}

func parseChatID(s string) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(s, "%d", &id); err != nil {
		return 0, fmt.Errorf("telegram: invalid chat id %q: %w", s, err)
	}
	return id, nil
}

func parseMessageID(s string) (int, error) {
	var id int
	if _, err := fmt.Sscanf(s, "%d", &id); err != nil {
		return 0, fmt.Errorf("telegram: invalid message id %q: %w", s, err)
	}
	return id, nil
}

package channels

import (
	"fmt"
	"net/url"
	"time"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/basket/workcell/internal/channel"
)

// SMSInbound parses Twilio's application/x-www-form-urlencoded inbound
// webhook body.
type SMSInbound struct{}

func (SMSInbound) Name() string { return "sms" }

func (SMSInbound) Parse(raw []byte, metadata channel.Metadata) ([]channel.InboundMessage, error) {
	values, err := url.ParseQuery(string(raw))
	if err != nil {
		return nil, fmt.Errorf("sms: parse form body: %w", err)
	}
	from := values.Get("From")
	to := values.Get("To")
	body := values.Get("Body")
	sid := values.Get("MessageSid")
	if from == "" || body == "" {
		return nil, ErrIgnored
	}

	msg := channel.InboundMessage{
		Channel:       channel.SMS,
		Sender:        from,
		Recipient:     to,
		TextBody:      body,
		ThreadID:      from,
		ExternalMsgID: sid,
		ReplyTo:       []string{from},
		Metadata: channel.Metadata{
			"from": from,
			"to":   to,
		},
	}
	return []channel.InboundMessage{msg}, nil
}

// SMSOutbound sends replies through Twilio's Messages resource, basic-auth
// authenticated with the account SID and auth token.
type SMSOutbound struct {
	client *twilio.RestClient
	from   string
}

func NewSMSOutbound(accountSID, authToken, fromNumber string) *SMSOutbound {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &SMSOutbound{client: client, from: fromNumber}
}

func (SMSOutbound) Name() string { return "sms" }

func (o *SMSOutbound) Send(msg channel.OutboundMessage) (channel.SendResult, error) {
	body, _, err := replyBody(msg.TextPath, msg.HTMLPath)
	if err != nil {
		return channel.SendResult{}, err
	}
	if len(msg.To) == 0 {
		return channel.SendResult{}, fmt.Errorf("sms: send: no destination number")
	}

	from := msg.From
	if from == "" {
		from = o.from
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(msg.To[0])
	params.SetFrom(from)
	params.SetBody(body)

	resp, err := o.client.Api.CreateMessage(params)
	if err != nil {
		return channel.SendResult{}, fmt.Errorf("sms: create message: %w", err)
	}
	messageID := ""
	if resp.Sid != nil {
		messageID = *resp.Sid
	}
	return channel.SendResult{Success: true, MessageID: messageID, SubmittedAt: time.Now()}, nil
}

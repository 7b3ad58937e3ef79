// Package channel defines the wire-independent message model shared by every
// inbound adapter, the ingestion queue, and the scheduler's outbound tasks.
package channel

import (
	"fmt"
	"time"
)

// Kind identifies the transport a message arrived on or will be sent over.
type Kind string

const (
	Slack      Kind = "slack"
	Discord    Kind = "discord"
	Telegram   Kind = "telegram"
	SMS        Kind = "sms"
	IMessage   Kind = "imessage"
	WhatsApp   Kind = "whatsapp"
	GoogleDocs Kind = "google_docs"
	Email      Kind = "email"
)

// Valid reports whether k is one of the known channel kinds.
func (k Kind) Valid() bool {
	switch k {
	case Slack, Discord, Telegram, SMS, IMessage, WhatsApp, GoogleDocs, Email:
		return true
	}
	return false
}

// ReplyFiles returns the filename and attachments-directory name an
// auto-reply or follow-up task should write to for this channel.
func (k Kind) ReplyFiles() (filename, attachmentsDir string) {
	switch k {
	case Email, GoogleDocs:
		return "reply_email_draft.html", "reply_email_attachments"
	default:
		return "reply_message.txt", "reply_attachments"
	}
}

// Attachment references a piece of binary content carried by a message.
// Large bodies are never inlined; Content is a reference into the raw
// payload store resolved lazily via RawPayloadRef.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	BlobRef     string `json:"blob_ref,omitempty"`
}

// Metadata carries channel-specific routing fields that don't generalize
// across transports (Slack team/channel IDs, WhatsApp phone IDs, and so on).
// Kept as a string map rather than per-channel structs so the envelope and
// its persistence encoding stay transport-agnostic.
type Metadata map[string]string

func (m Metadata) Get(key string) string {
	if m == nil {
		return ""
	}
	return m[key]
}

// InboundMessage is the normalized shape every InboundAdapter.Parse produces,
// regardless of source transport.
type InboundMessage struct {
	Channel        Kind       `json:"channel"`
	TenantID       string     `json:"tenant_id,omitempty"`
	EmployeeID     string     `json:"employee_id"`
	Sender         string     `json:"sender"`
	SenderName     string     `json:"sender_name,omitempty"`
	Recipient      string     `json:"recipient,omitempty"`
	Subject        string     `json:"subject,omitempty"`
	TextBody       string     `json:"text_body"`
	HTMLBody       string     `json:"html_body,omitempty"`
	ThreadID       string     `json:"thread_id,omitempty"`
	ExternalMsgID  string     `json:"external_message_id,omitempty"`
	ReplyTo        []string   `json:"reply_to,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	Metadata       Metadata   `json:"metadata,omitempty"`
	DedupeKey      string     `json:"dedupe_key"`
}

// Validate checks the minimum set of fields an envelope must carry before it
// can be admitted to the ingestion queue.
func (m InboundMessage) Validate() error {
	if !m.Channel.Valid() {
		return fmt.Errorf("channel: unknown kind %q", m.Channel)
	}
	if m.EmployeeID == "" {
		return fmt.Errorf("employee_id: required")
	}
	if m.DedupeKey == "" {
		return fmt.Errorf("dedupe_key: required")
	}
	return nil
}

// OutboundMessage is what an OutboundAdapter.Send delivers back out a
// channel, produced by the scheduler's SendReply task kind.
type OutboundMessage struct {
	Channel     Kind
	To          []string
	CC          []string
	BCC         []string
	From        string
	Subject     string
	TextPath    string
	HTMLPath    string
	AttachDir   string
	InReplyTo   string
	References  string
	ThreadID    string
	Metadata    Metadata
}

// InboundAdapter parses a raw transport payload into zero or more normalized
// messages. Some transports (Google Docs polling) can yield several messages
// from one poll cycle; most yield exactly one.
type InboundAdapter interface {
	Name() string
	Parse(raw []byte, metadata Metadata) ([]InboundMessage, error)
}

// SendResult reports the outcome of one OutboundAdapter.Send call. A
// transport error is always returned as an error from Send, never encoded
// as Success=false with no error: SendResult only covers the channel's own
// notion of delivery success (e.g. an API response that parses but reports
// a soft failure).
type SendResult struct {
	Success     bool
	MessageID   string
	SubmittedAt time.Time
}

// OutboundAdapter delivers a normalized outbound message over its transport.
type OutboundAdapter interface {
	Name() string
	Send(msg OutboundMessage) (SendResult, error)
}

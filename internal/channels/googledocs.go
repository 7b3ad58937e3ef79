package channels

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/api/drive/v3"

	"github.com/basket/workcell/internal/channel"
)

// SeenStore tracks which Google Docs comments/replies have already been
// admitted, so a repeated poll of the same unresolved comment doesn't
// re-enqueue it. persistence.TaskStore's KV table satisfies this.
type SeenStore interface {
	KVGet(ctx context.Context, key string) (string, bool, error)
	KVSet(ctx context.Context, key, value string) error
}

// GoogleDocsPoller pulls unresolved, unseen, employee-mentioning comments
// off a fixed set of documents. Unlike every other channel this is
// pull-based rather than webhook-driven: something on a timer calls Poll.
type GoogleDocsPoller struct {
	Drive           *drive.Service
	DocIDs          []string
	EmployeeAddress string
	MentionToken    string
	EmployeeID      string
	Seen            SeenStore
}

func NewGoogleDocsPoller(drv *drive.Service, docIDs []string, employeeID, employeeAddress, mentionToken string, seen SeenStore) *GoogleDocsPoller {
	return &GoogleDocsPoller{
		Drive:           drv,
		DocIDs:          docIDs,
		EmployeeID:      employeeID,
		EmployeeAddress: strings.ToLower(employeeAddress),
		MentionToken:    mentionToken,
		Seen:            seen,
	}
}

// Poll lists unresolved comments on every configured document and returns
// one InboundMessage per comment that passes all four admission filters:
// unresolved, not authored by the employee, mentions the employee, and not
// previously seen.
func (p *GoogleDocsPoller) Poll(ctx context.Context) ([]channel.InboundMessage, error) {
	var out []channel.InboundMessage
	for _, docID := range p.DocIDs {
		msgs, err := p.pollDoc(ctx, docID)
		if err != nil {
			return out, fmt.Errorf("googledocs: poll doc %s: %w", docID, err)
		}
		out = append(out, msgs...)
	}
	return out, nil
}

func (p *GoogleDocsPoller) pollDoc(ctx context.Context, docID string) ([]channel.InboundMessage, error) {
	var out []channel.InboundMessage
	call := p.Drive.Comments.List(docID).
		Fields("comments(id,content,resolved,author/emailAddress,replies(id,content,author/emailAddress))").
		PageSize(100)

	err := call.Pages(ctx, func(page *drive.CommentList) error {
		for _, c := range page.Comments {
			if c.Resolved {
				continue
			}
			if c.Author != nil && strings.EqualFold(c.Author.EmailAddress, p.EmployeeAddress) {
				continue
			}
			if !strings.Contains(c.Content, p.MentionToken) {
				continue
			}
			seenKey := fmt.Sprintf("comment:%s", c.Id)
			if p.alreadySeen(ctx, seenKey) {
				continue
			}

			out = append(out, channel.InboundMessage{
				Channel:       channel.GoogleDocs,
				EmployeeID:    p.EmployeeID,
				Sender:        authorEmail(c.Author),
				Recipient:     docID,
				TextBody:      c.Content,
				ThreadID:      docID + ":" + c.Id,
				ExternalMsgID: c.Id,
				ReplyTo:       []string{docID + ":" + c.Id},
				Metadata: channel.Metadata{
					"doc":     docID,
					"comment": c.Id,
				},
			})
			p.markSeen(ctx, seenKey)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func authorEmail(author *drive.User) string {
	if author == nil {
		return ""
	}
	return author.EmailAddress
}

func (p *GoogleDocsPoller) alreadySeen(ctx context.Context, key string) bool {
	if p.Seen == nil {
		return false
	}
	_, ok, err := p.Seen.KVGet(ctx, key)
	return err == nil && ok
}

func (p *GoogleDocsPoller) markSeen(ctx context.Context, key string) {
	if p.Seen == nil {
		return
	}
	_ = p.Seen.KVSet(ctx, key, "1")
}

// GoogleDocsOutbound replies to the comment thread a message came from.
// ThreadID (and msg.To[0], mirroring every other adapter's convention) is
// "<doc_id>:<comment_id>".
type GoogleDocsOutbound struct {
	Drive *drive.Service
}

func NewGoogleDocsOutbound(drv *drive.Service) *GoogleDocsOutbound {
	return &GoogleDocsOutbound{Drive: drv}
}

func (GoogleDocsOutbound) Name() string { return "google_docs" }

func (o *GoogleDocsOutbound) Send(msg channel.OutboundMessage) (channel.SendResult, error) {
	body, _, err := replyBody(msg.TextPath, msg.HTMLPath)
	if err != nil {
		return channel.SendResult{}, err
	}
	if len(msg.To) == 0 {
		return channel.SendResult{}, fmt.Errorf("googledocs: send: no destination thread")
	}
	docID, commentID, ok := splitDocThread(msg.To[0])
	if !ok {
		return channel.SendResult{}, fmt.Errorf("googledocs: send: malformed thread id %q", msg.To[0])
	}

	reply, err := o.Drive.Replies.Create(docID, commentID, &drive.Reply{Content: body}).
		Fields("id").Do()
	if err != nil {
		return channel.SendResult{}, fmt.Errorf("googledocs: create reply: %w", err)
	}
	return channel.SendResult{Success: true, MessageID: reply.Id, SubmittedAt: time.Now()}, nil
}

func splitDocThread(threadID string) (docID, commentID string, ok bool) {
	parts := strings.SplitN(threadID, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// Package quickresponse classifies an inbound message before it is queued
// as agent work. Trivial traffic (greetings, acknowledgements, simple
// yes/no replies) gets answered immediately from a canned reply instead of
// paying for a full agent run; anything else falls through to the
// scheduler unchanged.
package quickresponse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/basket/workcell/internal/channel"
)

// Verdict is the outcome of classifying one inbound message. A Trivial
// verdict corresponds to the Simple decision: the caller posts Reply
// through the channel's outbound adapter, appends MemoryUpdate (if any) to
// the user's memo, and acks the envelope without ever scheduling a
// RunTask. A non-trivial verdict means Complex/Passthrough: fall through
// to the full agent pipeline unchanged.
type Verdict struct {
	Trivial      bool
	Reply        string
	MemoryUpdate string
	// Reason is a short machine-readable label, logged and useful in tests.
	Reason string
}

// Classifier decides whether an inbound message needs a full agent run. It
// is consulted with the message text and the user's current memo so it can
// ground simple replies in standing context (a name, a preference already
// on file) without invoking the agent.
type Classifier interface {
	Classify(ctx context.Context, msg channel.InboundMessage, memo string) (Verdict, error)
}

var (
	greetingRe     = regexp.MustCompile(`(?i)^\s*(hi|hey|hello|yo|good morning|good afternoon|good evening)[\s!.,]*$`)
	thanksRe       = regexp.MustCompile(`(?i)^\s*(thanks|thank you|thx|ty|appreciate it|much appreciated)[\s!.,]*$`)
	ackRe          = regexp.MustCompile(`(?i)^\s*(ok|okay|k|got it|sounds good|cool|great|perfect|sure|will do|noted|roger|ack)[\s!.,]*$`)
	simpleYesNoRe  = regexp.MustCompile(`(?i)^\s*(yes|yep|yeah|yup|no|nope|nah)[\s!.,]*$`)
)

const (
	reasonGreeting = "greeting"
	reasonThanks   = "thanks"
	reasonAck      = "acknowledgement"
	reasonYesNo    = "yes_no"
)

// HeuristicClassifier matches a small set of fixed patterns against the
// trimmed message body. It never calls out to an LLM, so it is always the
// first thing consulted: cheap, deterministic, and safe to run on every
// message.
type HeuristicClassifier struct{}

func (HeuristicClassifier) Classify(_ context.Context, msg channel.InboundMessage, _ string) (Verdict, error) {
	body := strings.TrimSpace(msg.TextBody)
	if body == "" {
		return Verdict{}, nil
	}
	switch {
	case greetingRe.MatchString(body):
		return Verdict{Trivial: true, Reason: reasonGreeting, Reply: "Hey! What can I help with?"}, nil
	case thanksRe.MatchString(body):
		return Verdict{Trivial: true, Reason: reasonThanks, Reply: "Anytime!"}, nil
	case ackRe.MatchString(body):
		return Verdict{Trivial: true, Reason: reasonAck, Reply: ""}, nil
	case simpleYesNoRe.MatchString(body):
		return Verdict{Trivial: true, Reason: reasonYesNo, Reply: ""}, nil
	default:
		return Verdict{}, nil
	}
}

// verdictSchema is the structured output the model fills in. Ambiguous
// cases (short messages the heuristic doesn't recognize) get one cheap
// model call instead of a full agent run with tools and history.
type modelVerdict struct {
	Trivial      bool   `json:"trivial"`
	Reply        string `json:"reply"`
	MemoryUpdate string `json:"memory_update"`
}

// LLMClassifier backstops the heuristic for short messages it doesn't
// recognize, using a small, fast model with no tools and no conversation
// history. It is deliberately conservative: any error, or any message
// the model isn't confident about, is reported as not-trivial so the
// message falls through to a full agent run.
type LLMClassifier struct {
	g         *genkit.Genkit
	modelName string
	logger    *slog.Logger
}

// NewLLMClassifier wires a classifier against an already-initialized
// genkit instance and model name, as produced by the same provider setup
// the agent runner itself uses.
func NewLLMClassifier(g *genkit.Genkit, modelName string, logger *slog.Logger) *LLMClassifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMClassifier{g: g, modelName: modelName, logger: logger}
}

const classifierSystemPrompt = `You triage inbound messages for a busy assistant.
You are given the message and the assistant's current memo about this user.
Decide whether this message is trivial small talk that needs no real work
(a greeting, thanks, a bare acknowledgement, a one-word yes/no with nothing
to act on, or a question the memo already answers) or whether it needs the
assistant's full attention.
Reply with exactly one line of JSON matching
{"trivial": bool, "reply": string, "memory_update": string} and nothing else.
Leave "reply" empty when no reply is needed, and "memory_update" empty unless
this message itself taught you something durable worth remembering. When
unsure, set "trivial" to false.`

func (c *LLMClassifier) Classify(ctx context.Context, msg channel.InboundMessage, memo string) (Verdict, error) {
	if c.g == nil {
		return Verdict{}, nil
	}
	body := strings.TrimSpace(msg.TextBody)
	if body == "" || len(body) > 200 {
		return Verdict{}, nil
	}

	prompt := fmt.Sprintf("Memo:\n%s\n\nMessage:\n%s", memo, body)
	resp, err := genkit.Generate(ctx, c.g,
		ai.WithModelName(c.modelName),
		ai.WithSystem(classifierSystemPrompt),
		ai.WithPrompt(prompt),
	)
	if err != nil {
		c.logger.Warn("quick response classifier call failed", "error", err)
		return Verdict{}, nil
	}

	var parsed modelVerdict
	if err := json.Unmarshal([]byte(extractJSON(resp.Text())), &parsed); err != nil {
		c.logger.Warn("quick response classifier returned unparseable output", "error", err)
		return Verdict{}, nil
	}
	if !parsed.Trivial {
		return Verdict{}, nil
	}
	return Verdict{Trivial: true, Reason: "llm", Reply: parsed.Reply, MemoryUpdate: parsed.MemoryUpdate}, nil
}

// extractJSON trims any stray text around a model's JSON object, since
// models asked for "exactly one line of JSON" occasionally wrap it in a
// code fence or a leading sentence anyway.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}

// Chain consults each Classifier in order and returns the first trivial
// verdict, stopping as soon as one is found. A nil or erroring classifier
// is treated as "not trivial" and the chain moves on.
type Chain struct {
	Classifiers []Classifier
}

func NewChain(classifiers ...Classifier) *Chain {
	return &Chain{Classifiers: classifiers}
}

func (c *Chain) Classify(ctx context.Context, msg channel.InboundMessage, memo string) (Verdict, error) {
	for _, cl := range c.Classifiers {
		if cl == nil {
			continue
		}
		v, err := cl.Classify(ctx, msg, memo)
		if err != nil {
			return Verdict{}, fmt.Errorf("quickresponse: classify: %w", err)
		}
		if v.Trivial {
			return v, nil
		}
	}
	return Verdict{}, nil
}

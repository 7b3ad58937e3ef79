package quickresponse

import (
	"context"
	"errors"
	"testing"

	"github.com/basket/workcell/internal/channel"
)

func msg(body string) channel.InboundMessage {
	return channel.InboundMessage{Channel: channel.Slack, TextBody: body}
}

func TestHeuristicMatchesGreeting(t *testing.T) {
	v, err := HeuristicClassifier{}.Classify(context.Background(), msg("Hey!"), "")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if !v.Trivial || v.Reason != reasonGreeting {
		t.Fatalf("expected greeting verdict, got %+v", v)
	}
}

func TestHeuristicMatchesThanks(t *testing.T) {
	v, err := HeuristicClassifier{}.Classify(context.Background(), msg("thank you so much"), "")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if !v.Trivial || v.Reason != reasonThanks {
		t.Fatalf("expected thanks verdict, got %+v", v)
	}
}

func TestHeuristicIgnoresSubstantiveMessage(t *testing.T) {
	v, err := HeuristicClassifier{}.Classify(context.Background(), msg("Can you pull the Q3 numbers and summarize them?"), "")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if v.Trivial {
		t.Fatalf("expected non-trivial verdict, got %+v", v)
	}
}

func TestHeuristicIgnoresEmptyBody(t *testing.T) {
	v, err := HeuristicClassifier{}.Classify(context.Background(), msg("   "), "")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if v.Trivial {
		t.Fatalf("expected empty body to be non-trivial, got %+v", v)
	}
}

type stubClassifier struct {
	verdict Verdict
	err     error
	calls   int
}

func (s *stubClassifier) Classify(ctx context.Context, m channel.InboundMessage, memo string) (Verdict, error) {
	s.calls++
	return s.verdict, s.err
}

func TestChainStopsAtFirstTrivialVerdict(t *testing.T) {
	first := &stubClassifier{}
	second := &stubClassifier{verdict: Verdict{Trivial: true, Reason: "stub"}}
	third := &stubClassifier{verdict: Verdict{Trivial: true, Reason: "unreached"}}

	chain := NewChain(first, second, third)
	v, err := chain.Classify(context.Background(), msg("ok"), "")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if v.Reason != "stub" {
		t.Fatalf("expected second classifier's verdict, got %+v", v)
	}
	if third.calls != 0 {
		t.Fatalf("expected chain to stop after a trivial verdict, third was called %d times", third.calls)
	}
}

func TestChainPropagatesErrorFromAnyStage(t *testing.T) {
	failing := &stubClassifier{err: errors.New("boom")}
	chain := NewChain(failing)
	if _, err := chain.Classify(context.Background(), msg("hi"), ""); err == nil {
		t.Fatalf("expected error to propagate")
	}
}

func TestExtractJSONStripsSurroundingText(t *testing.T) {
	in := "sure, here you go:\n```json\n{\"trivial\": true, \"reply\": \"hi\"}\n```"
	out := extractJSON(in)
	if out != `{"trivial": true, "reply": "hi"}` {
		t.Fatalf("unexpected extraction: %q", out)
	}
}

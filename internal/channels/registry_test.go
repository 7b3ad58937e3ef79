package channels

import (
	"testing"

	"github.com/basket/workcell/internal/channel"
)

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	r.RegisterInbound(channel.Slack, SlackInbound{})
	r.RegisterOutbound(channel.Slack, &SlackOutbound{})

	if _, ok := r.InboundFor(channel.Slack); !ok {
		t.Fatalf("expected slack inbound adapter to be registered")
	}
	if _, ok := r.OutboundFor(channel.Slack); !ok {
		t.Fatalf("expected slack outbound adapter to be registered")
	}
	if _, ok := r.InboundFor(channel.Discord); ok {
		t.Fatalf("expected discord to be unregistered")
	}
}

package channels

import "github.com/basket/workcell/internal/channel"

// Registry is the fixed set of adapters a running process has credentials
// for. Both the ingestion gateway (inbound) and the executor/consumer
// (outbound) index into it by channel.Kind rather than switching on kind
// themselves.
type Registry struct {
	Inbound  map[channel.Kind]channel.InboundAdapter
	Outbound map[channel.Kind]channel.OutboundAdapter
}

func NewRegistry() *Registry {
	return &Registry{
		Inbound:  map[channel.Kind]channel.InboundAdapter{},
		Outbound: map[channel.Kind]channel.OutboundAdapter{},
	}
}

func (r *Registry) RegisterInbound(kind channel.Kind, a channel.InboundAdapter) {
	r.Inbound[kind] = a
}

func (r *Registry) RegisterOutbound(kind channel.Kind, a channel.OutboundAdapter) {
	r.Outbound[kind] = a
}

func (r *Registry) InboundFor(kind channel.Kind) (channel.InboundAdapter, bool) {
	a, ok := r.Inbound[kind]
	return a, ok
}

func (r *Registry) OutboundFor(kind channel.Kind) (channel.OutboundAdapter, bool) {
	a, ok := r.Outbound[kind]
	return a, ok
}

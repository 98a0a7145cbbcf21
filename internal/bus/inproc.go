package bus

import (
	"context"
	"sync"
)

// InProcBus is an in-memory Bus for tests and single-process setups.
type InProcBus struct {
	mu          sync.Mutex
	closed      bool
	inboundSubs []chan InboundMessage
	outboundSub []chan OutboundMessage
}

// NewInProcBus creates an in-process bus.
func NewInProcBus() *InProcBus {
	return &InProcBus{}
}

// PublishInbound delivers msg to all inbound subscribers.
func (b *InProcBus) PublishInbound(ctx context.Context, msg InboundMessage) error {
	b.mu.Lock()
	subs := append([]chan InboundMessage(nil), b.inboundSubs...)
	b.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// PublishOutbound delivers msg to all outbound subscribers.
func (b *InProcBus) PublishOutbound(ctx context.Context, msg OutboundMessage) error {
	b.mu.Lock()
	subs := append([]chan OutboundMessage(nil), b.outboundSub...)
	b.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// SubscribeInbound returns a channel receiving inbound messages until ctx ends.
func (b *InProcBus) SubscribeInbound(ctx context.Context) (<-chan InboundMessage, error) {
	ch := make(chan InboundMessage, 64)
	b.mu.Lock()
	b.inboundSubs = append(b.inboundSubs, ch)
	b.mu.Unlock()
	return ch, nil
}

// SubscribeOutbound returns a channel receiving outbound messages until ctx ends.
func (b *InProcBus) SubscribeOutbound(ctx context.Context) (<-chan OutboundMessage, error) {
	ch := make(chan OutboundMessage, 64)
	b.mu.Lock()
	b.outboundSub = append(b.outboundSub, ch)
	b.mu.Unlock()
	return ch, nil
}

// Close marks the bus closed. Subscriber channels are left open; callers
// stop consuming via their contexts.
func (b *InProcBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

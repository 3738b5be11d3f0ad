package broker

import (
	"context"

	"github.com/relaymq/outbox"
)

// AsSender adapts any Adapter to outbox.Sender, the narrow interface the
// Dispatcher depends on. The Dispatcher never imports this package
// directly - cmd/outboxd wires NewDispatcher(store, broker.AsSender(adapter)).
func AsSender(a Adapter) outbox.Sender {
	return senderAdapter{a}
}

type senderAdapter struct{ adapter Adapter }

func (s senderAdapter) Send(ctx context.Context, msg *outbox.Message) error {
	return s.adapter.Send(ctx, msg.Topic, msg.Payload, msg.ID, msg.Options)
}

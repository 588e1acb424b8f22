package agent

import (
	"context"

	"github.com/zeroshot-dev/zeroshot/bus"
	"github.com/zeroshot-dev/zeroshot/message"
)

// busLogger implements sandbox.Logger by publishing to the bus rather
// than writing directly to stdout/stderr, so sandboxed script output
// stays attributable to the cluster and agent that produced it
//.
type busLogger struct {
	bus       *bus.Bus
	clusterID string
	senderID  string
}

func (l busLogger) Log(level, msg string) {
	_, _ = l.bus.Publish(context.Background(), message.Message{
		Topic:    "AGENT_LOG",
		Sender:   l.senderID,
		Receiver: message.ReceiverBroadcast,
		Content:  message.Content{Text: msg, Data: map[string]any{"level": level}},
	})
}

package client

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"pkt.systems/mbus/api"
)

// Sender publishes messages to one queue.
type Sender struct {
	client *Client
	queue  string
}

// NewSender builds a sender for queue.
func (c *Client) NewSender(queue string) (*Sender, error) {
	if queue == "" {
		return nil, fmt.Errorf("mbus: queue name required")
	}
	return &Sender{client: c, queue: queue}, nil
}

// Queue returns the queue this sender publishes to.
func (s *Sender) Queue() string { return s.queue }

// Send enqueues msg. The broker assigns the message ID when left empty;
// setting SessionID routes the message to a session-aware receiver.
func (s *Sender) Send(ctx context.Context, msg api.Message) (*api.SendResult, error) {
	ctx, finish := s.client.startSpan(ctx, "send", attribute.String("mbus.queue", s.queue))
	res, err := s.client.transport.Send(ctx, s.queue, msg)
	finish(err)
	if err != nil {
		if s.client.metrics != nil {
			s.client.metrics.sendErrors.Inc()
		}
		s.client.logErrorCtx(ctx, "client.send.error", "queue", s.queue, "error", err)
		return nil, err
	}
	if s.client.metrics != nil {
		s.client.metrics.sends.Inc()
	}
	s.client.logDebugCtx(ctx, "client.send", "queue", s.queue, "message_id", res.MessageID, "seq", res.SequenceNumber)
	return res, nil
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	streamName   = "SYNC_CONTINUATIONS"
	consumerName = "sync-workers"
)

// Queue wraps NATS JetStream as the continuation work queue.
// Continuations are deduplicated by message id inside the stream's
// duplicate window, so a dispatcher retry cannot double-trigger a pass.
type Queue struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// Connect dials NATS and obtains a JetStream context.
func Connect(url string) (*Queue, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("get JetStream context: %w", err)
	}

	return &Queue{nc: nc, js: js}, nil
}

// EnsureStream creates the continuation stream if it does not exist.
// Work-queue retention: a continuation is consumed exactly once.
func (q *Queue) EnsureStream(ctx context.Context, subjectPrefix string) error {
	info, err := q.js.StreamInfo(streamName)
	if err == nil && info != nil {
		return nil
	}

	_, err = q.js.AddStream(&nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{subjectPrefix + ">"},
		Storage:    nats.FileStorage,
		Retention:  nats.WorkQueuePolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     24 * time.Hour,
	})
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("create stream: %w", err)
	}
	return nil
}

// Publish puts one continuation on the queue with dedup by message id.
func (q *Queue) Publish(subject string, payload []byte, msgID string) error {
	_, err := q.js.Publish(subject, payload, nats.MsgId(msgID))
	if err != nil {
		return fmt.Errorf("publish continuation: %w", err)
	}
	return nil
}

// Subscribe consumes continuations with a durable queue subscription.
// The handler's error decides ack vs redelivery.
func (q *Queue) Subscribe(subjectPrefix string, handler func(payload []byte) error) (*nats.Subscription, error) {
	sub, err := q.js.QueueSubscribe(subjectPrefix+">", consumerName, func(msg *nats.Msg) {
		if err := handler(msg.Data); err != nil {
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	}, nats.Durable(consumerName), nats.ManualAck())
	if err != nil {
		return nil, fmt.Errorf("subscribe continuations: %w", err)
	}
	return sub, nil
}

// Close closes the NATS connection.
func (q *Queue) Close() {
	if q.nc != nil {
		q.nc.Close()
	}
}

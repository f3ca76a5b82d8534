package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/Martian-dev/mailsync-infra/internal/store"
)

// Publisher is the queue side of the continuation hand-off.
type Publisher interface {
	Publish(subject string, payload []byte, msgID string) error
}

// Dispatcher drains the continuation outbox into the queue. Because the
// outbox row commits with the cursor, a continuation survives a failed
// publish: the dispatcher retries it with backoff until it lands.
type Dispatcher struct {
	Store        *store.Store
	Pub          Publisher
	Log          *slog.Logger
	PollInterval time.Duration
	RetryBackoff time.Duration
}

// Run dispatches until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	poll := d.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	backoff := d.RetryBackoff
	if backoff <= 0 {
		backoff = 10 * time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := d.drainOnce(ctx, backoff)
		if err != nil {
			d.Log.Error("dequeue continuations", "error", err)
			sleepCtx(ctx, time.Second)
			continue
		}
		if n == 0 {
			sleepCtx(ctx, poll)
		}
	}
}

// drainOnce publishes one batch of pending continuations and returns
// how many rows it saw.
func (d *Dispatcher) drainOnce(ctx context.Context, backoff time.Duration) (int, error) {
	pending, err := d.Store.DequeueContinuations(ctx, 100)
	if err != nil {
		return 0, err
	}

	for _, c := range pending {
		if err := d.Pub.Publish(c.Subject, c.Payload, c.MsgID); err != nil {
			d.Log.Warn("publish continuation, will retry",
				"account", c.AccountID, "retries", c.Retries, "error", err)
			if merr := d.Store.MarkContinuationRetry(ctx, c.ID, backoff); merr != nil {
				d.Log.Error("mark continuation retry", "id", c.ID, "error", merr)
			}
			continue
		}
		if err := d.Store.MarkContinuationPublished(ctx, c.ID); err != nil {
			d.Log.Error("mark continuation published", "id", c.ID, "error", err)
		}
	}
	return len(pending), nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

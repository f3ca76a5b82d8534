package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	published []string
	fail      int
}

func (p *fakePublisher) Publish(subject string, payload []byte, msgID string) error {
	if p.fail > 0 {
		p.fail--
		return errors.New("queue unavailable")
	}
	p.published = append(p.published, msgID)
	return nil
}

func TestDispatcherPublishesPending(t *testing.T) {
	st := newTestStore(t)
	newTestAccount(t, st, "acc-1")
	ctx := context.Background()

	_, err := st.TryStartSync(ctx, "acc-1", time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, st.HandOffContinuation(ctx, "acc-1", "sync.continue.acc-1", []byte(`{}`), "continue|acc-1|1"))

	pub := &fakePublisher{}
	d := &Dispatcher{Store: st, Pub: pub, Log: discardLogger()}

	n, err := d.drainOnce(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"continue|acc-1|1"}, pub.published)

	// The published row never comes back.
	n, err = d.drainOnce(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestDispatcherRetriesFailedPublish(t *testing.T) {
	st := newTestStore(t)
	newTestAccount(t, st, "acc-1")
	ctx := context.Background()

	_, err := st.TryStartSync(ctx, "acc-1", time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, st.HandOffContinuation(ctx, "acc-1", "sync.continue.acc-1", []byte(`{}`), "continue|acc-1|1"))

	pub := &fakePublisher{fail: 1}
	d := &Dispatcher{Store: st, Pub: pub, Log: discardLogger()}

	n, err := d.drainOnce(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, pub.published)

	// Zero backoff makes the row due again immediately; the retry lands.
	n, err = d.drainOnce(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"continue|acc-1|1"}, pub.published)

	pending, err := st.DequeueContinuations(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

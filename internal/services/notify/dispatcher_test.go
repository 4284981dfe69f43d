package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kculz/Qonvey-sub001/internal/broker/messages"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu  sync.Mutex
	got []messages.Notification
	err error
}

func (p *recordingPublisher) PublishJSON(ctx context.Context, v any) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, v.(messages.Notification))
	return nil
}

func (p *recordingPublisher) published() []messages.Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]messages.Notification(nil), p.got...)
}

// stalledPublisher blocks every publish until release is closed.
type stalledPublisher struct {
	release chan struct{}
	calls   chan struct{}
}

func (p *stalledPublisher) PublishJSON(ctx context.Context, v any) error {
	p.calls <- struct{}{}
	<-p.release
	return nil
}

func TestDispatcher_NotifyNewBid(t *testing.T) {
	pub := &recordingPublisher{}
	d := New(pub)

	d.NotifyNewBid(context.Background(), "owner-1", "Cement to Harare", 230, "Tendai")
	d.Close()

	got := pub.published()
	require.Len(t, got, 1)
	n := got[0]
	require.Equal(t, messages.NotificationNewBid, n.Kind)
	require.Equal(t, "owner-1", n.RecipientID)
	require.Equal(t, "230.00", n.Data["price"])
	require.Contains(t, n.Body, "Tendai")
	require.False(t, n.CreatedAt.IsZero())
}

func TestDispatcher_AllKinds(t *testing.T) {
	pub := &recordingPublisher{}
	d := New(pub)
	ctx := context.Background()

	d.NotifyBidAccepted(ctx, "driver-1", "L")
	d.NotifyBidRejected(ctx, "driver-2", "L", "too expensive")
	d.NotifyTripCompleted(ctx, "owner-1", "L")
	d.Close()

	got := pub.published()
	require.Len(t, got, 3)
	require.Equal(t, messages.NotificationBidAccepted, got[0].Kind)
	require.Equal(t, "too expensive", got[1].Data["reason"])
	require.Equal(t, messages.NotificationTripCompleted, got[2].Kind)
}

func TestDispatcher_PublishFailureIsSwallowed(t *testing.T) {
	d := New(&recordingPublisher{err: errors.New("broker down")})
	require.NotPanics(t, func() {
		d.NotifyBidAccepted(context.Background(), "driver-1", "L")
		d.Close()
	})
}

func TestDispatcher_CancelledRequestContextStillPublishes(t *testing.T) {
	pub := &recordingPublisher{}
	d := New(pub)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d.NotifyBidAccepted(ctx, "driver-1", "L")
	d.Close()
	require.Len(t, pub.published(), 1)
}

func TestDispatcher_SlowBrokerDoesNotBlockCaller(t *testing.T) {
	pub := &stalledPublisher{release: make(chan struct{}), calls: make(chan struct{}, 8)}
	d := newDispatcher(pub, 2)
	ctx := context.Background()

	start := time.Now()
	d.NotifyBidAccepted(ctx, "driver-1", "L")
	<-pub.calls
	// One job is in flight; two fill the queue and the rest are dropped.
	for i := 0; i < 5; i++ {
		d.NotifyBidAccepted(ctx, "driver-2", "L")
	}
	require.Less(t, time.Since(start), time.Second)

	close(pub.release)
	d.Close()
	require.Len(t, pub.calls, 2)
}

func TestDispatcher_DropsAfterClose(t *testing.T) {
	pub := &recordingPublisher{}
	d := New(pub)
	d.Close()
	d.Close()

	require.NotPanics(t, func() { d.NotifyTripCompleted(context.Background(), "owner-1", "L") })
	require.Empty(t, pub.published())
}

func TestDispatcher_NilSafe(t *testing.T) {
	var d *Dispatcher
	require.NotPanics(t, func() { d.NotifyNewBid(context.Background(), "o", "t", 1, "b") })
	require.NotPanics(t, func() { d.Close() })
	require.NotPanics(t, func() {
		n := New(nil)
		n.NotifyBidAccepted(context.Background(), "d", "t")
		n.Close()
	})
}

package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kculz/Qonvey-sub001/internal/broker/messages"
)

type Publisher interface {
	PublishJSON(ctx context.Context, v any) error
}

const defaultQueueSize = 256

// Dispatcher turns marketplace events into notification jobs. Every method is
// fire-and-forget: jobs go onto a bounded queue drained by one publishing
// goroutine, so a slow broker never holds up the caller. A full queue drops
// the job; a publish failure is logged and never returned.
type Dispatcher struct {
	pub     Publisher
	timeout time.Duration
	now     func() time.Time

	mu     sync.Mutex
	closed bool
	queue  chan messages.Notification
	done   chan struct{}
}

func New(pub Publisher) *Dispatcher {
	return newDispatcher(pub, defaultQueueSize)
}

func newDispatcher(pub Publisher, size int) *Dispatcher {
	d := &Dispatcher{pub: pub, timeout: 3 * time.Second, now: func() time.Time { return time.Now().UTC() }}
	if pub != nil {
		d.queue = make(chan messages.Notification, size)
		d.done = make(chan struct{})
		go d.run()
	}
	return d
}

// Close stops accepting jobs and waits until the queued ones are published.
func (d *Dispatcher) Close() {
	if d == nil || d.queue == nil {
		return
	}
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	<-d.done
}

func (d *Dispatcher) NotifyNewBid(ctx context.Context, ownerID, loadTitle string, price float64, bidderName string) {
	d.send(ctx, messages.Notification{
		Kind:        messages.NotificationNewBid,
		RecipientID: ownerID,
		Title:       "New bid on your load",
		Body:        fmt.Sprintf("%s bid %.2f on %q", bidderName, price, loadTitle),
		Data:        map[string]string{"loadTitle": loadTitle, "bidder": bidderName, "price": fmt.Sprintf("%.2f", price)},
	})
}

func (d *Dispatcher) NotifyBidAccepted(ctx context.Context, driverID, loadTitle string) {
	d.send(ctx, messages.Notification{
		Kind:        messages.NotificationBidAccepted,
		RecipientID: driverID,
		Title:       "Bid accepted",
		Body:        fmt.Sprintf("Your bid on %q was accepted", loadTitle),
		Data:        map[string]string{"loadTitle": loadTitle},
	})
}

func (d *Dispatcher) NotifyBidRejected(ctx context.Context, driverID, loadTitle, reason string) {
	d.send(ctx, messages.Notification{
		Kind:        messages.NotificationBidRejected,
		RecipientID: driverID,
		Title:       "Bid rejected",
		Body:        fmt.Sprintf("Your bid on %q was rejected", loadTitle),
		Data:        map[string]string{"loadTitle": loadTitle, "reason": reason},
	})
}

func (d *Dispatcher) NotifyTripCompleted(ctx context.Context, ownerID, loadTitle string) {
	d.send(ctx, messages.Notification{
		Kind:        messages.NotificationTripCompleted,
		RecipientID: ownerID,
		Title:       "Load delivered",
		Body:        fmt.Sprintf("%q was delivered", loadTitle),
		Data:        map[string]string{"loadTitle": loadTitle},
	})
}

func (d *Dispatcher) send(_ context.Context, n messages.Notification) {
	if d == nil || d.pub == nil {
		return
	}
	n.CreatedAt = d.now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		slog.Warn("notification dropped after close", "kind", n.Kind, "recipient", n.RecipientID)
		return
	}
	select {
	case d.queue <- n:
	default:
		slog.Error("notification queue full, dropping", "kind", n.Kind, "recipient", n.RecipientID)
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for n := range d.queue {
		d.publish(n)
	}
}

// publish runs detached from the request that raised the event, which has
// usually finished by now.
func (d *Dispatcher) publish(n messages.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := d.pub.PublishJSON(ctx, n); err != nil {
		slog.Error("notification dispatch failed", "kind", n.Kind, "recipient", n.RecipientID, "error", err.Error())
	}
}

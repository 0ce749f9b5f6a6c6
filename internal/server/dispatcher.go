package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/meridian/internal/engine"
)

const (
	NotificationSyncApplied     = "sync-applied"
	NotificationUpToDate        = "up-to-date"
	NotificationUploadComplete  = "upload-complete"
	NotificationUploadFailed    = "upload-failed"
	NotificationSubscriptionBad = "subscription-not-responding"
	notificationHeartbeat       = "heartbeat"
)

// Notification is one engine event fanned out to connected UI clients.
type Notification struct {
	Kind      string    `json:"kind"`
	Added     int       `json:"added,omitempty"`
	Updated   int       `json:"updated,omitempty"`
	Count     int       `json:"count,omitempty"`
	IDs       []string  `json:"ids,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Dispatcher fans engine notifications out to any number of event-stream
// subscribers. Slow consumers lose messages rather than stall the engine.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type subscriber struct {
	id     int64
	stream chan Notification
}

// NewDispatcher builds an empty dispatcher.
func NewDispatcher(clock func() time.Time) *Dispatcher {
	if clock == nil {
		clock = time.Now
	}
	return &Dispatcher{
		subscribers: make(map[int64]*subscriber),
		bufferSize:  16,
		clock:       clock,
	}
}

// Subscribe registers a consumer. The returned channel is closed by calling
// cleanup; cancellation of ctx also unregisters.
func (d *Dispatcher) Subscribe(ctx context.Context) (<-chan Notification, func()) {
	sub := &subscriber{
		stream: make(chan Notification, d.bufferSize),
	}
	d.mu.Lock()
	d.nextID++
	sub.id = d.nextID
	d.subscribers[sub.id] = sub
	d.mu.Unlock()

	cleanup := func() {
		d.mu.Lock()
		delete(d.subscribers, sub.id)
		d.mu.Unlock()
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers the notification to every subscriber that has room.
func (d *Dispatcher) Publish(notification Notification) {
	if notification.Kind == "" {
		return
	}
	if notification.Timestamp.IsZero() {
		notification.Timestamp = d.clock()
	}
	d.mu.RLock()
	copies := make([]*subscriber, 0, len(d.subscribers))
	for _, sub := range d.subscribers {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- notification:
		default:
		}
	}
}

// SubscriberCount reports how many consumers are attached.
func (d *Dispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

// DispatchNotifier adapts the dispatcher to the engine's notifier contract
// so sync events reach UI clients as server-sent events.
type DispatchNotifier struct {
	dispatcher *Dispatcher
}

// NewDispatchNotifier wraps a dispatcher.
func NewDispatchNotifier(dispatcher *Dispatcher) *DispatchNotifier {
	return &DispatchNotifier{dispatcher: dispatcher}
}

func (n *DispatchNotifier) SyncApplied(added, updated int) {
	n.dispatcher.Publish(Notification{Kind: NotificationSyncApplied, Added: added, Updated: updated})
}

func (n *DispatchNotifier) UpToDate() {
	n.dispatcher.Publish(Notification{Kind: NotificationUpToDate})
}

func (n *DispatchNotifier) UploadComplete(report engine.UploadReport) {
	n.dispatcher.Publish(Notification{
		Kind:    NotificationUploadComplete,
		Count:   len(report.UploadedIDs),
		IDs:     report.UploadedIDs,
		Added:   report.Inserted,
		Updated: report.Updated,
	})
}

func (n *DispatchNotifier) UploadFailed(count int, ids []string, err error) {
	notification := Notification{Kind: NotificationUploadFailed, Count: count, IDs: ids}
	if err != nil {
		notification.Error = err.Error()
	}
	n.dispatcher.Publish(notification)
}

func (n *DispatchNotifier) SubscriptionNotResponding() {
	n.dispatcher.Publish(Notification{Kind: NotificationSubscriptionBad})
}

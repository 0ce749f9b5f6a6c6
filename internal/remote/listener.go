package remote

import (
	"context"
	"errors"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const dedupeCacheSize = 512

var (
	errMissingClient = errors.New("remote: client required")
	errMissingUserID = errors.New("remote: user id required")
)

// Handler receives same-user change events from the listener.
type Handler func(ChangeEvent)

// Listener owns at most one logical realtime channel per session and forwards
// matching change events to a single swappable handler slot. The slot is a
// mutable reference so the handler can be replaced without resubscribing,
// which the subscription self-test relies on.
type Listener struct {
	client *Client
	logger *zap.Logger

	mu     sync.Mutex
	userID string
	active *channel

	handlerMu sync.Mutex
	handler   Handler

	seen *lru.Cache[string, struct{}]
}

// NewListener builds a listener over the provided backend client.
func NewListener(client *Client, logger *zap.Logger) (*Listener, error) {
	if client == nil {
		return nil, errMissingClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	seen, err := lru.New[string, struct{}](dedupeCacheSize)
	if err != nil {
		return nil, err
	}
	return &Listener{client: client, logger: logger, seen: seen}, nil
}

// Subscribe opens the changefeed channel for the user. Any previously open
// channel is torn down first so one reconnecting topic never delivers twice.
func (l *Listener) Subscribe(ctx context.Context, token, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return errMissingUserID
	}
	if strings.TrimSpace(token) == "" {
		return errMissingToken
	}

	l.mu.Lock()
	previous := l.active
	l.active = nil
	l.mu.Unlock()
	if previous != nil {
		previous.close()
	}

	l.mu.Lock()
	l.userID = userID
	// The channel is session-scoped: callers subscribe from short-lived
	// request contexts, but the reconnect loop must keep running until
	// Unsubscribe or a replacement subscription tears it down.
	l.active = l.client.openChannel(context.WithoutCancel(ctx), token, "items:"+userID, l.deliver)
	l.mu.Unlock()
	return nil
}

// Unsubscribe tears down the channel if one is open; calling it again is a
// no-op.
func (l *Listener) Unsubscribe() {
	l.mu.Lock()
	previous := l.active
	l.active = nil
	l.userID = ""
	l.mu.Unlock()
	if previous != nil {
		previous.close()
	}
}

// Swap installs a new handler and returns the previous one. A nil handler
// silences delivery without closing the channel.
func (l *Listener) Swap(handler Handler) Handler {
	l.handlerMu.Lock()
	previous := l.handler
	l.handler = handler
	l.handlerMu.Unlock()
	return previous
}

func (l *Listener) deliver(event ChangeEvent) {
	l.mu.Lock()
	currentUser := l.userID
	l.mu.Unlock()

	owner := event.OwnerID()
	if owner == "" || owner != currentUser {
		// Shared logical channel: never leak another tenant's rows.
		l.logger.Debug("dropping cross-user realtime event",
			zap.String("event_owner", owner))
		return
	}
	if event.CommitID != "" {
		if found, _ := l.seen.ContainsOrAdd(event.CommitID, struct{}{}); found {
			l.logger.Debug("dropping duplicate realtime event",
				zap.String("commit_id", event.CommitID))
			return
		}
	}

	l.handlerMu.Lock()
	handler := l.handler
	l.handlerMu.Unlock()
	if handler != nil {
		handler(event)
	}
}

package remote

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/meridian/internal/items"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

const (
	dialTimeout       = 20 * time.Second
	heartbeatInterval = 30 * time.Second
)

// reconnectSchedule is the increasing backoff between realtime reconnect
// attempts, capped at its final entry.
var reconnectSchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
}

func reconnectDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(reconnectSchedule) {
		return reconnectSchedule[len(reconnectSchedule)-1]
	}
	return reconnectSchedule[attempt]
}

// EventType enumerates changefeed event kinds.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// ChangeEvent is one row change observed on the changefeed. New carries the
// row after the change, Old the row before; deletes only populate Old.
type ChangeEvent struct {
	Type     EventType   `json:"event"`
	CommitID string      `json:"commit_id"`
	New      *items.Item `json:"new,omitempty"`
	Old      *items.Item `json:"old,omitempty"`
}

// OwnerID extracts the owning user id from whichever row payload is present.
func (e ChangeEvent) OwnerID() string {
	if e.New != nil && e.New.UserID != "" {
		return e.New.UserID
	}
	if e.Old != nil {
		return e.Old.UserID
	}
	return ""
}

// ItemID extracts the row id from whichever payload is present.
func (e ChangeEvent) ItemID() string {
	if e.New != nil && e.New.ID != "" {
		return e.New.ID
	}
	if e.Old != nil {
		return e.Old.ID
	}
	return ""
}

type controlFrame struct {
	Event string `json:"event"`
	Topic string `json:"topic,omitempty"`
}

type inboundFrame struct {
	Event    string      `json:"event"`
	CommitID string      `json:"commit_id"`
	New      *items.Item `json:"new"`
	Old      *items.Item `json:"old"`
}

// channel is one logical realtime subscription. It reconnects internally on
// the backoff schedule until closed.
type channel struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (ch *channel) close() {
	ch.cancel()
	<-ch.done
}

func (c *Client) openChannel(ctx context.Context, token, topic string, deliver func(ChangeEvent)) *channel {
	runCtx, cancel := context.WithCancel(ctx)
	ch := &channel{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(ch.done)
		c.runChannel(runCtx, token, topic, deliver)
	}()
	return ch
}

func (c *Client) runChannel(ctx context.Context, token, topic string, deliver func(ChangeEvent)) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		// A successful subscribe resets the backoff ladder.
		err := c.serveChannel(ctx, token, topic, deliver, func() { attempt = 0 })
		if ctx.Err() != nil {
			return
		}
		delay := reconnectDelay(attempt)
		attempt++
		c.logger.Warn("realtime channel dropped",
			zap.String("topic", topic),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (c *Client) serveChannel(ctx context.Context, token, topic string, deliver func(ChangeEvent), onOpen func()) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	endpoint := c.realtimeURL()
	conn, _, err := websocket.Dial(dialCtx, endpoint, &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: map[string][]string{
			"Authorization": {"Bearer " + token},
		},
	})
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "closing")

	if err := wsjson.Write(ctx, conn, controlFrame{Event: "subscribe", Topic: topic}); err != nil {
		return err
	}
	c.logger.Info("realtime channel open", zap.String("topic", topic))
	onOpen()

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-heartbeatCtx.Done():
				return
			case <-ticker.C:
				if err := wsjson.Write(heartbeatCtx, conn, controlFrame{Event: "heartbeat"}); err != nil {
					return
				}
			}
		}
	}()

	for {
		var frame inboundFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return err
		}
		switch EventType(frame.Event) {
		case EventInsert, EventUpdate, EventDelete:
			deliver(ChangeEvent{
				Type:     EventType(frame.Event),
				CommitID: frame.CommitID,
				New:      frame.New,
				Old:      frame.Old,
			})
		default:
			// heartbeat acks and other control frames
		}
	}
}

func (c *Client) realtimeURL() string {
	endpoint := *c.baseURL
	switch endpoint.Scheme {
	case "https":
		endpoint.Scheme = "wss"
	default:
		endpoint.Scheme = "ws"
	}
	endpoint.Path = strings.TrimRight(endpoint.Path, "/") + "/realtime/v1/websocket"
	query := url.Values{}
	query.Set("apikey", c.apiKey)
	endpoint.RawQuery = query.Encode()
	return endpoint.String()
}

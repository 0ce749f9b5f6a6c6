package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/meridian/internal/items"
	"github.com/MarcoPoloResearchLab/meridian/internal/remote"
)

func newTestSelfTest(store *fakeRemote, feed *fakeFeed, notifier *recordingNotifier, cfg SelfTestConfig) (*SelfTest, *SessionState) {
	session := NewSessionState()
	selfTest := NewSelfTest(SelfTestDeps{
		Session:  session,
		Store:    store,
		Feed:     feed,
		Tokens:   &fakeTokens{token: "tok"},
		IDs:      &sequentialIDs{},
		Notifier: notifier,
		DeviceID: "device-1",
		Config:   cfg,
	})
	return selfTest, session
}

func fastProbeConfig() SelfTestConfig {
	return SelfTestConfig{
		InstallDelay: time.Millisecond,
		EchoTimeout:  200 * time.Millisecond,
	}
}

func TestSelfTestPassesWhenSentinelEchoes(t *testing.T) {
	feed := &fakeFeed{}
	store := &fakeRemote{}
	// Echo each inserted sentinel back through the feed, as the realtime
	// channel would.
	store.onInsert = func(batch []items.Item) {
		for _, item := range batch {
			feed.emit(remote.ChangeEvent{
				Type:     remote.EventInsert,
				CommitID: "commit-" + item.ID,
				New:      &item,
			})
		}
	}
	notifier := &recordingNotifier{}
	selfTest, session := newTestSelfTest(store, feed, notifier, fastProbeConfig())
	session.Start("user-1")

	var previousCalls atomic.Int32
	feed.Swap(func(remote.ChangeEvent) { previousCalls.Add(1) })

	if !selfTest.Run(context.Background()) {
		t.Fatalf("expected probe to pass when the sentinel echoes")
	}
	if notifier.subscriptionFailures() != 0 {
		t.Fatalf("passing probe must not raise a warning")
	}
	deleted := store.deletedIDs()
	if len(deleted) != 1 || len(deleted[0]) != 1 || deleted[0][0] != store.inserted[0][0].ID {
		t.Fatalf("expected the sentinel to be cleaned up, got %+v", deleted)
	}
	// Events seen during the probe still reach the previous handler.
	if previousCalls.Load() != 1 {
		t.Fatalf("expected pass-through to previous handler, got %d calls", previousCalls.Load())
	}

	// The slot is restored: post-probe events go only to the previous
	// handler.
	feed.emit(remote.ChangeEvent{Type: remote.EventUpdate, CommitID: "after"})
	if previousCalls.Load() != 2 {
		t.Fatalf("expected handler slot restored after probe, got %d calls", previousCalls.Load())
	}
}

func TestSelfTestFailsOnSilentSubscription(t *testing.T) {
	feed := &fakeFeed{}
	store := &fakeRemote{}
	notifier := &recordingNotifier{}
	selfTest, session := newTestSelfTest(store, feed, notifier, fastProbeConfig())
	session.Start("user-1")

	var previousCalls atomic.Int32
	feed.Swap(func(remote.ChangeEvent) { previousCalls.Add(1) })

	if selfTest.Run(context.Background()) {
		t.Fatalf("expected probe to fail when nothing echoes")
	}
	if notifier.subscriptionFailures() != 1 {
		t.Fatalf("expected a not-responding warning, got %d", notifier.subscriptionFailures())
	}
	if len(store.inserted) != 1 {
		t.Fatalf("expected one sentinel write, got %d", len(store.inserted))
	}
	// Even a timed-out probe must not leave its sentinel behind.
	if len(store.deletedIDs()) != 1 {
		t.Fatalf("expected sentinel cleanup after timeout, got %+v", store.deletedIDs())
	}

	feed.emit(remote.ChangeEvent{Type: remote.EventUpdate, CommitID: "after"})
	if previousCalls.Load() != 1 {
		t.Fatalf("expected handler slot restored after failed probe, got %d calls", previousCalls.Load())
	}
}

func TestSelfTestSentinelIsInvisible(t *testing.T) {
	feed := &fakeFeed{}
	store := &fakeRemote{}
	notifier := &recordingNotifier{}
	selfTest, session := newTestSelfTest(store, feed, notifier, fastProbeConfig())
	session.Start("user-1")

	selfTest.Run(context.Background())

	if len(store.inserted) != 1 || len(store.inserted[0]) != 1 {
		t.Fatalf("expected exactly one sentinel insert, got %+v", store.inserted)
	}
	sentinel := store.inserted[0][0]
	if !sentinel.Deleted {
		t.Fatalf("sentinel must be born deleted so it never renders")
	}
	if sentinel.ListKey == "todo" || sentinel.ListKey == "" {
		t.Fatalf("sentinel must live outside visible lists, got %q", sentinel.ListKey)
	}
	if sentinel.UserID != "user-1" {
		t.Fatalf("sentinel must belong to the probing user, got %q", sentinel.UserID)
	}
}

func TestSelfTestRequiresSession(t *testing.T) {
	feed := &fakeFeed{}
	store := &fakeRemote{}
	notifier := &recordingNotifier{}
	selfTest, _ := newTestSelfTest(store, feed, notifier, fastProbeConfig())

	if selfTest.Run(context.Background()) {
		t.Fatalf("expected probe to refuse without a session")
	}
	if len(store.inserted) != 0 {
		t.Fatalf("expected no sentinel write without a session")
	}
	if notifier.subscriptionFailures() != 0 {
		t.Fatalf("a refused probe is not a subscription failure")
	}
}

// racingFeed delivers a buffered event into a handler the instant it is
// installed, the way the websocket delivery goroutine can fire between the
// slot swap and the caller's next statement.
type racingFeed struct {
	fakeFeed
	pending *remote.ChangeEvent
}

func (f *racingFeed) Swap(handler remote.Handler) remote.Handler {
	previous := f.fakeFeed.Swap(handler)
	if handler != nil && f.pending != nil {
		event := *f.pending
		f.pending = nil
		handler(event)
	}
	return previous
}

func TestSelfTestDeliveryDuringInstallReachesPreviousHandler(t *testing.T) {
	store := &fakeRemote{}
	notifier := &recordingNotifier{}
	feed := &racingFeed{}

	var previousCalls atomic.Int32
	feed.fakeFeed.Swap(func(remote.ChangeEvent) { previousCalls.Add(1) })
	feed.pending = &remote.ChangeEvent{Type: remote.EventUpdate, CommitID: "racing"}

	session := NewSessionState()
	selfTest := NewSelfTest(SelfTestDeps{
		Session:  session,
		Store:    store,
		Feed:     feed,
		Tokens:   &fakeTokens{token: "tok"},
		IDs:      &sequentialIDs{},
		Notifier: notifier,
		DeviceID: "device-1",
		Config:   fastProbeConfig(),
	})
	session.Start("user-1")

	selfTest.Run(context.Background())

	if previousCalls.Load() != 1 {
		t.Fatalf("event arriving while the interceptor installs must reach the previous handler, got %d calls", previousCalls.Load())
	}
}

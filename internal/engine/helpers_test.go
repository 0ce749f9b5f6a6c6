package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/meridian/internal/items"
	"github.com/MarcoPoloResearchLab/meridian/internal/remote"
)

type fakeRemote struct {
	mu           sync.Mutex
	listResult   []items.Item
	listErr      error
	listCalls    int
	upsertErr    error
	upserted     [][]items.Item
	onUpsert     func(batch []items.Item)
	deleted      [][]string
	deleteErr    error
	insertErr    error
	inserted     [][]items.Item
	onInsert     func(batch []items.Item)
	tokensSeen   []string
	listUsersSet []string
}

func (f *fakeRemote) ListItems(_ context.Context, token, userID string) ([]items.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	f.tokensSeen = append(f.tokensSeen, token)
	f.listUsersSet = append(f.listUsersSet, userID)
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]items.Item, len(f.listResult))
	copy(out, f.listResult)
	return out, nil
}

func (f *fakeRemote) UpsertItems(_ context.Context, token string, batch []items.Item) error {
	f.mu.Lock()
	onUpsert := f.onUpsert
	f.tokensSeen = append(f.tokensSeen, token)
	if f.upsertErr != nil {
		f.mu.Unlock()
		return f.upsertErr
	}
	copied := make([]items.Item, len(batch))
	copy(copied, batch)
	f.upserted = append(f.upserted, copied)
	f.mu.Unlock()
	if onUpsert != nil {
		onUpsert(copied)
	}
	return nil
}

func (f *fakeRemote) DeleteItems(_ context.Context, token string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokensSeen = append(f.tokensSeen, token)
	if f.deleteErr != nil {
		return f.deleteErr
	}
	copied := make([]string, len(ids))
	copy(copied, ids)
	f.deleted = append(f.deleted, copied)
	return nil
}

func (f *fakeRemote) deletedIDs() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.deleted))
	copy(out, f.deleted)
	return out
}

func (f *fakeRemote) InsertItems(_ context.Context, token string, batch []items.Item) error {
	f.mu.Lock()
	onInsert := f.onInsert
	if f.insertErr != nil {
		f.mu.Unlock()
		return f.insertErr
	}
	copied := make([]items.Item, len(batch))
	copy(copied, batch)
	f.inserted = append(f.inserted, copied)
	f.mu.Unlock()
	if onInsert != nil {
		onInsert(copied)
	}
	return nil
}

func (f *fakeRemote) upsertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.upserted)
}

func (f *fakeRemote) lastUpserted() []items.Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.upserted) == 0 {
		return nil
	}
	return f.upserted[len(f.upserted)-1]
}

type fakeTokens struct {
	token string
	err   error
}

func (f *fakeTokens) Token(context.Context) (string, error) {
	return f.token, f.err
}

type fakeFeed struct {
	mu           sync.Mutex
	handler      remote.Handler
	subscribed   []string
	unsubscribes int
	subscribeErr error
}

func (f *fakeFeed) Subscribe(_ context.Context, _, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.subscribed = append(f.subscribed, userID)
	return nil
}

func (f *fakeFeed) Unsubscribe() {
	f.mu.Lock()
	f.unsubscribes++
	f.mu.Unlock()
}

func (f *fakeFeed) Swap(handler remote.Handler) remote.Handler {
	f.mu.Lock()
	defer f.mu.Unlock()
	previous := f.handler
	f.handler = handler
	return previous
}

func (f *fakeFeed) emit(event remote.ChangeEvent) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	if handler != nil {
		handler(event)
	}
}

type recordingNotifier struct {
	mu              sync.Mutex
	applied         [][2]int
	upToDate        int
	reports         []UploadReport
	failures        []int
	subscriptionBad int
}

func (n *recordingNotifier) SyncApplied(added, updated int) {
	n.mu.Lock()
	n.applied = append(n.applied, [2]int{added, updated})
	n.mu.Unlock()
}

func (n *recordingNotifier) UpToDate() {
	n.mu.Lock()
	n.upToDate++
	n.mu.Unlock()
}

func (n *recordingNotifier) UploadComplete(report UploadReport) {
	n.mu.Lock()
	n.reports = append(n.reports, report)
	n.mu.Unlock()
}

func (n *recordingNotifier) UploadFailed(count int, _ []string, _ error) {
	n.mu.Lock()
	n.failures = append(n.failures, count)
	n.mu.Unlock()
}

func (n *recordingNotifier) SubscriptionNotResponding() {
	n.mu.Lock()
	n.subscriptionBad++
	n.mu.Unlock()
}

func (n *recordingNotifier) subscriptionFailures() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.subscriptionBad
}

type sequentialIDs struct {
	mu   sync.Mutex
	next int
}

func (s *sequentialIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("id-%d", s.next), nil
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func syncedItem(id, userID string, updatedAt time.Time) items.Item {
	synced := updatedAt.Add(time.Second)
	return items.Item{
		ID:        id,
		UserID:    userID,
		ListKey:   "todo",
		Title:     "item " + id,
		UpdatedAt: updatedAt,
		SyncedAt:  &synced,
	}
}

func dirtyItem(id, userID string, updatedAt time.Time) items.Item {
	it := syncedItem(id, userID, updatedAt)
	it.SyncedAt = nil
	return it
}

func waitFor(timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return condition()
}

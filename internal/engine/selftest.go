package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/meridian/internal/auth"
	"github.com/MarcoPoloResearchLab/meridian/internal/items"
	"github.com/MarcoPoloResearchLab/meridian/internal/remote"
	"go.uber.org/zap"
)

const selfTestListKey = "_selftest"

// SelfTestConfig tunes the realtime probe.
type SelfTestConfig struct {
	// InstallDelay gives the interceptor time to be live server-side before
	// the sentinel write goes out.
	InstallDelay time.Duration
	// EchoTimeout bounds the wait for the sentinel to come back over the
	// realtime channel.
	EchoTimeout time.Duration
}

func (c SelfTestConfig) withDefaults() SelfTestConfig {
	if c.InstallDelay <= 0 {
		c.InstallDelay = 300 * time.Millisecond
	}
	if c.EchoTimeout <= 0 {
		c.EchoTimeout = 8 * time.Second
	}
	return c
}

// SelfTest probes the realtime subscription end to end: it writes a sentinel
// row through the REST path and waits for the same row to arrive back over
// the websocket. A subscription that survives the socket but silently stops
// delivering rows fails this probe even though the connection looks healthy.
type SelfTest struct {
	session  *SessionState
	store    RemoteStore
	feed     ChangeFeed
	tokens   auth.TokenSource
	ids      items.IDProvider
	notifier Notifier
	deviceID string
	clock    func() time.Time
	cfg      SelfTestConfig
	logger   *zap.Logger
}

// SelfTestDeps wires a SelfTest's collaborators.
type SelfTestDeps struct {
	Session  *SessionState
	Store    RemoteStore
	Feed     ChangeFeed
	Tokens   auth.TokenSource
	IDs      items.IDProvider
	Notifier Notifier
	DeviceID string
	Clock    func() time.Time
	Config   SelfTestConfig
	Logger   *zap.Logger
}

// NewSelfTest builds a self test runner.
func NewSelfTest(deps SelfTestDeps) *SelfTest {
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = NewLogNotifier(nil)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SelfTest{
		session:  deps.Session,
		store:    deps.Store,
		feed:     deps.Feed,
		tokens:   deps.Tokens,
		ids:      deps.IDs,
		notifier: notifier,
		deviceID: deps.DeviceID,
		clock:    clock,
		cfg:      deps.Config.withDefaults(),
		logger:   logger,
	}
}

// Run executes one probe and reports whether the echo arrived in time. The
// handler slot is restored to its previous occupant before Run returns, so
// ordinary event routing is never disturbed beyond pass-through. A failed
// probe raises SubscriptionNotResponding on the notifier.
func (s *SelfTest) Run(ctx context.Context) bool {
	userID := s.session.UserID()
	if userID == "" {
		return false
	}
	token, err := s.tokens.Token(ctx)
	if err != nil || token == "" {
		s.logger.Info("subscription probe skipped, authentication not ready")
		return false
	}

	sentinelID, err := s.ids.NewID()
	if err != nil {
		s.logger.Warn("subscription probe id generation failed", zap.Error(err))
		return false
	}
	echo := make(chan struct{}, 1)

	// Capture the current occupant first so the interceptor closes over a
	// settled value; events can arrive from the delivery goroutine the
	// moment the interceptor is installed.
	previous := s.feed.Swap(nil)
	s.feed.Swap(func(event remote.ChangeEvent) {
		if previous != nil {
			previous(event)
		}
		if event.ItemID() == sentinelID {
			select {
			case echo <- struct{}{}:
			default:
			}
		}
	})
	defer s.feed.Swap(previous)

	select {
	case <-time.After(s.cfg.InstallDelay):
	case <-ctx.Done():
		return false
	}

	now := s.clock().UTC()
	sentinel := items.Item{
		ID:        sentinelID,
		UserID:    userID,
		ListKey:   selfTestListKey,
		Title:     fmt.Sprintf("selftest-%s-%s", s.deviceID, sentinelID),
		Deleted:   true,
		UpdatedAt: now,
	}
	if err := s.store.InsertItems(ctx, token, []items.Item{sentinel}); err != nil {
		s.logger.Warn("subscription probe write failed", zap.Error(err))
		return false
	}
	defer func() {
		// Sentinels must not pile up remotely across wakes. Best effort;
		// an orphaned row is invisible and costs one extra delete later.
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := s.store.DeleteItems(cleanupCtx, token, []string{sentinelID}); err != nil {
			s.logger.Warn("sentinel cleanup failed",
				zap.String("sentinel_id", sentinelID), zap.Error(err))
		}
	}()

	select {
	case <-echo:
		s.logger.Info("subscription probe echoed", zap.String("sentinel_id", sentinelID))
		return true
	case <-time.After(s.cfg.EchoTimeout):
		s.logger.Warn("subscription probe timed out", zap.String("sentinel_id", sentinelID))
		s.notifier.SubscriptionNotResponding()
		return false
	case <-ctx.Done():
		return false
	}
}

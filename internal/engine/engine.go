package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/meridian/internal/auth"
	"github.com/MarcoPoloResearchLab/meridian/internal/database"
	"github.com/MarcoPoloResearchLab/meridian/internal/items"
	"github.com/MarcoPoloResearchLab/meridian/internal/remote"
	"go.uber.org/zap"
)

// RemoteStore is the REST surface the engine syncs against.
type RemoteStore interface {
	ListItems(ctx context.Context, token, userID string) ([]items.Item, error)
	UpsertItems(ctx context.Context, token string, batch []items.Item) error
	InsertItems(ctx context.Context, token string, batch []items.Item) error
	DeleteItems(ctx context.Context, token string, ids []string) error
}

// ChangeFeed is the realtime change stream with a swappable handler slot.
type ChangeFeed interface {
	Subscribe(ctx context.Context, token, userID string) error
	Unsubscribe()
	Swap(handler remote.Handler) remote.Handler
}

var (
	errMissingStore  = errors.New("remote store is required")
	errMissingFeed   = errors.New("change feed is required")
	errMissingTokens = errors.New("token source is required")
	errMissingKV     = errors.New("local store is required")
)

// LifecycleEvent names a host transition forwarded to HandleLifecycle.
type LifecycleEvent string

const (
	LifecycleSuspend  LifecycleEvent = "suspend"
	LifecycleLocked   LifecycleEvent = "locked"
	LifecycleResumed  LifecycleEvent = "resumed"
	LifecycleUnlocked LifecycleEvent = "unlocked"
)

// Config wires an Engine's collaborators.
type Config struct {
	Store    RemoteStore
	Feed     ChangeFeed
	Tokens   auth.TokenSource
	KV       *database.KV
	IDs      items.IDProvider
	Notifier Notifier
	DeviceID string
	Clock    func() time.Time
	// IdleWindow is how long after the last activity signal the user still
	// counts as active.
	IdleWindow time.Duration
	Scheduler  SchedulerConfig
	Reconcile  ReconcilerConfig
	SelfTest   SelfTestConfig
	Logger     *zap.Logger
}

// Engine owns the local collection and drives the sync loop: the debounce
// scheduler decides when to upload, the reconciler merges remote state back,
// and the realtime feed turns remote events into targeted reloads. One
// Engine serves one device; all session flags live in its SessionState.
type Engine struct {
	session    *SessionState
	collection *items.Collection
	store      RemoteStore
	feed       ChangeFeed
	tokens     auth.TokenSource
	kv         *database.KV
	ids        items.IDProvider
	notifier   Notifier
	scheduler  *Scheduler
	uploader   *Uploader
	reconciler *Reconciler
	selfTest   *SelfTest
	clock      func() time.Time
	idleWindow time.Duration
	logger     *zap.Logger

	mu        sync.Mutex
	idleTimer *time.Timer
}

// New builds an engine from its configuration.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, newEngineError(opEngineNew, "missing_store", errMissingStore)
	}
	if cfg.Feed == nil {
		return nil, newEngineError(opEngineNew, "missing_feed", errMissingFeed)
	}
	if cfg.Tokens == nil {
		return nil, newEngineError(opEngineNew, "missing_tokens", errMissingTokens)
	}
	if cfg.KV == nil {
		return nil, newEngineError(opEngineNew, "missing_kv", errMissingKV)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ids := cfg.IDs
	if ids == nil {
		ids = items.NewUUIDProvider()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = NewLogNotifier(cfg.Logger)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	idleWindow := cfg.IdleWindow
	if idleWindow <= 0 {
		idleWindow = 1500 * time.Millisecond
	}

	eng := &Engine{
		session:    NewSessionState(),
		collection: items.NewCollection(),
		store:      cfg.Store,
		feed:       cfg.Feed,
		tokens:     cfg.Tokens,
		kv:         cfg.KV,
		ids:        ids,
		notifier:   notifier,
		clock:      clock,
		idleWindow: idleWindow,
		logger:     logger,
	}

	schedulerCfg := cfg.Scheduler.withDefaults()
	eng.scheduler = NewScheduler(schedulerCfg, clock,
		eng.session.SetProgress,
		func() { go eng.performUpload(context.Background()) },
		logger.Named("scheduler"))

	comparator := NewComparator(cfg.Store, logger.Named("compare"))
	eng.uploader = NewUploader(UploaderConfig{
		Session:    eng.session,
		Collection: eng.collection,
		Store:      cfg.Store,
		Tokens:     cfg.Tokens,
		Comparator: comparator,
		Persist:    eng.persist,
		OnState:    eng.refreshScheduler,
		Clock:      clock,
		Settle:     schedulerCfg.Settle,
		Logger:     logger.Named("upload"),
	})

	eng.reconciler = NewReconciler(ReconcilerDeps{
		Session:    eng.session,
		Collection: eng.collection,
		Store:      cfg.Store,
		Tokens:     cfg.Tokens,
		Notifier:   notifier,
		Persist:    eng.persist,
		Clock:      clock,
		Config:     cfg.Reconcile,
		Logger:     logger.Named("reload"),
	})

	eng.selfTest = NewSelfTest(SelfTestDeps{
		Session:  eng.session,
		Store:    cfg.Store,
		Feed:     cfg.Feed,
		Tokens:   cfg.Tokens,
		IDs:      ids,
		Notifier: notifier,
		DeviceID: cfg.DeviceID,
		Clock:    clock,
		Config:   cfg.SelfTest,
		Logger:   logger.Named("selftest"),
	})

	return eng, nil
}

// Session returns a snapshot of the session flags for the control API.
func (e *Engine) Session() SessionSnapshot {
	return e.session.Snapshot()
}

// Items returns a sorted copy of the local collection.
func (e *Engine) Items() []items.Item {
	return e.collection.Snapshot()
}

// Login resolves the user behind the token source, restores the locally
// cached collection, seeds starter items on first run, and brings the
// realtime subscription and an initial reconciliation online.
func (e *Engine) Login(ctx context.Context) error {
	token, err := e.tokens.Token(ctx)
	if err != nil || token == "" {
		return newEngineError(opLogin, "token_unavailable", ErrAuthUnavailable)
	}
	userID, err := auth.Subject(token)
	if err != nil || userID == "" {
		return newEngineError(opLogin, "subject_unresolved", err)
	}
	e.session.Start(userID)

	var cached []items.Item
	if e.kv.DecodeJSON(database.KeyItems, &cached) {
		e.collection.Replace(ownedBy(cached, userID))
	}

	if _, initialized, err := e.kv.Get(database.KeyInitialized); err == nil && !initialized {
		seeded, seedErr := items.DefaultSeed(userID, e.clock().UTC(), e.ids)
		if seedErr != nil {
			return newEngineError(opLogin, "seed_failed", seedErr)
		}
		e.collection.Replace(seeded)
		e.persist()
		if err := e.kv.Set(database.KeyInitialized, "1"); err != nil {
			e.logger.Warn("failed to record first-run marker", zap.Error(err))
		}
		e.session.SetLocalChanges(true)
	}

	e.feed.Swap(e.handleRemoteEvent)
	if err := e.feed.Subscribe(ctx, token, userID); err != nil {
		// Sync still works over REST; realtime is additive.
		e.logger.Warn("realtime subscription failed", zap.Error(err))
	}

	go e.reconciler.Reload(context.Background())
	e.refreshScheduler()

	e.logger.Info("session started", zap.String("user_id", userID))
	return nil
}

// Logout flushes pending changes, tears down the subscription and timers,
// and returns the engine to the logged-out state. The cached collection
// stays on disk for the next login.
func (e *Engine) Logout(ctx context.Context) {
	// The flush runs inline: a scheduler trigger would fire on a goroutine
	// and find the session already gone.
	if e.session.UserID() != "" && e.session.HasLocalChanges() {
		if err := e.uploader.PerformUpload(ctx, nil); err != nil && !errors.Is(err, ErrUploadUnavailable) {
			e.logger.Warn("final flush failed, edits stay in the local cache", zap.Error(err))
		}
	}
	e.feed.Unsubscribe()
	e.scheduler.Stop()
	e.reconciler.Stop()
	e.mu.Lock()
	if e.idleTimer != nil {
		e.idleTimer.Stop()
		e.idleTimer = nil
	}
	e.mu.Unlock()
	e.persist()
	e.collection.Clear()
	e.session.Reset()
	e.logger.Info("session ended")
}

// UpsertLocal applies a local create or edit. A missing id means a create
// and gets a fresh identifier. The item is stamped with the current time,
// flagged for highlight, and opens (or extends) a dirty episode.
func (e *Engine) UpsertLocal(item items.Item) (items.Item, error) {
	userID := e.session.UserID()
	if userID == "" {
		return items.Item{}, newEngineError(opUpsertLocal, "no_session", ErrNoSession)
	}
	if item.ID == "" {
		id, err := e.ids.NewID()
		if err != nil {
			return items.Item{}, newEngineError(opUpsertLocal, "id_generation_failed", err)
		}
		item.ID = id
	}
	item.UserID = userID
	item.UpdatedAt = e.clock().UTC()
	item.SyncedAt = nil
	item.SyncHighlight = true

	e.collection.Update(func(current []items.Item) []items.Item {
		for i := range current {
			if current[i].ID == item.ID {
				current[i] = item
				return current
			}
		}
		return append(current, item)
	})
	e.persist()
	e.session.SetLocalChanges(true)
	e.refreshScheduler()
	return item, nil
}

// DeleteLocal tombstones an item. Deletes propagate as upserts of the
// deleted flag rather than row removals so other devices converge.
func (e *Engine) DeleteLocal(id string) error {
	if e.session.UserID() == "" {
		return newEngineError(opUpsertLocal, "no_session", ErrNoSession)
	}
	item, ok := e.collection.Get(id)
	if !ok {
		return nil
	}
	item.Deleted = true
	_, err := e.UpsertLocal(item)
	return err
}

// MarkUserActive records an activity signal. The user counts as active
// until the idle window elapses without another signal; while active the
// upload countdown is held.
func (e *Engine) MarkUserActive() {
	if e.session.UserID() == "" {
		return
	}
	e.session.SetUserActive(true)
	e.mu.Lock()
	if e.idleTimer != nil {
		e.idleTimer.Stop()
	}
	e.idleTimer = time.AfterFunc(e.idleWindow, func() {
		e.session.SetUserActive(false)
		e.refreshScheduler()
	})
	e.mu.Unlock()
	e.refreshScheduler()
}

// ForceSync flushes pending changes immediately, bypassing the countdown.
// Without a session it is a silent no-op so host-level broadcasts are safe
// to deliver unconditionally.
func (e *Engine) ForceSync(ctx context.Context) {
	if e.session.UserID() == "" {
		return
	}
	e.scheduler.ForceFlush(e.session.Flags())
}

// RequestReload runs a broad reconciliation in the background.
func (e *Engine) RequestReload(ctx context.Context) {
	if e.session.UserID() == "" {
		return
	}
	go e.reconciler.Reload(context.Background())
}

// HandleLifecycle reacts to host transitions: going away flushes pending
// work while the process still can, coming back probes the subscription
// (which may have died silently) and refreshes from the remote.
func (e *Engine) HandleLifecycle(ctx context.Context, event LifecycleEvent) error {
	if e.session.UserID() == "" {
		return newEngineError(opLifecycle, "no_session", ErrNoSession)
	}
	switch event {
	case LifecycleSuspend, LifecycleLocked:
		e.ForceSync(ctx)
	case LifecycleResumed, LifecycleUnlocked:
		go func() {
			e.selfTest.Run(context.Background())
			e.reconciler.Reload(context.Background())
		}()
	default:
		return newEngineError(opLifecycle, "unknown_event", nil)
	}
	return nil
}

// handleRemoteEvent is the default occupant of the feed's handler slot: a
// remote change turns into a targeted reload highlighting the changed item.
func (e *Engine) handleRemoteEvent(event remote.ChangeEvent) {
	itemID := event.ItemID()
	if itemID == "" {
		go e.reconciler.Reload(context.Background())
		return
	}
	go e.reconciler.Reload(context.Background(), itemID)
}

func (e *Engine) performUpload(ctx context.Context) {
	err := e.uploader.PerformUpload(ctx, func(report UploadReport) {
		e.notifier.UploadComplete(report)
	})
	if err == nil {
		return
	}
	var uploadErr *UploadError
	switch {
	case errors.As(err, &uploadErr):
		e.notifier.UploadFailed(uploadErr.Count, uploadErr.IDs, uploadErr)
	case errors.Is(err, ErrUploadUnavailable):
		// A stale trigger after the state already moved on; nothing to do.
	default:
		e.logger.Warn("upload attempt failed", zap.Error(err))
	}
	e.refreshScheduler()
}

func (e *Engine) refreshScheduler() {
	e.scheduler.Evaluate(e.session.Flags())
}

func (e *Engine) persist() {
	if err := e.kv.SetJSON(database.KeyItems, e.collection.Snapshot()); err != nil {
		e.logger.Warn("failed to persist collection", zap.Error(err))
	}
}

func ownedBy(list []items.Item, userID string) []items.Item {
	out := make([]items.Item, 0, len(list))
	for _, item := range list {
		if item.UserID == "" || item.UserID == userID {
			out = append(out, item)
		}
	}
	return out
}

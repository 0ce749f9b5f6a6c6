package engine

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/meridian/internal/auth"
	"github.com/MarcoPoloResearchLab/meridian/internal/items"
	"go.uber.org/zap"
)

// ReconcilerConfig fixes the highlight timing windows.
type ReconcilerConfig struct {
	// CoalesceWindow merges highlight bursts: a targeted reconciliation
	// arriving within this window of the previous one unions its ids into
	// the existing highlight buffer instead of replacing it.
	CoalesceWindow time.Duration
	// HighlightWindow is how long merged highlights stay visible; the timer
	// restarts on every update.
	HighlightWindow time.Duration
	// NotifyDelay postpones the aggregate notification slightly so the
	// merged collection paints first.
	NotifyDelay time.Duration
}

func (c ReconcilerConfig) withDefaults() ReconcilerConfig {
	if c.CoalesceWindow <= 0 {
		c.CoalesceWindow = 3 * time.Second
	}
	if c.HighlightWindow <= 0 {
		c.HighlightWindow = 6 * time.Second
	}
	if c.NotifyDelay <= 0 {
		c.NotifyDelay = 500 * time.Millisecond
	}
	return c
}

// Reconciler merges the authoritative remote item set into local state.
type Reconciler struct {
	session    *SessionState
	collection *items.Collection
	store      RemoteStore
	tokens     auth.TokenSource
	notifier   Notifier
	persist    func()
	clock      func() time.Time
	cfg        ReconcilerConfig
	logger     *zap.Logger

	mu          sync.Mutex
	inFlight    bool
	lastRun     time.Time
	buffer      []string
	clearTimer  *time.Timer
	notifyTimer *time.Timer
}

// ReconcilerDeps wires a Reconciler's collaborators.
type ReconcilerDeps struct {
	Session    *SessionState
	Collection *items.Collection
	Store      RemoteStore
	Tokens     auth.TokenSource
	Notifier   Notifier
	Persist    func()
	Clock      func() time.Time
	Config     ReconcilerConfig
	Logger     *zap.Logger
}

// NewReconciler builds a reconciler.
func NewReconciler(deps ReconcilerDeps) *Reconciler {
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	persist := deps.Persist
	if persist == nil {
		persist = func() {}
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = NewLogNotifier(nil)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		session:    deps.Session,
		collection: deps.Collection,
		store:      deps.Store,
		tokens:     deps.Tokens,
		notifier:   notifier,
		persist:    persist,
		clock:      clock,
		cfg:        deps.Config.withDefaults(),
		logger:     logger,
	}
}

// Reload fetches the remote item set and merges it into the local
// collection: synced items the remote no longer has are dropped, remote
// copies that are strictly newer replace local ones (ties keep local), new
// remote items are added, and local items with pending changes always
// survive. A reentrant call while one reload is in flight is a
// no-op. Transport errors leave local state untouched.
//
// Without highlightIDs this is a broad refresh: the highlight set is derived
// from the merged changes themselves. With highlightIDs — the targeted path
// after a known remote event — only ids whose remote copy carries the
// sync-highlight flag are kept, and rapid successive calls coalesce into one
// stable highlight group.
func (r *Reconciler) Reload(ctx context.Context, highlightIDs ...string) {
	r.mu.Lock()
	if r.inFlight {
		r.mu.Unlock()
		return
	}
	r.inFlight = true
	r.mu.Unlock()

	r.session.SetDownloading(true)
	defer func() {
		r.session.SetDownloading(false)
		r.mu.Lock()
		r.inFlight = false
		r.lastRun = r.clock()
		r.mu.Unlock()
	}()

	userID := r.session.UserID()
	if userID == "" {
		return
	}
	token, err := r.tokens.Token(ctx)
	if err != nil || token == "" {
		r.logger.Info("reload skipped, authentication not ready")
		return
	}

	remoteItems, err := r.store.ListItems(ctx, token, userID)
	if err != nil {
		r.logger.Warn("reload fetch failed, local state untouched", zap.Error(err))
		return
	}

	remoteByID := items.IndexByID(remoteItems)
	var added, patched []items.Item
	dropped := 0
	// The merge runs under the collection lock so a local edit landing
	// during the remote fetch is merged rather than reverted wholesale.
	r.collection.Update(func(local []items.Item) []items.Item {
		added, patched = nil, nil
		dropped = 0
		localByID := items.IndexByID(local)
		merged := make([]items.Item, 0, len(remoteItems))
		for _, remoteItem := range remoteItems {
			localItem, exists := localByID[remoteItem.ID]
			switch {
			case !exists:
				merged = append(merged, remoteItem)
				added = append(added, remoteItem)
			case remoteItem.UpdatedAt.After(localItem.UpdatedAt):
				merged = append(merged, remoteItem)
				patched = append(patched, remoteItem)
			default:
				// Tie or older remote copy: local wins.
				merged = append(merged, localItem)
			}
		}
		for _, localItem := range local {
			if _, exists := remoteByID[localItem.ID]; exists {
				continue
			}
			// Local items the remote never saw still have pending changes
			// to upload; only synced items absent from the remote were
			// deleted elsewhere.
			if localItem.Dirty() {
				merged = append(merged, localItem)
			} else {
				dropped++
			}
		}
		return merged
	})
	r.persist()
	r.logger.Info("reload merged",
		zap.Int("added", len(added)),
		zap.Int("patched", len(patched)),
		zap.Int("dropped", dropped))

	if len(highlightIDs) == 0 {
		r.applyBroadHighlights(added, patched)
		return
	}
	r.applyTargetedHighlights(highlightIDs, remoteByID)
}

func (r *Reconciler) applyBroadHighlights(added, patched []items.Item) {
	var highlighted []string
	addedCount, updatedCount := 0, 0
	for _, item := range added {
		if item.SyncHighlight {
			highlighted = append(highlighted, item.ID)
			addedCount++
		}
	}
	for _, item := range patched {
		if item.SyncHighlight {
			highlighted = append(highlighted, item.ID)
			updatedCount++
		}
	}

	if len(highlighted) == 0 {
		r.notifier.UpToDate()
		return
	}

	r.mu.Lock()
	r.buffer = highlighted
	r.session.SetHighlights(r.buffer)
	r.restartClearTimerLocked()
	if r.notifyTimer != nil {
		r.notifyTimer.Stop()
	}
	r.notifyTimer = time.AfterFunc(r.cfg.NotifyDelay, func() {
		r.notifier.SyncApplied(addedCount, updatedCount)
	})
	r.mu.Unlock()
}

func (r *Reconciler) applyTargetedHighlights(candidateIDs []string, remoteByID map[string]items.Item) {
	// Silent remote changes are not worth a flash: only ids whose remote
	// copy carries the highlight flag survive.
	var flagged []string
	for _, id := range candidateIDs {
		if remoteItem, ok := remoteByID[id]; ok && remoteItem.SyncHighlight {
			flagged = append(flagged, id)
		}
	}
	if len(flagged) == 0 {
		return
	}

	now := r.clock()
	r.mu.Lock()
	withinWindow := !r.lastRun.IsZero() && now.Sub(r.lastRun) <= r.cfg.CoalesceWindow
	if withinWindow && len(r.buffer) > 0 {
		existing := make(map[string]bool, len(r.buffer))
		for _, id := range r.buffer {
			existing[id] = true
		}
		for _, id := range flagged {
			if !existing[id] {
				r.buffer = append(r.buffer, id)
			}
		}
	} else {
		r.buffer = flagged
	}
	r.session.SetHighlights(r.buffer)
	r.restartClearTimerLocked()
	r.mu.Unlock()
}

func (r *Reconciler) restartClearTimerLocked() {
	if r.clearTimer != nil {
		r.clearTimer.Stop()
	}
	r.clearTimer = time.AfterFunc(r.cfg.HighlightWindow, r.clearHighlights)
}

func (r *Reconciler) clearHighlights() {
	r.mu.Lock()
	r.buffer = nil
	r.mu.Unlock()
	r.session.SetHighlights(nil)
}

// Stop cancels pending highlight timers. Used at logout.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if r.clearTimer != nil {
		r.clearTimer.Stop()
		r.clearTimer = nil
	}
	if r.notifyTimer != nil {
		r.notifyTimer.Stop()
		r.notifyTimer = nil
	}
	r.buffer = nil
	r.mu.Unlock()
}

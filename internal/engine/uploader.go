package engine

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/meridian/internal/auth"
	"github.com/MarcoPoloResearchLab/meridian/internal/items"
	"go.uber.org/zap"
)

// UploadReport is delivered to the completion callback after a successful
// upload and the follow-up comparison.
type UploadReport struct {
	UploadedIDs []string      `json:"uploaded_ids"`
	Inserted    int           `json:"inserted"`
	Updated     int           `json:"updated"`
	Compare     CompareResult `json:"compare"`
}

// Uploader pushes dirty items to the remote store and marks them synced.
type Uploader struct {
	session    *SessionState
	collection *items.Collection
	store      RemoteStore
	tokens     auth.TokenSource
	comparator *Comparator
	persist    func()
	onState    func()
	clock      func() time.Time
	settle     time.Duration
	logger     *zap.Logger
}

// UploaderConfig wires an Uploader's collaborators.
type UploaderConfig struct {
	Session    *SessionState
	Collection *items.Collection
	Store      RemoteStore
	Tokens     auth.TokenSource
	Comparator *Comparator
	// Persist flushes the collection to the local store after mutation.
	Persist func()
	// OnState is called after session flag transitions so the scheduler can
	// re-evaluate.
	OnState func()
	Clock   func() time.Time
	Settle  time.Duration
	Logger  *zap.Logger
}

// NewUploader builds an uploader.
func NewUploader(cfg UploaderConfig) *Uploader {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	persist := cfg.Persist
	if persist == nil {
		persist = func() {}
	}
	onState := cfg.OnState
	if onState == nil {
		onState = func() {}
	}
	settle := cfg.Settle
	if settle <= 0 {
		settle = 250 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{
		session:    cfg.Session,
		collection: cfg.Collection,
		store:      cfg.Store,
		tokens:     cfg.Tokens,
		comparator: cfg.Comparator,
		persist:    persist,
		onState:    onState,
		clock:      clock,
		settle:     settle,
		logger:     logger,
	}
}

// PerformUpload pushes the current dirty set as one upsert batch.
//
// Preconditions: a resolved user, unsynced local changes, and no upload in
// flight; violations fail with ErrUploadUnavailable and are treated as
// caller bugs, not transient faults. The local-changes flag is cleared
// optimistically before the network write so edits arriving mid-flight open
// a fresh dirty episode; on a write failure the flag is re-set so those
// edits are never silently stranded.
//
// onReport, when non-nil, receives the discrepancy report after a settle
// delay that lets the UI re-render before the comparison read.
func (u *Uploader) PerformUpload(ctx context.Context, onReport func(UploadReport)) error {
	userID := u.session.UserID()
	if userID == "" {
		return newEngineError(opPerformUpload, "no_session", ErrUploadUnavailable)
	}
	if !u.session.HasLocalChanges() {
		return newEngineError(opPerformUpload, "nothing_dirty", ErrUploadUnavailable)
	}
	if !u.session.BeginUpload() {
		return newEngineError(opPerformUpload, "already_uploading", ErrUploadUnavailable)
	}
	defer func() {
		u.session.EndUpload()
		u.onState()
	}()
	u.onState()

	token, err := u.tokens.Token(ctx)
	if err != nil || token == "" {
		// Dirty state stays; the next scheduler trigger retries.
		return newEngineError(opPerformUpload, "token_unavailable", ErrAuthUnavailable)
	}

	dirty := u.collection.Dirty()
	if len(dirty) == 0 {
		u.session.SetLocalChanges(false)
		return nil
	}

	batch := make([]items.Item, 0, len(dirty))
	inserted, updated := 0, 0
	for _, item := range dirty {
		if item.SyncedAt == nil {
			inserted++
		} else {
			updated++
		}
		batch = append(batch, items.StripTransient(item))
	}
	uploadedIDs := items.IDs(batch)

	u.session.SetLocalChanges(false)

	if err := u.store.UpsertItems(ctx, token, batch); err != nil {
		u.session.SetLocalChanges(true)
		return &UploadError{Count: len(batch), IDs: uploadedIDs, err: err}
	}

	now := u.clock().UTC()
	uploadedAt := make(map[string]time.Time, len(batch))
	for _, sent := range batch {
		uploadedAt[sent.ID] = sent.UpdatedAt
	}
	u.collection.Update(func(current []items.Item) []items.Item {
		for i := range current {
			// SyncedAt certifies the exact content the remote confirmed.
			// An item edited while the batch was in flight no longer
			// matches the uploaded copy and stays dirty for the next
			// episode.
			if sentAt, ok := uploadedAt[current[i].ID]; ok && current[i].UpdatedAt.Equal(sentAt) {
				stamp := now
				current[i].SyncedAt = &stamp
			}
			// The highlight decays after the sync episode whether or not
			// the item itself was re-uploaded.
			current[i].SyncHighlight = false
		}
		return current
	})
	u.persist()

	u.logger.Info("upload complete",
		zap.String("user_id", userID),
		zap.Int("uploaded", len(uploadedIDs)))

	if onReport != nil {
		time.AfterFunc(u.settle, func() {
			compareCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			report := UploadReport{
				UploadedIDs: uploadedIDs,
				Inserted:    inserted,
				Updated:     updated,
			}
			if u.comparator != nil {
				report.Compare = u.comparator.Compare(compareCtx, u.collection.Snapshot(), userID, token)
			}
			onReport(report)
		})
	}
	return nil
}

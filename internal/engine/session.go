package engine

import "sync"

// Flags is the scheduler's view of the session.
type Flags struct {
	HasLocalChanges bool
	IsUploading     bool
	IsUserActive    bool
}

// SessionSnapshot is a point-in-time copy of the session state, shaped for
// the control API.
type SessionSnapshot struct {
	UserID          string   `json:"user_id"`
	HasLocalChanges bool     `json:"has_local_changes"`
	IsUploading     bool     `json:"is_uploading"`
	IsDownloading   bool     `json:"is_downloading"`
	IsUserActive    bool     `json:"is_user_active"`
	Progress        float64  `json:"sync_timeout_progress"`
	Highlights      []string `json:"sync_highlight"`
}

// SessionState holds the per-login mutable sync flags. It is owned by the
// Engine and injected into the scheduler, uploader and reconciler instead of
// living in ambient globals. Constructed at login, reset at logout.
type SessionState struct {
	mu              sync.Mutex
	userID          string
	hasLocalChanges bool
	isUploading     bool
	isDownloading   bool
	isUserActive    bool
	progress        float64
	highlights      []string
}

// NewSessionState returns an empty, logged-out session.
func NewSessionState() *SessionState {
	return &SessionState{}
}

// Start binds the session to a user and clears any stale flags.
func (s *SessionState) Start(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = userID
	s.hasLocalChanges = false
	s.isUploading = false
	s.isDownloading = false
	s.isUserActive = false
	s.progress = 0
	s.highlights = nil
}

// Reset returns the session to the logged-out state.
func (s *SessionState) Reset() {
	s.Start("")
}

// UserID returns the authenticated user id, empty when logged out.
func (s *SessionState) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// SetLocalChanges flips the "has unsynced local changes" flag.
func (s *SessionState) SetLocalChanges(value bool) {
	s.mu.Lock()
	s.hasLocalChanges = value
	s.mu.Unlock()
}

// HasLocalChanges reports the dirty-episode flag.
func (s *SessionState) HasLocalChanges() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasLocalChanges
}

// BeginUpload atomically claims the exclusive upload slot. It reports false
// when an upload is already in flight.
func (s *SessionState) BeginUpload() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isUploading {
		return false
	}
	s.isUploading = true
	return true
}

// EndUpload releases the upload slot.
func (s *SessionState) EndUpload() {
	s.mu.Lock()
	s.isUploading = false
	s.mu.Unlock()
}

// SetDownloading flips the reconciliation busy flag.
func (s *SessionState) SetDownloading(value bool) {
	s.mu.Lock()
	s.isDownloading = value
	s.mu.Unlock()
}

// SetUserActive records whether the user is mid-edit.
func (s *SessionState) SetUserActive(value bool) {
	s.mu.Lock()
	s.isUserActive = value
	s.mu.Unlock()
}

// SetProgress stores the countdown visualization value.
func (s *SessionState) SetProgress(value float64) {
	s.mu.Lock()
	s.progress = value
	s.mu.Unlock()
}

// SetHighlights replaces the set of ids flagged for visual emphasis.
func (s *SessionState) SetHighlights(ids []string) {
	copied := make([]string, len(ids))
	copy(copied, ids)
	s.mu.Lock()
	s.highlights = copied
	s.mu.Unlock()
}

// Highlights returns a copy of the current highlight id set.
func (s *SessionState) Highlights() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.highlights))
	copy(out, s.highlights)
	return out
}

// Flags returns the scheduler-relevant flags.
func (s *SessionState) Flags() Flags {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Flags{
		HasLocalChanges: s.hasLocalChanges,
		IsUploading:     s.isUploading,
		IsUserActive:    s.isUserActive,
	}
}

// Snapshot returns a copy of the full session state.
func (s *SessionState) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	highlights := make([]string, len(s.highlights))
	copy(highlights, s.highlights)
	return SessionSnapshot{
		UserID:          s.userID,
		HasLocalChanges: s.hasLocalChanges,
		IsUploading:     s.isUploading,
		IsDownloading:   s.isDownloading,
		IsUserActive:    s.isUserActive,
		Progress:        s.progress,
		Highlights:      highlights,
	}
}

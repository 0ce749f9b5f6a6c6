package engine

import "go.uber.org/zap"

// Notifier receives user-facing sync notifications. Presentation lives with
// the caller; the engine only decides when something is worth saying.
type Notifier interface {
	// SyncApplied announces that a reconciliation merged remote changes.
	SyncApplied(added, updated int)
	// UpToDate announces a reconciliation that found nothing to merge.
	UpToDate()
	// UploadComplete delivers the post-upload discrepancy report.
	UploadComplete(report UploadReport)
	// UploadFailed announces a failed batch write. Write failures must be
	// loud: the dirty flag was already cleared optimistically.
	UploadFailed(count int, ids []string, err error)
	// SubscriptionNotResponding announces a failed realtime self-test.
	SubscriptionNotResponding()
}

// LogNotifier routes notifications to the structured log. Used as the
// default when no UI channel is wired.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier builds a log-backed notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) SyncApplied(added, updated int) {
	n.logger.Info("sync applied", zap.Int("added", added), zap.Int("updated", updated))
}

func (n *LogNotifier) UpToDate() {
	n.logger.Info("collection up to date")
}

func (n *LogNotifier) UploadComplete(report UploadReport) {
	n.logger.Info("upload complete",
		zap.Int("uploaded", len(report.UploadedIDs)),
		zap.Int("inserted", report.Inserted),
		zap.Int("updated", report.Updated),
		zap.Int("missing_in_local", len(report.Compare.MissingInLocal)),
		zap.Int("missing_in_remote", len(report.Compare.MissingInRemote)),
		zap.Int("modified", len(report.Compare.Modified)))
}

func (n *LogNotifier) UploadFailed(count int, ids []string, err error) {
	n.logger.Error("upload failed",
		zap.Int("count", count),
		zap.Strings("ids", ids),
		zap.Error(err))
}

func (n *LogNotifier) SubscriptionNotResponding() {
	n.logger.Warn("realtime subscription not responding")
}

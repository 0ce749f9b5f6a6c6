package database

import (
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Well-known keys in the local store. Each value is independently
// JSON-encoded under its own key rather than bundled into one blob.
const (
	KeyItems       = "items"
	KeyInitialized = "initialized"
	KeyLayoutPrefs = "layout_prefs"
)

type kvRecord struct {
	Key              string `gorm:"column:k;primaryKey;size:190;not null"`
	Value            string `gorm:"column:v;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

func (kvRecord) TableName() string {
	return "kv_entries"
}

// KV is a string-keyed get/set store over the local SQLite cache.
type KV struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewKV wraps the provided database handle.
func NewKV(db *gorm.DB, clock func() time.Time, logger *zap.Logger) (*KV, error) {
	if db == nil {
		return nil, errors.New("database handle is required")
	}
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KV{db: db, clock: clock, logger: logger}, nil
}

// Get returns the stored string for the key. The second result reports
// whether the key was present.
func (s *KV) Get(key string) (string, bool, error) {
	var record kvRecord
	err := s.db.Where("k = ?", key).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return record.Value, true, nil
}

// Set stores the string value under the key, replacing any previous value.
func (s *KV) Set(key, value string) error {
	record := kvRecord{Key: key, Value: value, UpdatedAtSeconds: s.clock().UTC().Unix()}
	return s.db.Save(&record).Error
}

// SetJSON encodes the value as JSON and stores it under the key.
func (s *KV) SetJSON(key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.Set(key, string(encoded))
}

// DecodeJSON unmarshals the stored value into out and reports whether a
// usable value was found. A corrupted entry is dropped and reported as
// absent, leaving out untouched so the caller's default survives.
func (s *KV) DecodeJSON(key string, out any) bool {
	raw, ok, err := s.Get(key)
	if err != nil {
		s.logger.Warn("local store read failed", zap.String("key", key), zap.Error(err))
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		s.logger.Warn("dropping corrupted local store entry",
			zap.String("key", key), zap.Error(err))
		if deleteErr := s.db.Where("k = ?", key).Delete(&kvRecord{}).Error; deleteErr != nil {
			s.logger.Warn("failed to drop corrupted entry", zap.String("key", key), zap.Error(deleteErr))
		}
		return false
	}
	return true
}

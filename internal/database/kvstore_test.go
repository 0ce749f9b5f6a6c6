package database

import (
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func openTestKV(t *testing.T) *KV {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "meridian-test.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	store, err := NewKV(db, func() time.Time { return time.Unix(1700000000, 0) }, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return store
}

func TestKVSetGetRoundTrip(t *testing.T) {
	store := openTestKV(t)

	if err := store.Set(KeyInitialized, "true"); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}
	value, ok, err := store.Get(KeyInitialized)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if !ok || value != "true" {
		t.Fatalf("expected stored value, got %q ok=%v", value, ok)
	}

	if err := store.Set(KeyInitialized, "false"); err != nil {
		t.Fatalf("unexpected overwrite error: %v", err)
	}
	value, ok, err = store.Get(KeyInitialized)
	if err != nil || !ok || value != "false" {
		t.Fatalf("expected overwritten value, got %q ok=%v err=%v", value, ok, err)
	}
}

func TestKVGetMissingKey(t *testing.T) {
	store := openTestKV(t)
	_, ok, err := store.Get("never_written")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("missing keys must report absence, not a value")
	}
}

func TestKVDecodeJSONFallsBackOnCorruption(t *testing.T) {
	store := openTestKV(t)

	if err := store.Set(KeyItems, "{not valid json"); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}

	decoded := []string{"default"}
	if store.DecodeJSON(KeyItems, &decoded) {
		t.Fatalf("corrupted entry must be reported as absent")
	}
	if len(decoded) != 1 || decoded[0] != "default" {
		t.Fatalf("caller default must survive corruption, got %v", decoded)
	}

	// The corrupted entry is dropped, not left to fail every read.
	if _, ok, _ := store.Get(KeyItems); ok {
		t.Fatalf("corrupted entry should have been deleted")
	}
}

func TestKVSetJSONDecodeJSON(t *testing.T) {
	store := openTestKV(t)

	if err := store.SetJSON(KeyLayoutPrefs, map[string]int{"sidebar_width": 240}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	decoded := map[string]int{}
	if !store.DecodeJSON(KeyLayoutPrefs, &decoded) {
		t.Fatalf("expected stored prefs")
	}
	if decoded["sidebar_width"] != 240 {
		t.Fatalf("unexpected decode result: %v", decoded)
	}
}

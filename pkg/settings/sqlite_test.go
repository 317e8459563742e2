package settings

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "settings.db"))
	if err != nil {
		t.Fatalf("failed to open sqlite store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	if _, ok, err := store.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected missing key, got ok=%v err=%v", ok, err)
	}

	if err := store.Set(ctx, "key", []byte("v1")); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := store.Set(ctx, "key", []byte("v2")); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}

	value, ok, err := store.Get(ctx, "key")
	if err != nil || !ok {
		t.Fatalf("get failed: ok=%v err=%v", ok, err)
	}
	if string(value) != "v2" {
		t.Errorf("expected last write to win, got %q", value)
	}

	if err := store.Delete(ctx, "key"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "key"); ok {
		t.Error("expected key to be deleted")
	}
}

func TestSQLiteStoreUpdate(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	err := store.Update(ctx, "key", func(old []byte, exists bool) ([]byte, error) {
		if exists {
			t.Error("expected key to be absent")
		}
		return []byte("first"), nil
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}

	err = store.Update(ctx, "key", func(old []byte, exists bool) ([]byte, error) {
		if !exists || string(old) != "first" {
			t.Errorf("expected old value 'first', got %q (exists=%v)", old, exists)
		}
		return nil, nil // delete
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "key"); ok {
		t.Error("expected nil return to delete the key")
	}
}

func TestSQLiteStoreBehindRepository(t *testing.T) {
	store := newTestSQLiteStore(t)
	repo := NewRepository(store)
	ctx := context.Background()

	require := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	require(repo.SetCanaryPercent(ctx, "classifier", 25))
	percent, err := repo.CanaryPercent(ctx, "classifier")
	require(err)
	if percent != 25 {
		t.Errorf("expected canary percent 25, got %v", percent)
	}

	require(repo.SetKillSwitch(ctx, KillSwitchState{Active: true, Reason: "test"}))
	state, err := repo.KillSwitch(ctx)
	require(err)
	if !state.Active || state.Reason != "test" {
		t.Errorf("unexpected kill switch state: %+v", state)
	}
}

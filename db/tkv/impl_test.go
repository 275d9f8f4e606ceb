package tkv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"sort"
	"strconv"
	"sync"
	"testing"
)

func createTestTKV(t *testing.T) TKV {
	t.Helper()
	tkv, err := New(Config{
		Logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		})),
		BadgerLogLevel: slog.LevelError,
		Directory:      t.TempDir(),
		AppCtx:         context.Background(),
	})
	if err != nil {
		t.Fatalf("Failed to create test TKV: %v", err)
	}
	t.Cleanup(func() { tkv.Close() })
	return tkv
}

// -------------------------- TESTS

func TestTKV_GetSetDelete(t *testing.T) {
	store := createTestTKV(t)

	t.Run("Set and Get basic value", func(t *testing.T) {
		key := "testKey1"
		value := "testValue1"
		if err := store.Set(key, value); err != nil {
			t.Errorf("Set() error = %v, wantErr nil", err)
		}

		retrievedVal, err := store.Get(key)
		if err != nil {
			t.Errorf("Get() error = %v, wantErr nil", err)
		}
		if retrievedVal != value {
			t.Errorf("Get() got = %v, want %v", retrievedVal, value)
		}
	})

	t.Run("Get non-existent key", func(t *testing.T) {
		key := "nonExistentKey"
		_, err := store.Get(key)
		var keyNotFound *ErrKeyNotFound
		if !errors.As(err, &keyNotFound) {
			t.Fatalf("Get() expected ErrKeyNotFound, got %T", err)
		}
		if keyNotFound.Key != key {
			t.Errorf("ErrKeyNotFound.Key got = %s, want %s", keyNotFound.Key, key)
		}
	})

	t.Run("Delete existing key", func(t *testing.T) {
		key := "toBeDeletedKey"
		if err := store.Set(key, "toBeDeletedValue"); err != nil {
			t.Fatalf("Setup: Set() error = %v", err)
		}
		if err := store.Delete(key); err != nil {
			t.Errorf("Delete() error = %v, wantErr nil", err)
		}
		_, err := store.Get(key)
		if !errors.As(err, new(*ErrKeyNotFound)) {
			t.Errorf("Get() after Delete expected ErrKeyNotFound, got %v", err)
		}
	})

	t.Run("Delete non-existent key", func(t *testing.T) {
		if err := store.Delete("nonExistentKeyForDelete"); err != nil {
			t.Errorf("Delete() of non-existent key error = %v, wantErr nil", err)
		}
	})
}

func TestTKV_Iterate(t *testing.T) {
	store := createTestTKV(t)

	keys := []string{"prefix_key1", "prefix_key2", "prefix_key3", "other_key1"}
	for i, key := range keys {
		if err := store.Set(key, fmt.Sprintf("value%d", i)); err != nil {
			t.Fatalf("Setup: Set() error for key %s: %v", key, err)
		}
	}

	tests := []struct {
		name   string
		prefix string
		offset int
		limit  int
		want   []string
	}{
		{"prefix", "prefix_", 0, 0, []string{"prefix_key1", "prefix_key2", "prefix_key3"}},
		{"prefix and offset", "prefix_", 1, 0, []string{"prefix_key2", "prefix_key3"}},
		{"prefix and limit", "prefix_", 0, 2, []string{"prefix_key1", "prefix_key2"}},
		{"prefix, offset, and limit", "prefix_", 1, 1, []string{"prefix_key2"}},
		{"non-matching prefix", "non_matching_prefix_", 0, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.Iterate(tt.prefix, tt.offset, tt.limit)
			if err != nil {
				t.Fatalf("Iterate() error = %v, wantErr nil", err)
			}
			sort.Strings(got)
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Iterate() got = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTKV_Cache(t *testing.T) {
	store := createTestTKV(t)

	t.Run("Set and Get cache value", func(t *testing.T) {
		if err := store.CacheSet("cacheKey1", "cacheValue1", 0); err != nil {
			t.Errorf("CacheSet() error = %v, wantErr nil", err)
		}
		got, err := store.CacheGet("cacheKey1")
		if err != nil {
			t.Errorf("CacheGet() error = %v, wantErr nil", err)
		}
		if got != "cacheValue1" {
			t.Errorf("CacheGet() got = %v, want %v", got, "cacheValue1")
		}
	})

	t.Run("Get non-existent cache key", func(t *testing.T) {
		_, err := store.CacheGet("nonExistentCacheKey")
		if !errors.As(err, new(*ErrKeyNotFound)) {
			t.Errorf("CacheGet() expected ErrKeyNotFound, got %T", err)
		}
	})

	t.Run("Delete cache key", func(t *testing.T) {
		if err := store.CacheSet("cacheKeyDelete", "v", 0); err != nil {
			t.Fatalf("CacheSet() error = %v", err)
		}
		if err := store.CacheDelete("cacheKeyDelete"); err != nil {
			t.Errorf("CacheDelete() error = %v, wantErr nil", err)
		}
		_, err := store.CacheGet("cacheKeyDelete")
		if !errors.As(err, new(*ErrKeyNotFound)) {
			t.Errorf("CacheGet() after CacheDelete expected ErrKeyNotFound, got %T", err)
		}
	})
}

func TestTKV_BatchOperations(t *testing.T) {
	store := createTestTKV(t)

	t.Run("BatchSet skips empty keys", func(t *testing.T) {
		entries := []TKVBatchEntry{
			{Key: "batchKey1", Value: "batchValue1"},
			{Key: "", Value: "valueForEmptyKey"},
			{Key: "batchKey2", Value: "batchValue2"},
		}
		if err := store.BatchSet(entries); err != nil {
			t.Fatalf("BatchSet() error = %v, wantErr nil", err)
		}
		for _, entry := range []TKVBatchEntry{entries[0], entries[2]} {
			got, err := store.Get(entry.Key)
			if err != nil || got != entry.Value {
				t.Errorf("Get(%s) after BatchSet got = %v (err %v), want %v", entry.Key, got, err, entry.Value)
			}
		}
	})

	t.Run("BatchDelete", func(t *testing.T) {
		if err := store.BatchDelete([]string{"batchKey1", "", "missing"}); err != nil {
			t.Fatalf("BatchDelete() error = %v, wantErr nil", err)
		}
		if _, err := store.Get("batchKey1"); !errors.As(err, new(*ErrKeyNotFound)) {
			t.Errorf("Get() after BatchDelete expected ErrKeyNotFound, got %v", err)
		}
		if got, err := store.Get("batchKey2"); err != nil || got != "batchValue2" {
			t.Errorf("non-deleted key changed: %v %v", got, err)
		}
	})

	t.Run("empty slices", func(t *testing.T) {
		if err := store.BatchSet(nil); err != nil {
			t.Errorf("BatchSet(nil) error = %v", err)
		}
		if err := store.BatchDelete(nil); err != nil {
			t.Errorf("BatchDelete(nil) error = %v", err)
		}
	})
}

func TestTKV_SetIfAbsent(t *testing.T) {
	store := createTestTKV(t)

	if err := store.SetIfAbsent("newKey", "newValue"); err != nil {
		t.Fatalf("SetIfAbsent() on new key error = %v, wantErr nil", err)
	}

	err := store.SetIfAbsent("newKey", "anotherValue")
	var keyExistsErr *ErrKeyExists
	if !errors.As(err, &keyExistsErr) {
		t.Fatalf("SetIfAbsent() on existing key expected ErrKeyExists, got %T", err)
	}
	if keyExistsErr.Key != "newKey" {
		t.Errorf("ErrKeyExists has wrong key, got = %s", keyExistsErr.Key)
	}
	if got, _ := store.Get("newKey"); got != "newValue" {
		t.Errorf("value changed by failed SetIfAbsent: %s", got)
	}
}

func TestTKV_Update(t *testing.T) {
	store := createTestTKV(t)

	t.Run("creates missing key", func(t *testing.T) {
		err := store.Update("counter", func(current string, exists bool) (string, error) {
			if exists {
				t.Errorf("expected key to be missing, got %q", current)
			}
			return "1", nil
		})
		if err != nil {
			t.Fatalf("Update() error = %v", err)
		}
	})

	t.Run("aborts on callback error", func(t *testing.T) {
		boom := errors.New("boom")
		err := store.Update("counter", func(string, bool) (string, error) {
			return "999", boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("Update() expected callback error, got %v", err)
		}
		if got, _ := store.Get("counter"); got != "1" {
			t.Errorf("aborted update wrote a value: %s", got)
		}
	})

	t.Run("concurrent increments are not lost", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := store.Update("counter", func(current string, exists bool) (string, error) {
					n, _ := strconv.Atoi(current)
					return strconv.Itoa(n + 1), nil
				})
				if err != nil {
					t.Errorf("Update() error = %v", err)
				}
			}()
		}
		wg.Wait()
		if got, _ := store.Get("counter"); got != "9" {
			t.Errorf("counter got = %s, want 9", got)
		}
	})
}

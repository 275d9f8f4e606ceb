package tkv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/jellydator/ttlcache/v3"
)

var DefaultCacheTTL = 1 * time.Minute

// MaxUpdateAttempts bounds the retries of Update on badger write conflicts.
var MaxUpdateAttempts = 32

type tkv struct {
	logger          *slog.Logger
	appCtx          context.Context
	db              *data
	defaultCacheTTL time.Duration
}

var _ TKV = &tkv{}

func New(config Config) (TKV, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	var dbOpts badger.Options
	if config.InMemory {
		dbOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		valuesDir := filepath.Join(config.Directory, "values")
		if err := os.MkdirAll(valuesDir, 0755); err != nil {
			return nil, &ErrInternal{Err: err}
		}
		dbOpts = badger.DefaultOptions(valuesDir)
	}

	dbOpts = withBadgerLevel(dbOpts, config.Logger, config.BadgerLogLevel).
		WithLogger(newLogger(config.Logger.WithGroup("store"))).
		WithMemTableSize(16 << 20) // 16MB MemTableSize

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, &ErrInternal{Err: err}
	}

	if DefaultCacheTTL == 0 {
		DefaultCacheTTL = 1 * time.Minute
	}

	if config.CacheTTL == 0 {
		config.CacheTTL = DefaultCacheTTL
	}

	cache := ttlcache.New[string, string](
		ttlcache.WithTTL[string, string](config.CacheTTL),

		// Documents are invalidated explicitly on write, the ttl only bounds how
		// long a cold entry lingers. Touching on hit would keep hot entries
		// forever which hides bugs in invalidation.
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	go cache.Start()

	return &tkv{
		logger: config.Logger.WithGroup("tkv"),
		appCtx: config.AppCtx,
		db: &data{
			store: db,
			cache: cache,
		},
		defaultCacheTTL: config.CacheTTL,
	}, nil
}

func (t *tkv) Close() error {
	var firstErr error

	if t.db.cache != nil {
		t.db.cache.Stop()
		t.logger.Info("ttl cache stopped")
	}

	if err := t.db.store.Close(); err != nil {
		t.logger.Error("error closing store db", "error", err)
		firstErr = &ErrInternal{Err: err}
	}

	return firstErr
}

func (t *tkv) Get(key string) (string, error) {
	var value []byte
	err := t.db.store.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return &ErrKeyNotFound{Key: key}
			}
			return &ErrInternal{Err: err}
		}
		value, err = item.ValueCopy(nil)
		if err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return string(value), nil
}

func (t *tkv) Set(key string, value string) error {
	return t.db.store.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(key), []byte(value)); err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
}

func (t *tkv) Delete(key string) error {
	return t.db.store.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(key)); err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
}

// Iterate returns the keys (not values) under prefix.
func (t *tkv) Iterate(prefix string, offset int, limit int) ([]string, error) {
	var keys []string
	err := t.db.store.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefixBytes := []byte(prefix)
		skipped := 0
		collected := 0

		for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
			if skipped < offset {
				skipped++
				continue
			}
			if limit > 0 && collected >= limit {
				break
			}
			keys = append(keys, string(it.Item().KeyCopy(nil)))
			collected++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// -------------------------- ATOMIC

func (t *tkv) Update(key string, fn UpdateFunc) error {
	for attempt := 1; attempt <= MaxUpdateAttempts; attempt++ {
		err := t.db.store.Update(func(txn *badger.Txn) error {
			current := ""
			exists := true
			item, err := txn.Get([]byte(key))
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
				exists = false
			case err != nil:
				return &ErrInternal{Err: err}
			default:
				raw, err := item.ValueCopy(nil)
				if err != nil {
					return &ErrInternal{Err: err}
				}
				current = string(raw)
			}

			next, err := fn(current, exists)
			if err != nil {
				return err
			}
			if err := txn.Set([]byte(key), []byte(next)); err != nil {
				return &ErrInternal{Err: err}
			}
			return nil
		})
		if errors.Is(err, badger.ErrConflict) {
			t.logger.Debug("update conflicted, retrying", "key", key, "attempt", attempt)
			continue
		}
		return err
	}
	return &ErrConflictRetriesExhausted{Key: key, Attempts: MaxUpdateAttempts}
}

func (t *tkv) SetIfAbsent(key string, value string) error {
	return t.db.store.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if err == nil {
			return &ErrKeyExists{Key: key}
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return &ErrInternal{Err: err}
		}
		if err := txn.Set([]byte(key), []byte(value)); err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
}

// -------------------------- CACHE

func (t *tkv) CacheGet(key string) (string, error) {
	item := t.db.cache.Get(key)
	if item == nil {
		return "", &ErrKeyNotFound{Key: key}
	}
	if item.IsExpired() {
		t.db.cache.Delete(key)
		return "", &ErrKeyNotFound{Key: key}
	}
	return item.Value(), nil
}

func (t *tkv) CacheSet(key string, value string, ttl time.Duration) error {
	if ttl == 0 {
		ttl = t.defaultCacheTTL
	}
	t.db.cache.Set(key, value, ttl)
	return nil
}

func (t *tkv) CacheDelete(key string) error {
	t.db.cache.Delete(key)
	return nil
}

// -------------------------- BATCH

func (t *tkv) BatchSet(entries []TKVBatchEntry) error {
	if len(entries) == 0 {
		return nil
	}

	wb := t.db.store.NewWriteBatch()
	defer wb.Cancel() // Cancel if not committed

	for _, entry := range entries {
		if entry.Key == "" {
			t.logger.Warn("BatchSet encountered an entry with an empty key, skipping.")
			continue
		}
		if err := wb.Set([]byte(entry.Key), []byte(entry.Value)); err != nil {
			return &ErrInternal{Err: fmt.Errorf("failed to add set operation for key '%s' to batch: %w", entry.Key, err)}
		}
	}

	if err := wb.Flush(); err != nil {
		return &ErrInternal{Err: fmt.Errorf("failed to flush batch set: %w", err)}
	}
	return nil
}

func (t *tkv) BatchDelete(keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	wb := t.db.store.NewWriteBatch()
	defer wb.Cancel()

	for _, key := range keys {
		if key == "" {
			t.logger.Warn("BatchDelete encountered an empty key, skipping.")
			continue
		}
		if err := wb.Delete([]byte(key)); err != nil {
			return &ErrInternal{Err: fmt.Errorf("failed to add delete operation for key '%s' to batch: %w", key, err)}
		}
	}

	if err := wb.Flush(); err != nil {
		return &ErrInternal{Err: fmt.Errorf("failed to flush batch delete: %w", err)}
	}
	return nil
}

package tkv

import (
	"context"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/jellydator/ttlcache/v3"
)

type Config struct {
	Logger         *slog.Logger
	BadgerLogLevel slog.Level
	Directory      string
	AppCtx         context.Context
	CacheTTL       time.Duration
	// InMemory runs badger without touching Directory. Used by tools and tests.
	InMemory bool
}

type data struct {
	store *badger.DB
	cache *ttlcache.Cache[string, string]
}

type TKVBatchEntry struct {
	Key   string
	Value string
}
type TKVBatchHandler interface {
	BatchSet(entries []TKVBatchEntry) error
	BatchDelete(keys []string) error
}

type TKVDataHandler interface {
	Get(key string) (string, error)
	Iterate(prefix string, offset int, limit int) ([]string, error)
	Set(key string, value string) error
	Delete(key string) error
}

// UpdateFunc receives the current value (exists=false if the key is absent)
// and returns the value to write. Returning an error aborts the update.
type UpdateFunc func(current string, exists bool) (string, error)

type TKVAtomicHandler interface {
	// Update performs a read-modify-write of a single key inside one badger
	// transaction, retrying on write conflicts.
	Update(key string, fn UpdateFunc) error
	// SetIfAbsent writes value only if key does not exist yet. Returns
	// ErrKeyExists otherwise.
	SetIfAbsent(key string, value string) error
}

type TKVCacheHandler interface {
	CacheGet(key string) (string, error)
	CacheSet(key string, value string, ttl time.Duration) error
	CacheDelete(key string) error
}

type TKV interface {
	TKVDataHandler
	TKVCacheHandler
	TKVBatchHandler
	TKVAtomicHandler

	Close() error
}

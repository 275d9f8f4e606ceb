package store

import (
	"encoding/json"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/InsulaLabs/fact/db/tkv"
	"github.com/InsulaLabs/fact/models"
	"github.com/pkg/errors"
)

/*
	Key layout

		fo:<uid>                  json document of a models.FileObject
		blob:<uid>                raw content
		fw:<uid>                  marker for root firmware objects
		parent:<child>:<parent>   reverse containment index

	Every mutation of a document goes through tkv.Update so it is a single
	badger transaction: an analysis slot or a virtual path entry is either
	written completely or not at all.
*/
const (
	prefixObject = "fo:"
	prefixBlob   = "blob:"
	prefixFw     = "fw:"
	prefixParent = "parent:"
	prefixDoc    = "doc:" // cache keys
)

type Store struct {
	logger   *slog.Logger
	kv       tkv.TKV
	cacheTTL time.Duration

	writes atomic.Int64
	reads  atomic.Int64
	errs   atomic.Int64

	// cacheGen is bumped by every invalidation. A read only fills the
	// cache when no invalidation happened since it started, so a document
	// read before a commit can never land in the cache after it.
	cacheMu  sync.Mutex
	cacheGen uint64
}

type Stats struct {
	Reads     int64 `json:"reads"`
	Writes    int64 `json:"writes"`
	Errors    int64 `json:"errors"`
	Firmwares int   `json:"firmwares"`
}

func New(logger *slog.Logger, kv tkv.TKV, cacheTTL time.Duration) *Store {
	return &Store{
		logger:   logger.WithGroup("store"),
		kv:       kv,
		cacheTTL: cacheTTL,
	}
}

func objectKey(uid string) string { return prefixObject + uid }
func blobKey(uid string) string   { return prefixBlob + uid }
func parentKey(child, parent string) string {
	return prefixParent + child + ":" + parent
}

func (s *Store) fail(op, uid string, err error) error {
	var nf *ErrObjectNotFound
	if errors.As(err, &nf) {
		return err
	}
	var knf *tkv.ErrKeyNotFound
	if errors.As(err, &knf) {
		return &ErrObjectNotFound{UID: uid}
	}
	s.errs.Add(1)
	s.logger.Error("storage operation failed", "op", op, "uid", uid, "error", err)
	return &StorageUnavailable{Op: op, Err: errors.Wrapf(err, "uid %s", uid)}
}

// AddObject stores fo, merging into an existing document with the same UID:
// virtual paths and included files are unioned, existing analyses are kept.
func (s *Store) AddObject(fo *models.FileObject) error {
	if fo.UID == "" {
		return &StorageUnavailable{Op: "add object", Err: errors.New("object has no uid")}
	}

	err := s.kv.Update(objectKey(fo.UID), func(current string, exists bool) (string, error) {
		merged := fo
		if exists {
			var stored models.FileObject
			if err := json.Unmarshal([]byte(current), &stored); err != nil {
				return "", errors.Wrap(err, "corrupt document")
			}
			stored.Merge(fo)
			merged = &stored
		}
		raw, err := json.Marshal(merged)
		if err != nil {
			return "", errors.Wrap(err, "marshal document")
		}
		return string(raw), nil
	})
	if err != nil {
		return s.fail("add object", fo.UID, err)
	}

	entries := []tkv.TKVBatchEntry{}
	for _, child := range fo.FilesIncluded {
		entries = append(entries, tkv.TKVBatchEntry{Key: parentKey(child, fo.UID), Value: fo.UID})
	}
	if fo.IsFirmware() {
		entries = append(entries, tkv.TKVBatchEntry{Key: prefixFw + fo.UID, Value: fo.UID})
	}
	if err := s.kv.BatchSet(entries); err != nil {
		return s.fail("index object", fo.UID, err)
	}

	if fo.Binary != nil {
		if err := s.kv.SetIfAbsent(blobKey(fo.UID), string(fo.Binary)); err != nil {
			var exists *tkv.ErrKeyExists
			if !errors.As(err, &exists) {
				return s.fail("store binary", fo.UID, err)
			}
		}
	}

	s.writes.Add(1)
	s.invalidate(fo.UID)
	return nil
}

// AddChild links child under parent: the parent's included set and the
// reverse index are updated together with the child's document.
func (s *Store) AddChild(parentUID string, child *models.FileObject) error {
	if err := s.AddObject(child); err != nil {
		return err
	}
	err := s.updateDocument(parentUID, "add child", func(fo *models.FileObject) (bool, error) {
		return fo.AddIncludedFile(child.UID), nil
	})
	if err != nil {
		return err
	}
	if err := s.kv.Set(parentKey(child.UID, parentUID), parentUID); err != nil {
		return s.fail("index child", parentUID, err)
	}
	return nil
}

func (s *Store) GetObject(uid string) (*models.FileObject, error) {
	s.reads.Add(1)
	raw, err := s.kv.CacheGet(prefixDoc + uid)
	if err != nil {
		gen := s.generation()
		raw, err = s.kv.Get(objectKey(uid))
		if err != nil {
			return nil, s.fail("get object", uid, err)
		}
		s.fillCache(uid, raw, gen)
	}
	return s.decode(uid, raw)
}

// ReadObject loads the committed document without going through the cache.
func (s *Store) ReadObject(uid string) (*models.FileObject, error) {
	s.reads.Add(1)
	raw, err := s.kv.Get(objectKey(uid))
	if err != nil {
		return nil, s.fail("read object", uid, err)
	}
	return s.decode(uid, raw)
}

func (s *Store) decode(uid, raw string) (*models.FileObject, error) {
	var fo models.FileObject
	if err := json.Unmarshal([]byte(raw), &fo); err != nil {
		return nil, s.fail("decode object", uid, err)
	}
	if fo.ProcessedAnalysis == nil {
		fo.ProcessedAnalysis = make(map[string]models.AnalysisEntry)
	}
	if fo.VirtualFilePath == nil {
		fo.VirtualFilePath = make(map[string][]string)
	}
	return &fo, nil
}

// GetObjectWithBinary loads the document and its content.
func (s *Store) GetObjectWithBinary(uid string) (*models.FileObject, error) {
	fo, err := s.GetObject(uid)
	if err != nil {
		return nil, err
	}
	bin, err := s.GetBinary(uid)
	if err != nil {
		var nf *ErrObjectNotFound
		if !errors.As(err, &nf) {
			return nil, err
		}
		bin = []byte{}
	}
	fo.Binary = bin
	return fo, nil
}

func (s *Store) GetBinary(uid string) ([]byte, error) {
	s.reads.Add(1)
	raw, err := s.kv.Get(blobKey(uid))
	if err != nil {
		return nil, s.fail("get binary", uid, err)
	}
	return []byte(raw), nil
}

func (s *Store) Exists(uid string) (bool, error) {
	_, err := s.kv.Get(objectKey(uid))
	if err == nil {
		return true, nil
	}
	var knf *tkv.ErrKeyNotFound
	if errors.As(err, &knf) {
		return false, nil
	}
	return false, s.fail("exists", uid, err)
}

// UpdateAnalysis atomically replaces one analysis slot of the document.
func (s *Store) UpdateAnalysis(uid, plugin string, entry models.AnalysisEntry) error {
	return s.updateDocument(uid, "update analysis", func(fo *models.FileObject) (bool, error) {
		if fo.ProcessedAnalysis == nil {
			fo.ProcessedAnalysis = make(map[string]models.AnalysisEntry)
		}
		fo.ProcessedAnalysis[plugin] = entry
		return true, nil
	})
}

// AppendVirtualPath atomically adds path under rootUID. Returns false when
// the path was already recorded.
func (s *Store) AppendVirtualPath(uid, rootUID, path string) (bool, error) {
	added := false
	err := s.updateDocument(uid, "append virtual path", func(fo *models.FileObject) (bool, error) {
		added = fo.AddVirtualPath(rootUID, path)
		return added, nil
	})
	return added, err
}

type errUnchanged struct{}

func (errUnchanged) Error() string { return "unchanged" }

// updateDocument runs mutate on the decoded document inside one transaction.
// When mutate reports no change nothing is written.
func (s *Store) updateDocument(uid, op string, mutate func(fo *models.FileObject) (bool, error)) error {
	err := s.kv.Update(objectKey(uid), func(current string, exists bool) (string, error) {
		if !exists {
			return "", &ErrObjectNotFound{UID: uid}
		}
		var fo models.FileObject
		if err := json.Unmarshal([]byte(current), &fo); err != nil {
			return "", errors.Wrap(err, "corrupt document")
		}
		changed, err := mutate(&fo)
		if err != nil {
			return "", err
		}
		if !changed {
			return "", errUnchanged{}
		}
		raw, err := json.Marshal(&fo)
		if err != nil {
			return "", errors.Wrap(err, "marshal document")
		}
		return string(raw), nil
	})
	if errors.As(err, new(errUnchanged)) {
		return nil
	}
	if err != nil {
		return s.fail(op, uid, err)
	}
	s.writes.Add(1)
	s.invalidate(uid)
	return nil
}

func (s *Store) generation() uint64 {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	return s.cacheGen
}

// fillCache caches raw unless a write invalidated anything after gen was taken.
func (s *Store) fillCache(uid, raw string, gen uint64) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheGen != gen {
		return
	}
	if err := s.kv.CacheSet(prefixDoc+uid, raw, s.cacheTTL); err != nil {
		s.logger.Warn("could not cache document", "uid", uid, "error", err)
	}
}

func (s *Store) invalidate(uid string) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.cacheGen++
	if err := s.kv.CacheDelete(prefixDoc + uid); err != nil {
		s.logger.Warn("could not invalidate cached document", "uid", uid, "error", err)
	}
}

// GetParents returns the UIDs of all objects whose included set contains uid.
func (s *Store) GetParents(uid string) ([]string, error) {
	prefix := prefixParent + uid + ":"
	keys, err := s.kv.Iterate(prefix, 0, 0)
	if err != nil {
		return nil, s.fail("get parents", uid, err)
	}
	parents := make([]string, 0, len(keys))
	for _, k := range keys {
		parents = append(parents, strings.TrimPrefix(k, prefix))
	}
	slices.Sort(parents)
	return parents, nil
}

// AncestorRoots walks the reverse containment index up to every root
// firmware that (transitively) contains uid.
func (s *Store) AncestorRoots(uid string) ([]string, error) {
	visited := map[string]bool{uid: true}
	roots := map[string]bool{}
	work := []string{uid}
	for len(work) > 0 {
		current := work[len(work)-1]
		work = work[:len(work)-1]

		isFw, err := s.isFirmware(current)
		if err != nil {
			return nil, err
		}
		if isFw {
			roots[current] = true
		}

		parents, err := s.GetParents(current)
		if err != nil {
			return nil, err
		}
		for _, p := range parents {
			if !visited[p] {
				visited[p] = true
				work = append(work, p)
			}
		}
	}
	return slices.Sorted(maps.Keys(roots)), nil
}

func (s *Store) isFirmware(uid string) (bool, error) {
	_, err := s.kv.Get(prefixFw + uid)
	if err == nil {
		return true, nil
	}
	var knf *tkv.ErrKeyNotFound
	if errors.As(err, &knf) {
		return false, nil
	}
	return false, s.fail("firmware lookup", uid, err)
}

func (s *Store) ListFirmware() ([]string, error) {
	keys, err := s.kv.Iterate(prefixFw, 0, 0)
	if err != nil {
		return nil, s.fail("list firmware", "", err)
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, prefixFw))
	}
	return out, nil
}

// Descendants returns every UID transitively contained in rootUID, root
// excluded, in discovery order.
func (s *Store) Descendants(rootUID string) ([]string, error) {
	visited := map[string]bool{rootUID: true}
	var out []string
	work := []string{rootUID}
	for len(work) > 0 {
		current := work[0]
		work = work[1:]
		fo, err := s.GetObject(current)
		if err != nil {
			var nf *ErrObjectNotFound
			if errors.As(err, &nf) && current != rootUID {
				continue
			}
			return nil, err
		}
		for _, child := range fo.FilesIncluded {
			if !visited[child] {
				visited[child] = true
				out = append(out, child)
				work = append(work, child)
			}
		}
	}
	return out, nil
}

// FindMissingAnalyses maps each firmware to contained objects that lack a
// plugin result the firmware itself has.
func (s *Store) FindMissingAnalyses() (map[string][]string, error) {
	return s.scanFirmware(func(fw, child *models.FileObject) bool {
		for plugin := range fw.ProcessedAnalysis {
			if _, ok := child.ProcessedAnalysis[plugin]; !ok {
				return true
			}
		}
		return false
	})
}

// FindOrphanedObjects maps each firmware to included UIDs without a document.
func (s *Store) FindOrphanedObjects() (map[string][]string, error) {
	result := map[string][]string{}
	firmwares, err := s.ListFirmware()
	if err != nil {
		return nil, err
	}
	for _, fwUID := range firmwares {
		descendants, err := s.Descendants(fwUID)
		if err != nil {
			return nil, err
		}
		for _, uid := range descendants {
			ok, err := s.Exists(uid)
			if err != nil {
				return nil, err
			}
			if !ok {
				result[fwUID] = append(result[fwUID], uid)
			}
		}
	}
	return result, nil
}

// FindFailedAnalyses maps plugin names to objects whose slot is failed.
func (s *Store) FindFailedAnalyses() (map[string][]string, error) {
	result := map[string][]string{}
	keys, err := s.kv.Iterate(prefixObject, 0, 0)
	if err != nil {
		return nil, s.fail("find failed analyses", "", err)
	}
	for _, k := range keys {
		fo, err := s.GetObject(strings.TrimPrefix(k, prefixObject))
		if err != nil {
			return nil, err
		}
		for plugin, entry := range fo.ProcessedAnalysis {
			if entry.Status == models.AnalysisStatusFailed {
				result[plugin] = append(result[plugin], fo.UID)
			}
		}
	}
	for plugin := range result {
		slices.Sort(result[plugin])
	}
	return result, nil
}

func (s *Store) scanFirmware(match func(fw, child *models.FileObject) bool) (map[string][]string, error) {
	result := map[string][]string{}
	firmwares, err := s.ListFirmware()
	if err != nil {
		return nil, err
	}
	for _, fwUID := range firmwares {
		fw, err := s.GetObject(fwUID)
		if err != nil {
			return nil, err
		}
		descendants, err := s.Descendants(fwUID)
		if err != nil {
			return nil, err
		}
		for _, uid := range descendants {
			child, err := s.GetObject(uid)
			if err != nil {
				var nf *ErrObjectNotFound
				if errors.As(err, &nf) {
					continue
				}
				return nil, err
			}
			if match(fw, child) {
				result[fwUID] = append(result[fwUID], uid)
			}
		}
	}
	return result, nil
}

func (s *Store) Stats() Stats {
	st := Stats{
		Reads:  s.reads.Load(),
		Writes: s.writes.Load(),
		Errors: s.errs.Load(),
	}
	if fws, err := s.ListFirmware(); err == nil {
		st.Firmwares = len(fws)
	}
	return st
}

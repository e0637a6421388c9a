// Package cache implements the action cache and content-addressed store:
// ActionId -> CacheEntry + output ContentObjects, single-flight
// execution, HMAC-signed tamper evidence, and LRU eviction bounded by disk
// budget. The entry index is persisted in a bbolt database in a single
// "entries" bucket keyed by ActionId.
package cache

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/sync/singleflight"

	"forge.build/internal/codec"
	"forge.build/internal/forgeerr"
	"forge.build/internal/forgecrypto"
)

var entriesBucket = []byte("entries")

// CacheEntry is the persisted record keyed by ActionId.
type CacheEntry struct {
	SchemaVersion int
	ActionID      string
	Timestamp     int64 // unix nanos, signed alongside the payload
	OutputHashes  map[string]forgecrypto.Digest
	ExitCode      int
	StdoutHash    forgecrypto.Digest
	StderrHash    forgecrypto.Digest
	DurationNanos int64
	Signature     forgecrypto.Digest
}

// LookupStatus is the three-way result of Lookup.
type LookupStatus int

const (
	Miss LookupStatus = iota
	Hit
	Corrupted
)

// Store is the action cache plus content-addressed object store. One Store
// owns one entries bucket, one content directory, and one in-process
// single-flight group; it is safe for concurrent use.
type Store struct {
	db       *bolt.DB
	objDir   string
	macKey   []byte
	maxAge   time.Duration // 0 disables max-age rejection
	budget   int64         // total object bytes before eviction kicks in
	lru      *simplelru.LRU[string, int64]
	lruMu    sync.Mutex
	flight   singleflight.Group
}

// Config controls Store construction.
type Config struct {
	IndexPath string        // bbolt file path, typically <cacheDir>/entries/index.db
	ObjectDir string        // content store root, typically <cacheDir>/objects
	MACKey    []byte        // external key for shared caches; if nil, derived from the cache root directory and the host name
	MaxAge    time.Duration // 0 disables
	Budget    int64         // total object bytes before LRU eviction; 0 means unbounded
}

// Open opens (creating if absent) the bbolt index and ensures the object
// directory tree exists.
func Open(cfg Config) (*Store, error) {
	if err := os.MkdirAll(cfg.ObjectDir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: creating object dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.IndexPath), 0o755); err != nil {
		return nil, fmt.Errorf("cache: creating index dir: %w", err)
	}

	db, err := bolt.Open(cfg.IndexPath, 0o644, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("cache: opening index: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(entriesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: initializing bucket: %w", err)
	}

	lru, _ := simplelru.NewLRU[string, int64](1<<30, nil) // capacity is logical (entry count); eviction is budget-driven in maybeEvict

	macKey := cfg.MACKey
	if macKey == nil {
		host, _ := os.Hostname()
		macKey = forgecrypto.DeriveWorkspaceKey(filepath.Dir(cfg.ObjectDir), host)
	}

	return &Store{
		db:     db,
		objDir: cfg.ObjectDir,
		macKey: macKey,
		maxAge: cfg.MaxAge,
		budget: cfg.Budget,
		lru:    lru,
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// sign computes the keyed MAC over entry's canonical fields, excluding the
// Signature field itself.
func (s *Store) sign(e *CacheEntry) forgecrypto.Digest {
	payload := signingPayload(e)
	return forgecrypto.Sign(s.macKey, payload)
}

func signingPayload(e *CacheEntry) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "v=%d;action=%s;ts=%d;exit=%d;stdout=%s;stderr=%s;dur=%d;",
		e.SchemaVersion, e.ActionID, e.Timestamp, e.ExitCode, e.StdoutHash, e.StderrHash, e.DurationNanos)
	for path, h := range e.OutputHashes {
		fmt.Fprintf(&b, "out=%s:%s;", path, h)
	}
	return b.Bytes()
}

// Lookup returns the cached entry for actionID, verifying its signature in
// constant time. A corrupted entry is deleted and reported as Corrupted with
// a nil entry, so the reader never hands back a tampered record.
func (s *Store) Lookup(actionID string) (*CacheEntry, LookupStatus, error) {
	var entry CacheEntry
	found := false

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		raw := b.Get([]byte(actionID))
		if raw == nil {
			return nil
		}
		found = true
		return codec.Decode(bytes.NewReader(raw), codec.TypeCacheEntry, &entry)
	})
	if err != nil {
		return nil, Miss, nil // unreadable/old-schema entry: treat as "no cache", never a hard error
	}
	if !found {
		return nil, Miss, nil
	}

	expected := s.sign(&entry)
	if !forgecrypto.ConstantTimeEqual(expected, entry.Signature) {
		_ = s.delete(actionID)
		return nil, Corrupted, nil
	}

	if s.maxAge > 0 {
		age := time.Since(time.Unix(0, entry.Timestamp))
		if age > s.maxAge {
			return nil, Miss, nil
		}
	}

	s.touch(actionID)
	return &entry, Hit, nil
}

func (s *Store) delete(actionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).Delete([]byte(actionID))
	})
}

func (s *Store) touch(actionID string) {
	s.lruMu.Lock()
	s.lru.Add(actionID, time.Now().UnixNano())
	s.lruMu.Unlock()
}

// StoreResult hashes each output, writes content objects with atomic rename, and
// writes the entry last so a crash mid-write leaves the cache consistent:
// either the entry and every object it references exist, or the entry is
// absent.
func (s *Store) StoreResult(actionID string, outputs map[string][]byte, stdout, stderr []byte, exitCode int, duration time.Duration) (*CacheEntry, error) {
	hashes := make(map[string]forgecrypto.Digest, len(outputs))
	for path, content := range outputs {
		h, err := s.putObject(content)
		if err != nil {
			return nil, forgeerr.Wrap(forgeerr.KindStoreFull, "cache", err).WithAction(actionID)
		}
		hashes[path] = h
	}

	stdoutHash, err := s.putObject(stdout)
	if err != nil {
		return nil, forgeerr.Wrap(forgeerr.KindStoreFull, "cache", err).WithAction(actionID)
	}
	stderrHash, err := s.putObject(stderr)
	if err != nil {
		return nil, forgeerr.Wrap(forgeerr.KindStoreFull, "cache", err).WithAction(actionID)
	}

	entry := &CacheEntry{
		SchemaVersion: 1,
		ActionID:      actionID,
		Timestamp:     time.Now().UnixNano(),
		OutputHashes:  hashes,
		ExitCode:      exitCode,
		StdoutHash:    stdoutHash,
		StderrHash:    stderrHash,
		DurationNanos: int64(duration),
	}
	entry.Signature = s.sign(entry)

	var buf bytes.Buffer
	if err := codec.Encode(&buf, codec.TypeCacheEntry, entry); err != nil {
		return nil, fmt.Errorf("cache: encoding entry: %w", err)
	}

	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).Put([]byte(actionID), buf.Bytes())
	}); err != nil {
		return nil, fmt.Errorf("cache: writing entry: %w", err)
	}

	s.touch(actionID)
	s.maybeEvict()
	return entry, nil
}

// Materialize restores entry's declared outputs from the content store into
// destDir, verifying each object's digest on read (content-addressed
// integrity).
func (s *Store) Materialize(entry *CacheEntry, destDir string) error {
	for relPath, digest := range entry.OutputHashes {
		content, err := s.getObject(digest)
		if err != nil {
			return forgeerr.Wrap(forgeerr.KindHashMismatch, "cache", err).WithAction(entry.ActionID)
		}
		dest := filepath.Join(destDir, relPath)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("cache: creating output dir: %w", err)
		}
		if err := os.WriteFile(dest, content, 0o644); err != nil {
			return fmt.Errorf("cache: writing output %s: %w", relPath, err)
		}
	}
	return nil
}

// shardedPath returns the sharded object path for digest, keyed by the
// first byte of the hash to avoid a hot directory.
func (s *Store) shardedPath(digest forgecrypto.Digest) string {
	hexStr := hex.EncodeToString(digest[:])
	return filepath.Join(s.objDir, hexStr[:2], hexStr[2:])
}

// putObject writes content to the store, de-duplicated by digest, using a
// write-then-rename so a reader never observes a partially written object.
func (s *Store) putObject(content []byte) (forgecrypto.Digest, error) {
	digest := forgecrypto.Hash(content)
	dest := s.shardedPath(digest)

	if _, err := os.Stat(dest); err == nil {
		return digest, nil // de-duplicated
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return digest, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-*")
	if err != nil {
		return digest, err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return digest, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return digest, err
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return digest, err
	}
	return digest, nil
}

func (s *Store) getObject(digest forgecrypto.Digest) ([]byte, error) {
	path := s.shardedPath(digest)
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if forgecrypto.Hash(content) != digest {
		os.Remove(path)
		return nil, fmt.Errorf("cache: content object %s failed digest verification on read", digest)
	}
	return content, nil
}

// PutObject exposes content-addressed object storage to callers outside
// the package (the remote cache HTTP server), with the same
// write-then-rename de-duplication as putObject.
func (s *Store) PutObject(content []byte) (forgecrypto.Digest, error) {
	return s.putObject(content)
}

// GetObject exposes content-addressed object retrieval to callers outside
// the package, verifying the digest on read exactly like getObject.
func (s *Store) GetObject(digest forgecrypto.Digest) ([]byte, error) {
	return s.getObject(digest)
}

// HasObject reports whether digest is present without reading its content,
// used by the remote cache server to answer HEAD-style existence checks.
func (s *Store) HasObject(digest forgecrypto.Digest) bool {
	_, err := os.Stat(s.shardedPath(digest))
	return err == nil
}

// ExecuteOnce is the single-flight primitive: if another caller is already
// executing actionID, this call waits for that result instead of starting a
// second execution. All waiters observe the same Result.
func (s *Store) ExecuteOnce(actionID string, fn func() (interface{}, error)) (interface{}, error, bool) {
	v, err, shared := s.flight.Do(actionID, fn)
	return v, err, shared
}

// maybeEvict runs the LRU/budget-bounded eviction pass. It holds only the
// entry index lock (via bbolt's own transaction locking), never individual
// object locks.
func (s *Store) maybeEvict() {
	if s.budget <= 0 {
		return
	}
	total, err := s.totalObjectBytes()
	if err != nil || total <= s.budget {
		return
	}

	s.lruMu.Lock()
	defer s.lruMu.Unlock()
	for total > s.budget {
		oldest, _, ok := s.lru.RemoveOldest()
		if !ok {
			return
		}
		freed := s.evictEntry(oldest)
		total -= freed
	}
}

func (s *Store) totalObjectBytes() (int64, error) {
	var total int64
	err := filepath.Walk(s.objDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

// evictEntry deletes the cache entry and every output object that no other
// entry's outputs reference. Stdout and stderr objects are not deleted.
func (s *Store) evictEntry(actionID string) int64 {
	var freed int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		raw := b.Get([]byte(actionID))
		if raw == nil {
			return nil
		}
		var entry CacheEntry
		if err := codec.Decode(bytes.NewReader(raw), codec.TypeCacheEntry, &entry); err == nil {
			shared := make(map[forgecrypto.Digest]bool)
			_ = b.ForEach(func(k, v []byte) error {
				var other CacheEntry
				if string(k) != actionID && codec.Decode(bytes.NewReader(v), codec.TypeCacheEntry, &other) == nil {
					for _, oh := range other.OutputHashes {
						shared[oh] = true
					}
				}
				return nil
			})
			for _, h := range entry.OutputHashes {
				if shared[h] {
					continue
				}
				path := s.shardedPath(h)
				if info, statErr := os.Stat(path); statErr == nil {
					freed += info.Size()
					os.Remove(path)
				}
			}
		}
		return b.Delete([]byte(actionID))
	})
	if err != nil {
		return 0
	}
	return freed
}

// Clear removes every entry and object, for `forge cache clear`.
func (s *Store) Clear() error {
	if err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(entriesBucket); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucket(entriesBucket)
		return err
	}); err != nil {
		return err
	}
	return os.RemoveAll(s.objDir)
}

// Stats summarizes cache occupancy for `forge cache stats`.
type Stats struct {
	EntryCount  int
	ObjectBytes int64
}

func (s *Store) StatsSnapshot() (Stats, error) {
	var count int
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(entriesBucket).Stats().KeyN
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	total, err := s.totalObjectBytes()
	if err != nil {
		return Stats{}, err
	}
	return Stats{EntryCount: count, ObjectBytes: total}, nil
}

var _ io.Closer = (*Store)(nil)

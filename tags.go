// tags.go
package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/dgraph-io/ristretto"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultTagCacheSize = 4096
	maxTagsPerProcess   = 16
)

// TagCache maps hash(comm) to derived tags. The authoritative copy is a
// bounded LRU that persists to disk with an atomic file replace; a ristretto
// cache fronts it so hot-path reads never take the LRU lock.
type TagCache struct {
	front *ristretto.Cache
	store *lru.Cache[uint32, []string]
	path  string

	flushMu sync.Mutex
	dirty   bool
	mu      sync.Mutex
}

func NewTagCache(path string, maxEntries int) (*TagCache, error) {
	if maxEntries <= 0 {
		maxEntries = defaultTagCacheSize
	}

	front, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64(maxEntries) * 10,
		MaxCost:     int64(maxEntries),
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}

	// LRU eviction invalidates the front cache so a bounded-out entry can
	// never be served stale.
	store, err := lru.NewWithEvict[uint32, []string](maxEntries, func(key uint32, _ []string) {
		front.Del(key)
	})
	if err != nil {
		front.Close()
		return nil, err
	}

	tc := &TagCache{
		front: front,
		store: store,
		path:  path,
	}

	if path != "" {
		if err := tc.load(); err != nil && !os.IsNotExist(err) {
			return nil, daemonErr(ErrIo, "loading tag cache", err)
		}
	}
	return tc, nil
}

// Get returns the cached tags for a comm hash. The fast path is a lock-free
// ristretto read; misses fall through to the LRU and repopulate the front.
func (tc *TagCache) Get(commHash uint32) ([]string, bool) {
	if v, ok := tc.front.Get(commHash); ok {
		return v.([]string), true
	}

	tc.mu.Lock()
	tags, ok := tc.store.Get(commHash)
	tc.mu.Unlock()
	if !ok {
		return nil, false
	}

	tc.front.Set(commHash, tags, 1)
	return tags, true
}

// Put records tags for a comm hash. Writes are serialized; the ristretto
// front absorbs them asynchronously.
func (tc *TagCache) Put(commHash uint32, tags []string) {
	if len(tags) > maxTagsPerProcess {
		tags = tags[:maxTagsPerProcess]
	}

	tc.mu.Lock()
	tc.store.Add(commHash, tags)
	tc.dirty = true
	tc.mu.Unlock()

	tc.front.Set(commHash, tags, 1)
}

// Flush persists the LRU contents with an atomic replace. A no-op when
// nothing changed since the last flush or when no path is configured.
func (tc *TagCache) Flush() error {
	if tc.path == "" {
		return nil
	}

	tc.mu.Lock()
	if !tc.dirty {
		tc.mu.Unlock()
		return nil
	}
	snapshot := make(map[uint32][]string, tc.store.Len())
	for _, key := range tc.store.Keys() {
		if tags, ok := tc.store.Peek(key); ok {
			snapshot[key] = tags
		}
	}
	tc.dirty = false
	tc.mu.Unlock()

	tc.flushMu.Lock()
	defer tc.flushMu.Unlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return daemonErr(ErrIo, "encoding tag cache", err)
	}

	dir := filepath.Dir(tc.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return daemonErr(ErrIo, "creating tag cache dir", err)
	}
	tmp, err := os.CreateTemp(dir, ".tagcache-*")
	if err != nil {
		return daemonErr(ErrIo, "creating tag cache temp file", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return daemonErr(ErrIo, "writing tag cache", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return daemonErr(ErrIo, "closing tag cache temp file", err)
	}
	if err := os.Rename(tmp.Name(), tc.path); err != nil {
		os.Remove(tmp.Name())
		return daemonErr(ErrIo, "replacing tag cache file", err)
	}
	return nil
}

func (tc *TagCache) load() error {
	data, err := os.ReadFile(tc.path)
	if err != nil {
		return err
	}
	var snapshot map[uint32][]string
	if err := json.Unmarshal(data, &snapshot); err != nil {
		// A corrupt cache file is not fatal; start empty.
		return nil
	}
	tc.mu.Lock()
	for hash, tags := range snapshot {
		tc.store.Add(hash, tags)
	}
	tc.mu.Unlock()
	return nil
}

// Close flushes and releases the front cache.
func (tc *TagCache) Close() error {
	err := tc.Flush()
	tc.front.Close()
	return err
}

var (
	containerIDRegex = regexp.MustCompile(`([a-f0-9]{12,64})(?:\.scope)?$`)
	podUIDRegex      = regexp.MustCompile(`pod([a-f0-9_-]{8,})`)
)

var commClassTags = map[string]string{
	"sh": "shell", "bash": "shell", "zsh": "shell", "dash": "shell", "fish": "shell",
	"cc": "compiler", "cc1": "compiler", "gcc": "compiler", "g++": "compiler",
	"clang": "compiler", "rustc": "compiler", "ld": "compiler", "as": "compiler",
	"python": "interpreter", "python3": "interpreter", "node": "interpreter",
	"ruby": "interpreter", "perl": "interpreter", "java": "interpreter",
	"make": "build", "ninja": "build", "cargo": "build", "go": "build",
	"sshd": "remote-access", "cron": "scheduler", "crond": "scheduler",
	"systemd": "init",
}

// heuristicTags derives deterministic tags from comm and cgroup path. Used on
// tag cache miss when the reasoner is disabled or offline.
func heuristicTags(comm, cgroupPath string) []string {
	var tags []string

	if class, ok := commClassTags[comm]; ok {
		tags = append(tags, class)
	}
	if strings.HasSuffix(comm, "d") && len(comm) > 2 {
		tags = append(tags, "daemon")
	}
	if strings.ContainsAny(comm, "/") || strings.HasPrefix(comm, "kworker") ||
		strings.HasPrefix(comm, "ksoftirqd") || strings.HasPrefix(comm, "migration") {
		tags = append(tags, "kernel")
	}

	if cgroupPath != "" {
		if strings.Contains(cgroupPath, "kubepods") {
			if m := podUIDRegex.FindStringSubmatch(cgroupPath); m != nil {
				uid := strings.NewReplacer("_", "-", ".slice", "").Replace(m[1])
				if len(uid) > 8 {
					uid = uid[:8]
				}
				tags = append(tags, "pod:"+uid)
			}
			tags = append(tags, "k8s")
		}
		base := filepath.Base(cgroupPath)
		if m := containerIDRegex.FindStringSubmatch(base); m != nil {
			id := m[1]
			if len(id) > 12 {
				id = id[:12]
			}
			tags = append(tags, "container:"+id)
		} else if strings.Contains(cgroupPath, "docker") {
			tags = append(tags, "container")
		}
	}

	if len(tags) > maxTagsPerProcess {
		tags = tags[:maxTagsPerProcess]
	}
	return tags
}

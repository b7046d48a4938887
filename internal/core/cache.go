package core

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bytedance/sonic"
)

// CacheEntry is the stored result of one successful task execution.
type CacheEntry struct {
	Fingerprint Fingerprint `json:"fingerprint"`
	Package     string      `json:"package"`
	Task        string      `json:"task"`
	Log         []byte      `json:"-"`
	Artifacts   []Artifact  `json:"artifacts"`
}

// Cache is the local cache tier.
type Cache interface {
	Has(fp Fingerprint) (bool, error)
	// Get returns nil, nil when the entry does not exist.
	Get(fp Fingerprint) (*CacheEntry, error)
	Put(entry *CacheEntry) error
}

// FileCache stores entries on disk:
//
//	{Dir}/{fp[0:2]}/{fp}/
//	  metadata.json
//	  output.log
//	  artifacts/{i}.blob
//
// An entry appears atomically: it is assembled in a temp directory and
// renamed into place, so metadata.json only exists once every blob does.
type FileCache struct {
	Dir string
}

// NewFileCache creates a filesystem cache rooted at dir.
func NewFileCache(dir string) *FileCache {
	return &FileCache{Dir: dir}
}

func (c *FileCache) Has(fp Fingerprint) (bool, error) {
	_, err := os.Stat(filepath.Join(c.entryPath(fp), "metadata.json"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("checking cache entry: %w", err)
	}
	return true, nil
}

func (c *FileCache) Get(fp Fingerprint) (*CacheEntry, error) {
	entryDir := c.entryPath(fp)
	data, err := os.ReadFile(filepath.Join(entryDir, "metadata.json"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading cache metadata: %w", err)
	}

	var entry CacheEntry
	if err := sonic.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("parsing cache metadata: %w", err)
	}
	if entry.Fingerprint != fp {
		return nil, fmt.Errorf("cache entry %s holds fingerprint %s", fp, entry.Fingerprint)
	}

	entry.Log, err = os.ReadFile(filepath.Join(entryDir, "output.log"))
	if err != nil {
		return nil, fmt.Errorf("reading cached log: %w", err)
	}
	artifactsDir := filepath.Join(entryDir, "artifacts")
	for i := range entry.Artifacts {
		content, err := os.ReadFile(filepath.Join(artifactsDir, fmt.Sprintf("%d.blob", i)))
		if err != nil {
			return nil, fmt.Errorf("reading artifact %d: %w", i, err)
		}
		entry.Artifacts[i].Content = content
	}
	return &entry, nil
}

func (c *FileCache) Put(entry *CacheEntry) error {
	if entry == nil {
		return fmt.Errorf("cache entry is nil")
	}
	if entry.Fingerprint == "" {
		return fmt.Errorf("cache entry has no fingerprint")
	}

	entryDir := c.entryPath(entry.Fingerprint)
	parentDir := filepath.Dir(entryDir)
	if err := os.MkdirAll(parentDir, 0o755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}

	// The temp dir shares the parent so the final rename stays on one
	// filesystem.
	tmpDir, err := os.MkdirTemp(parentDir, "tmp-entry-"+string(entry.Fingerprint)+"-")
	if err != nil {
		return fmt.Errorf("creating temp cache entry dir: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(tmpDir)
		}
	}()

	artifactsDir := filepath.Join(tmpDir, "artifacts")
	if err := os.MkdirAll(artifactsDir, 0o755); err != nil {
		return fmt.Errorf("creating cache artifacts dir: %w", err)
	}
	for i, a := range entry.Artifacts {
		if err := writeFileAtomic(filepath.Join(artifactsDir, fmt.Sprintf("%d.blob", i)), a.Content, 0o644); err != nil {
			return fmt.Errorf("writing artifact %d: %w", i, err)
		}
	}
	if err := writeFileAtomic(filepath.Join(tmpDir, "output.log"), entry.Log, 0o644); err != nil {
		return fmt.Errorf("writing cached log: %w", err)
	}

	data, err := sonic.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling cache metadata: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(tmpDir, "metadata.json"), data, 0o644); err != nil {
		return fmt.Errorf("writing cache metadata: %w", err)
	}

	// A crash between remove and rename yields a miss, not corruption.
	_ = os.RemoveAll(entryDir)
	if err := os.Rename(tmpDir, entryDir); err != nil {
		return fmt.Errorf("committing cache entry: %w", err)
	}
	committed = true
	return nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	_ = tmp.Sync()
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func (c *FileCache) entryPath(fp Fingerprint) string {
	s := string(fp)
	if len(s) < 2 {
		return filepath.Join(c.Dir, s)
	}
	return filepath.Join(c.Dir, s[:2], s)
}

// MemoryCache is an in-process Cache for tests and short-lived tooling.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[Fingerprint]*CacheEntry
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[Fingerprint]*CacheEntry)}
}

func (c *MemoryCache) Has(fp Fingerprint) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[fp]
	return ok, nil
}

func (c *MemoryCache) Get(fp Fingerprint) (*CacheEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[fp]
	if !ok {
		return nil, nil
	}
	return entry.clone(), nil
}

func (c *MemoryCache) Put(entry *CacheEntry) error {
	if entry == nil {
		return fmt.Errorf("cache entry is nil")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[entry.Fingerprint] = entry.clone()
	return nil
}

func (e *CacheEntry) clone() *CacheEntry {
	out := &CacheEntry{
		Fingerprint: e.Fingerprint,
		Package:     e.Package,
		Task:        e.Task,
		Log:         bytes.Clone(e.Log),
		Artifacts:   make([]Artifact, len(e.Artifacts)),
	}
	for i, a := range e.Artifacts {
		out.Artifacts[i] = Artifact{Path: a.Path, Mode: a.Mode, Content: bytes.Clone(a.Content)}
	}
	return out
}

package core

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Restorer writes cached artifacts back into a package directory.
type Restorer struct {
	BaseDir string
}

// NewRestorer creates a restorer for one package directory.
func NewRestorer(baseDir string) *Restorer {
	return &Restorer{BaseDir: baseDir}
}

// Restore makes every artifact of entry present with the cached content.
// Files that already match are left untouched. It returns the number of
// files written.
func (r *Restorer) Restore(entry *CacheEntry) (int, error) {
	if entry == nil {
		return 0, fmt.Errorf("cache entry is nil")
	}

	restored := 0
	for _, a := range entry.Artifacts {
		if a.Path == "" {
			return restored, fmt.Errorf("artifact path is empty")
		}
		if a.Content == nil {
			return restored, fmt.Errorf("artifact %q missing content in cache entry", a.Path)
		}
		target, err := safeJoin(r.BaseDir, a.Path)
		if err != nil {
			return restored, err
		}

		have, ok, err := fileSHA256HexIfExists(target)
		if err != nil {
			return restored, fmt.Errorf("hashing existing artifact %q: %w", a.Path, err)
		}
		if ok && have == sha256Hex(a.Content) {
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return restored, fmt.Errorf("creating parent directory for %q: %w", a.Path, err)
		}
		perm := a.Mode.Perm()
		if perm == 0 {
			perm = 0o644
		}
		if err := writeFileAtomic(target, a.Content, perm); err != nil {
			return restored, fmt.Errorf("restoring artifact %q: %w", a.Path, err)
		}
		restored++
	}
	return restored, nil
}

// safeJoin joins rel onto base and rejects paths that escape base.
func safeJoin(base, rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", fmt.Errorf("path %q must be relative to the package directory", rel)
	}
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the package directory", rel)
	}
	return filepath.Join(base, clean), nil
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func fileSHA256HexIfExists(path string) (string, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", true, err
	}
	return hex.EncodeToString(h.Sum(nil)), true, nil
}

package core

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/klauspost/compress/zstd"
)

const (
	manifestName   = "manifest.json"
	logName        = "output.log"
	artifactPrefix = "artifacts/"
)

// maxArchiveMember bounds a single decompressed member.
const maxArchiveMember = 1 << 30

// Pack encodes entry as a zstd-compressed tar stream, the format remote
// cache tiers store.
func Pack(entry *CacheEntry) ([]byte, error) {
	if entry == nil {
		return nil, fmt.Errorf("cache entry is nil")
	}
	manifest, err := sonic.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("marshaling manifest: %w", err)
	}

	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	tw := tar.NewWriter(zw)

	add := func(name string, mode int64, data []byte) error {
		hdr := &tar.Header{Name: name, Mode: mode, Size: int64(len(data)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		_, err := tw.Write(data)
		return err
	}

	if err := add(manifestName, 0o644, manifest); err != nil {
		return nil, fmt.Errorf("writing manifest: %w", err)
	}
	if err := add(logName, 0o644, entry.Log); err != nil {
		return nil, fmt.Errorf("writing log: %w", err)
	}
	for i, a := range entry.Artifacts {
		if err := add(artifactPrefix+strconv.Itoa(i), int64(a.Mode.Perm()), a.Content); err != nil {
			return nil, fmt.Errorf("writing artifact %q: %w", a.Path, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unpack decodes an archive produced by Pack.
func Unpack(data []byte) (*CacheEntry, error) {
	zr, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	defer zr.Close()

	var (
		manifest []byte
		log      []byte
		blobs    = map[int][]byte{}
	)
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading archive: %w", err)
		}
		if hdr.Size > maxArchiveMember {
			return nil, fmt.Errorf("archive member %q too large", hdr.Name)
		}
		body, err := io.ReadAll(io.LimitReader(tr, hdr.Size))
		if err != nil {
			return nil, fmt.Errorf("reading %q: %w", hdr.Name, err)
		}
		switch {
		case hdr.Name == manifestName:
			manifest = body
		case hdr.Name == logName:
			log = body
		case strings.HasPrefix(hdr.Name, artifactPrefix):
			i, err := strconv.Atoi(strings.TrimPrefix(hdr.Name, artifactPrefix))
			if err != nil {
				return nil, fmt.Errorf("unexpected archive member %q", hdr.Name)
			}
			blobs[i] = body
		default:
			return nil, fmt.Errorf("unexpected archive member %q", hdr.Name)
		}
	}

	if manifest == nil {
		return nil, fmt.Errorf("archive has no %s", manifestName)
	}
	var entry CacheEntry
	if err := sonic.Unmarshal(manifest, &entry); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if len(blobs) != len(entry.Artifacts) {
		return nil, fmt.Errorf("archive holds %d artifacts, manifest lists %d", len(blobs), len(entry.Artifacts))
	}
	for i := range entry.Artifacts {
		content, ok := blobs[i]
		if !ok {
			return nil, fmt.Errorf("archive is missing artifact %q", entry.Artifacts[i].Path)
		}
		entry.Artifacts[i].Content = content
	}
	entry.Log = log
	return &entry, nil
}

// Package remote implements the shared cache tier. Entries are stored as
// core.Pack archives keyed by fingerprint in an S3-compatible bucket or in
// Redis.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"monorun/internal/core"
)

var ErrNotFound = errors.New("remote object not found")

const (
	KindS3    = "s3"
	KindRedis = "redis"

	memoSize = 4096
)

// Config selects and configures a remote tier. An empty Kind disables it.
type Config struct {
	Kind      string        `yaml:"kind"`
	Endpoint  string        `yaml:"endpoint"`
	Bucket    string        `yaml:"bucket"`
	Region    string        `yaml:"region"`
	AccessKey string        `yaml:"access_key"`
	SecretKey string        `yaml:"secret_key"`
	UseSSL    bool          `yaml:"use_ssl"`
	Prefix    string        `yaml:"prefix"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	TTL       time.Duration `yaml:"ttl"`
}

// Enabled reports whether a remote tier is configured.
func (c Config) Enabled() bool { return c.Kind != "" }

// blobStore is the transport seam shared by the S3 and Redis tiers.
type blobStore interface {
	Stat(ctx context.Context, key string) (bool, error)
	// Get returns ErrNotFound for a missing key.
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Close() error
}

// Cache is the remote tier. Downloads land in the local tier, so a restore
// after Download is a plain local restore.
type Cache struct {
	blobs  blobStore
	local  core.Cache
	prefix string
	log    *zap.Logger

	// memo remembers fingerprints known to exist remotely. Only positive
	// answers are memoized: a miss may be filled by another machine.
	memo *lru.Cache[core.Fingerprint, struct{}]
}

// New builds the tier selected by cfg. It returns nil, nil when cfg
// disables the remote tier.
func New(cfg Config, local core.Cache, log *zap.Logger) (*Cache, error) {
	var (
		blobs blobStore
		err   error
	)
	switch strings.ToLower(cfg.Kind) {
	case "":
		return nil, nil
	case KindS3:
		blobs, err = newS3Store(cfg)
	case KindRedis:
		blobs, err = newRedisStore(cfg)
	default:
		return nil, fmt.Errorf("unknown remote cache kind %q", cfg.Kind)
	}
	if err != nil {
		return nil, err
	}
	return newCache(blobs, local, cfg.Prefix, log), nil
}

func newCache(blobs blobStore, local core.Cache, prefix string, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	// lru.New only fails for a non-positive size.
	memo, _ := lru.New[core.Fingerprint, struct{}](memoSize)
	return &Cache{
		blobs:  blobs,
		local:  local,
		prefix: strings.Trim(prefix, "/"),
		log:    log.Named("remote"),
		memo:   memo,
	}
}

func (c *Cache) key(fp core.Fingerprint) string {
	name := fp.String() + ".tar.zst"
	if c.prefix == "" {
		return name
	}
	return c.prefix + "/" + name
}

// Exists reports whether fp is stored remotely.
func (c *Cache) Exists(ctx context.Context, fp core.Fingerprint) (bool, error) {
	if c.memo.Contains(fp) {
		return true, nil
	}
	ok, err := c.blobs.Stat(ctx, c.key(fp))
	if err != nil {
		return false, fmt.Errorf("checking remote cache: %w", err)
	}
	if ok {
		c.memo.Add(fp, struct{}{})
	}
	return ok, nil
}

// Download fetches fp and stores it in the local tier.
func (c *Cache) Download(ctx context.Context, fp core.Fingerprint) error {
	data, err := c.blobs.Get(ctx, c.key(fp))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.memo.Remove(fp)
		}
		return fmt.Errorf("downloading %s: %w", fp.Short(), err)
	}
	entry, err := core.Unpack(data)
	if err != nil {
		return fmt.Errorf("decoding %s: %w", fp.Short(), err)
	}
	if entry.Fingerprint != fp {
		return fmt.Errorf("remote object %s holds fingerprint %s", fp.Short(), entry.Fingerprint.Short())
	}
	if err := c.local.Put(entry); err != nil {
		return fmt.Errorf("storing %s locally: %w", fp.Short(), err)
	}
	c.log.Debug("downloaded", zap.String("fingerprint", fp.String()), zap.Int("bytes", len(data)))
	return nil
}

// Upload sends the local entry for fp to the remote tier.
func (c *Cache) Upload(ctx context.Context, fp core.Fingerprint) error {
	entry, err := c.local.Get(fp)
	if err != nil {
		return fmt.Errorf("reading local entry %s: %w", fp.Short(), err)
	}
	if entry == nil {
		return fmt.Errorf("no local entry for %s", fp.Short())
	}
	data, err := core.Pack(entry)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", fp.Short(), err)
	}
	if err := c.blobs.Put(ctx, c.key(fp), data); err != nil {
		return fmt.Errorf("uploading %s: %w", fp.Short(), err)
	}
	c.memo.Add(fp, struct{}{})
	c.log.Debug("uploaded", zap.String("fingerprint", fp.String()), zap.Int("bytes", len(data)))
	return nil
}

// Close releases the transport.
func (c *Cache) Close() error { return c.blobs.Close() }

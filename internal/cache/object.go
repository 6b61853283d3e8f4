package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pipeweaver/internal/fingerprint"
)

// ObjectConfig configures an S3-compatible cache backend.
type ObjectConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	Region    string
	// Prefix is prepended to every object key. Defaults to "pipeweaver/cache".
	Prefix string
}

// objectStore is the subset of object storage the cache needs.
// It keeps ObjectCache testable without a live S3 endpoint.
type objectStore interface {
	put(ctx context.Context, key string, data []byte) error
	get(ctx context.Context, key string) ([]byte, bool, error)
	keys(ctx context.Context, prefix string) ([]string, error)
	remove(ctx context.Context, key string) error
}

// ObjectCache implements Cache on S3-compatible object storage.
//
// Objects live at {Prefix}/{key[0:2]}/{key}.bin. PutObject replaces objects
// atomically, so readers never observe partial entries.
type ObjectCache struct {
	store  objectStore
	prefix string
	codec  Codec
}

// NewObjectCache connects to the endpoint and ensures the bucket exists.
func NewObjectCache(ctx context.Context, cfg ObjectConfig) (*ObjectCache, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("object cache: endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("object cache: creating client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("object cache: checking bucket %q: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("object cache: creating bucket %q: %w", cfg.Bucket, err)
		}
	}

	return newObjectCache(&minioStore{client: client, bucket: cfg.Bucket}, cfg.Prefix), nil
}

func newObjectCache(store objectStore, prefix string) *ObjectCache {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "pipeweaver/cache"
	}
	return &ObjectCache{store: store, prefix: prefix, codec: GobCodec{}}
}

func (c *ObjectCache) objectKey(key fingerprint.Fingerprint) string {
	k := string(key)
	if len(k) < 2 {
		return path.Join(c.prefix, k+blobSuffix)
	}
	return path.Join(c.prefix, k[:2], k+blobSuffix)
}

// Get retrieves an entry by key.
func (c *ObjectCache) Get(ctx context.Context, key fingerprint.Fingerprint) (*CacheEntry, error) {
	data, ok, err := c.store.get(ctx, c.objectKey(key))
	if err != nil {
		return nil, fmt.Errorf("object cache get %s: %w", key.Short(), err)
	}
	if !ok {
		return nil, nil
	}
	entry, err := decodeRecord(c.codec, data)
	if err != nil {
		return nil, fmt.Errorf("object cache entry %s: %w", key.Short(), err)
	}
	if entry.Key != key {
		return nil, fmt.Errorf("object cache entry %s: stored key mismatch", key.Short())
	}
	return entry, nil
}

// Put stores an entry.
func (c *ObjectCache) Put(ctx context.Context, entry *CacheEntry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	data, err := encodeRecord(c.codec, entry)
	if err != nil {
		return err
	}
	if err := c.store.put(ctx, c.objectKey(entry.Key), data); err != nil {
		return fmt.Errorf("object cache put %s: %w", entry.Key.Short(), err)
	}
	return nil
}

// Clear removes every object under the prefix.
func (c *ObjectCache) Clear(ctx context.Context) error {
	keys, err := c.store.keys(ctx, c.prefix+"/")
	if err != nil {
		return fmt.Errorf("object cache list: %w", err)
	}
	for _, k := range keys {
		if err := c.store.remove(ctx, k); err != nil {
			return fmt.Errorf("object cache remove %q: %w", k, err)
		}
	}
	return nil
}

// Len counts the objects under the prefix.
func (c *ObjectCache) Len(ctx context.Context) (int, error) {
	keys, err := c.store.keys(ctx, c.prefix+"/")
	if err != nil {
		return 0, fmt.Errorf("object cache list: %w", err)
	}
	n := 0
	for _, k := range keys {
		if strings.HasSuffix(k, blobSuffix) {
			n++
		}
	}
	return n, nil
}

// minioStore adapts a minio client to objectStore.
type minioStore struct {
	client *minio.Client
	bucket string
}

func (s *minioStore) put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(
		ctx,
		s.bucket,
		key,
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"},
	)
	return err
}

func (s *minioStore) get(ctx context.Context, key string) ([]byte, bool, error) {
	object, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		// GetObject is lazy; a missing key surfaces on first read.
		if isNoSuchKey(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

func (s *minioStore) keys(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		out = append(out, obj.Key)
	}
	return out, nil
}

func (s *minioStore) remove(ctx context.Context, key string) error {
	return s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

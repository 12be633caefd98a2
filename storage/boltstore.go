package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"eve.evalgo.org/rerr"
)

var objectsBucket = []byte("objects")

// boltRecord is the on-disk envelope for one object, giving the embedded
// store the same ETag/conditional-write semantics S3Store exposes.
type boltRecord struct {
	Data         []byte            `json:"data"`
	ContentType  string            `json:"content_type"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	ETag         string            `json:"etag"`
	LastModified time.Time         `json:"last_modified"`
}

// BoltStore implements Store over an embedded go.etcd.io/bbolt database,
// used for local development and for tests that would rather not stand up
// a MinIO container. Because bbolt serializes all writers through a single
// transaction, conditional writes need no external locking: the
// check-then-set happens inside one Update call.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) a bbolt database at path and
// ensures the single "objects" bucket used to hold every key exists.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, rerr.Permanentf("opening bolt store at %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(objectsBucket)
		return err
	})
	if err != nil {
		return nil, rerr.Permanentf("creating objects bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close releases the underlying bbolt file handle.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func nextETag(prev string) string {
	n, _ := strconv.ParseInt(prev, 10, 64)
	return strconv.FormatInt(n+1, 10)
}

func (s *BoltStore) Put(_ context.Context, key string, data []byte, contentType string, metadata map[string]string) (string, error) {
	var etag string
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(objectsBucket)
		prev := ""
		if existing := b.Get([]byte(key)); existing != nil {
			var rec boltRecord
			if err := json.Unmarshal(existing, &rec); err == nil {
				prev = rec.ETag
			}
		}
		etag = nextETag(prev)
		return s.write(b, key, data, contentType, metadata, etag)
	})
	return etag, err
}

func (s *BoltStore) PutIfAbsent(_ context.Context, key string, data []byte, contentType string) (string, error) {
	var etag string
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(objectsBucket)
		if b.Get([]byte(key)) != nil {
			return rerr.Conflictf("key %s already exists", key)
		}
		etag = "1"
		return s.write(b, key, data, contentType, nil, etag)
	})
	return etag, err
}

func (s *BoltStore) PutIfMatch(_ context.Context, key string, data []byte, contentType string, expectedETag string) (string, error) {
	var etag string
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(objectsBucket)
		existing := b.Get([]byte(key))
		if expectedETag == "" {
			if existing != nil {
				return rerr.Conflictf("key %s already exists", key)
			}
			etag = "1"
			return s.write(b, key, data, contentType, nil, etag)
		}
		if existing == nil {
			return rerr.Conflictf("key %s not found for CAS", key)
		}
		var rec boltRecord
		if err := json.Unmarshal(existing, &rec); err != nil {
			return rerr.Permanentf("decoding existing record for %s: %w", key, err)
		}
		if rec.ETag != expectedETag {
			return rerr.Conflictf("etag mismatch for %s: have %s want %s", key, rec.ETag, expectedETag)
		}
		etag = nextETag(rec.ETag)
		return s.write(b, key, data, contentType, rec.Metadata, etag)
	})
	return etag, err
}

func (s *BoltStore) write(b *bolt.Bucket, key string, data []byte, contentType string, metadata map[string]string, etag string) error {
	rec := boltRecord{
		Data:         data,
		ContentType:  contentType,
		Metadata:     metadata,
		ETag:         etag,
		LastModified: time.Now().UTC(),
	}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return rerr.Permanentf("encoding record for %s: %w", key, err)
	}
	return b.Put([]byte(key), encoded)
}

func (s *BoltStore) Get(_ context.Context, key string) ([]byte, ObjectMeta, error) {
	var data []byte
	var meta ObjectMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(objectsBucket)
		raw := b.Get([]byte(key))
		if raw == nil {
			return rerr.NotFoundf("key %s not found", key)
		}
		var rec boltRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return rerr.Permanentf("decoding record for %s: %w", key, err)
		}
		data = rec.Data
		meta = ObjectMeta{
			Key:          key,
			Size:         int64(len(rec.Data)),
			ETag:         rec.ETag,
			LastModified: rec.LastModified,
			ContentType:  rec.ContentType,
			UserMetadata: rec.Metadata,
		}
		return nil
	})
	return data, meta, err
}

func (s *BoltStore) Head(ctx context.Context, key string) (ObjectMeta, error) {
	_, meta, err := s.Get(ctx, key)
	return meta, err
}

func (s *BoltStore) List(_ context.Context, prefix, delimiter string) (ListResult, error) {
	var result ListResult
	seenPrefixes := map[string]bool{}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(objectsBucket)
		c := b.Cursor()
		for k, v := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			key := string(k)
			rest := strings.TrimPrefix(key, prefix)
			if delimiter != "" {
				if idx := strings.Index(rest, delimiter); idx >= 0 {
					cp := prefix + rest[:idx+len(delimiter)]
					if !seenPrefixes[cp] {
						seenPrefixes[cp] = true
						result.CommonPrefixes = append(result.CommonPrefixes, cp)
					}
					continue
				}
			}
			var rec boltRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return rerr.Permanentf("decoding record for %s: %w", key, err)
			}
			result.Keys = append(result.Keys, ObjectMeta{
				Key:          key,
				Size:         int64(len(rec.Data)),
				ETag:         rec.ETag,
				LastModified: rec.LastModified,
				ContentType:  rec.ContentType,
			})
		}
		return nil
	})
	return result, err
}

func (s *BoltStore) Delete(_ context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(objectsBucket).Delete([]byte(key))
	})
}

func (s *BoltStore) DeletePrefix(_ context.Context, prefix string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(objectsBucket)
		c := b.Cursor()
		var keys [][]byte
		for k, _ := c.Seek([]byte(prefix)); k != nil && bytes.HasPrefix(k, []byte(prefix)); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("deleting %s: %w", string(k), err)
			}
		}
		return nil
	})
}

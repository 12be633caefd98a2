// Package casestore implements the Case Document Store: the admin UI's
// single active case document, with a timestamped backup written before
// every overwrite. It is the thinnest of the storage-backed components —
// no CAS, no counters — since writes are serialized by the caller and the
// adapter only needs last-writer-wins semantics.
package casestore

import (
	"context"
	"fmt"
	"time"

	"eve.evalgo.org/storage"
)

const activeKey = "case/active.json"

// Store is the Case Document Store, built on a storage.Store.
type Store struct {
	store storage.Store
	now   func() time.Time
}

// New constructs a Store.
func New(store storage.Store) *Store {
	return &Store{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Active returns the current active case document, or rerr.ErrNotFound if
// none has ever been saved.
func (s *Store) Active(ctx context.Context) ([]byte, error) {
	data, _, err := s.store.Get(ctx, activeKey)
	return data, err
}

// Save writes a timestamped backup of the previous active case (if any),
// then overwrites active.json with the new document. If no active case
// exists yet there is nothing to back up and backupKey is empty.
func (s *Store) Save(ctx context.Context, data []byte) (backupKey string, err error) {
	if prev, _, err := s.store.Get(ctx, activeKey); err == nil {
		backupKey = fmt.Sprintf("case/backup-%d.json", s.now().UnixNano())
		if _, err := s.store.Put(ctx, backupKey, prev, "application/json", nil); err != nil {
			return "", err
		}
	}
	if _, err := s.store.Put(ctx, activeKey, data, "application/json", nil); err != nil {
		return "", err
	}
	return backupKey, nil
}

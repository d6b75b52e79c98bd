// Package badgerstore persists engine checkpoints in an embedded Badger
// key-value store.
//
// A checkpoint is stored as one key per twin snapshot and one key per twin
// baseline set, under the following layout:
//
//	checkpoint/taken-at          RFC 3339 timestamp
//	checkpoint/twin/<id>         JSON twinsentry.Twin
//	checkpoint/baseline/<id>     JSON []twinsentry.Profile
//
// Saving a checkpoint replaces the previous one in a single transaction.
package badgerstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/danielorbach/go-component"
	badger "github.com/dgraph-io/badger/v4"

	"github.com/go-digitaltwin/twinsentry"
)

var (
	prefix         = []byte("checkpoint/")
	keyTakenAt     = []byte("checkpoint/taken-at")
	prefixTwin     = []byte("checkpoint/twin/")
	prefixBaseline = []byte("checkpoint/baseline/")
)

// Store is a twinsentry.CheckpointStore backed by Badger.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) a store in the directory at path.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	opts.Logger = nil
	return open(opts)
}

// OpenInMemory opens a store that lives in memory only, for tests and for
// engines that run without durable checkpoints.
func OpenInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return open(opts)
}

func open(opts badger.Options) (*Store, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveCheckpoint implements twinsentry.CheckpointStore.
func (s *Store) SaveCheckpoint(ctx context.Context, cp twinsentry.Checkpoint) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := deletePrefix(txn, prefix); err != nil {
			return err
		}
		if err := txn.Set(keyTakenAt, []byte(cp.TakenAt.Format(time.RFC3339Nano))); err != nil {
			return err
		}
		for _, t := range cp.Twins {
			if err := setJSON(txn, twinKey(prefixTwin, t.ID), t); err != nil {
				return fmt.Errorf("twin %v: %w", t.ID, err)
			}
		}
		for id, profiles := range cp.Baselines {
			if err := setJSON(txn, twinKey(prefixBaseline, id), profiles); err != nil {
				return fmt.Errorf("baselines of %v: %w", id, err)
			}
		}
		return nil
	})
	if errors.Is(err, badger.ErrTxnTooBig) {
		return fmt.Errorf("checkpoint of %d twins does not fit a transaction: %w", len(cp.Twins), err)
	}
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	component.Logger(ctx).Debug("Checkpoint written to badger",
		slog.Int("twins", len(cp.Twins)),
		slog.Int("baselines", len(cp.Baselines)),
	)
	return nil
}

// LoadCheckpoint implements twinsentry.CheckpointStore. It returns an empty
// Checkpoint when nothing was saved yet.
func (s *Store) LoadCheckpoint(ctx context.Context) (twinsentry.Checkpoint, error) {
	var cp twinsentry.Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyTakenAt)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		err = item.Value(func(v []byte) error {
			var perr error
			cp.TakenAt, perr = time.Parse(time.RFC3339Nano, string(v))
			return perr
		})
		if err != nil {
			return fmt.Errorf("taken-at: %w", err)
		}

		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 100, Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.Key()
			switch {
			case bytes.HasPrefix(key, prefixTwin):
				var t twinsentry.Twin
				if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &t) }); err != nil {
					return fmt.Errorf("%s: %w", key, err)
				}
				cp.Twins = append(cp.Twins, t)
			case bytes.HasPrefix(key, prefixBaseline):
				var profiles []twinsentry.Profile
				if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &profiles) }); err != nil {
					return fmt.Errorf("%s: %w", key, err)
				}
				if cp.Baselines == nil {
					cp.Baselines = make(map[string][]twinsentry.Profile)
				}
				cp.Baselines[string(key[len(prefixBaseline):])] = profiles
			}
		}
		return nil
	})
	if err != nil {
		return twinsentry.Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}
	return cp, nil
}

func twinKey(p []byte, id string) []byte {
	return append(bytes.Clone(p), id...)
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// deletePrefix deletes every key under p. Keys are collected first because a
// read-write transaction cannot be written to while an iterator is open.
func deletePrefix(txn *badger.Txn, p []byte) error {
	it := txn.NewIterator(badger.IteratorOptions{Prefix: p})
	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()
	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

var _ twinsentry.CheckpointStore = (*Store)(nil)

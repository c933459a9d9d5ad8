// Copyright 2024 Outreach Corporation. All Rights Reserved.

// Description:

package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"

	"github.com/dgraph-io/badger/v4"
)

var keyprefix = "anarcho:kv:"

var (
	// ErrNotFound is returned by Get for a missing key.
	ErrNotFound = errors.New("key not found")
	// ErrInvalidDB is returned for a database index outside the configured range.
	ErrInvalidDB = errors.New("invalid DB index")
)

// Store is the keyspace: numbered databases of string keys kept in badger.
type Store struct {
	DB        *badger.DB
	Log       *slog.Logger
	Databases int
}

func (b Store) prefix(db int) ([]byte, error) {
	if db < 0 || db >= b.Databases {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDB, db)
	}
	return []byte(keyprefix + strconv.Itoa(db) + ":"), nil
}

func (b Store) key(db int, key string) ([]byte, error) {
	p, err := b.prefix(db)
	if err != nil {
		return nil, err
	}
	return append(p, key...), nil
}

// Get returns the value stored at key in db.
func (b Store) Get(db int, key string) ([]byte, error) {
	k, err := b.key(db, key)
	if err != nil {
		return nil, err
	}

	var val []byte
	err = b.DB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	return val, err
}

// Set stores val at key in db.
func (b Store) Set(db int, key string, val []byte) error {
	k, err := b.key(db, key)
	if err != nil {
		return err
	}
	return b.DB.Update(func(txn *badger.Txn) error {
		return txn.Set(k, val)
	})
}

// Delete removes keys from db and returns how many existed.
func (b Store) Delete(db int, keys ...string) (int, error) {
	var n int
	err := b.DB.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			k, err := b.key(db, key)
			if err != nil {
				return err
			}
			_, err = txn.Get(k)
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			} else if err != nil {
				return err
			}
			if err := txn.Delete(k); err != nil {
				return err
			}
			b.Log.Debug("deleted", "db", db, "key", key)
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Scan calls fn for every key in db at or after from, in key order. fn may
// stop the scan early by returning an error, which Scan returns.
func (b Store) Scan(db int, from string, fn func(key string, val []byte) error) error {
	p, err := b.prefix(db)
	if err != nil {
		return err
	}
	return b.DB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = p
		it := txn.NewIterator(opts)
		defer it.Close()

		start := append(slices.Clip(p), from...)
		for it.Seek(start); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(string(item.Key()[len(p):]), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// Size counts the keys in db.
func (b Store) Size(db int) (int64, error) {
	p, err := b.prefix(db)
	if err != nil {
		return 0, err
	}
	var n int64
	err = b.DB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = p
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Flush drops every key in db.
func (b Store) Flush(db int) error {
	p, err := b.prefix(db)
	if err != nil {
		return err
	}
	b.Log.Info("flushing", "db", db)
	return b.DB.DropPrefix(p)
}

// FlushAll drops every key in every database. The binlog shares the badger
// instance and is left alone.
func (b Store) FlushAll() error {
	b.Log.Info("flushing all databases")
	return b.DB.DropPrefix([]byte(keyprefix))
}

// Compact flattens the LSM tree and reclaims value log space.
func (b Store) Compact() error {
	if err := b.DB.Flatten(1); err != nil {
		return fmt.Errorf("flatten: %w", err)
	}
	err := b.DB.RunValueLogGC(0.5)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrGCInMemoryMode) {
		return fmt.Errorf("value log gc: %w", err)
	}
	return nil
}

// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description: an append-only replication log kept in badger. Records are
// keyed by their position so a slave can resume from any retained point.

// Package binlog:
package binlog

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// DefaultSegmentSize is used when Options.SegmentSize is zero.
const DefaultSegmentSize = 100 << 20

var (
	recordPrefix = []byte("binlog:r:")
	rangeKey     = []byte("binlog:m:range")
)

var (
	ErrEmptyRecord = errors.New("empty binlog record")
	// ErrNotRetained is returned when reading from a position outside the retained range.
	ErrNotRetained = errors.New("position not retained")
	// ErrPurgeHead is returned when a purge would remove the segment being written.
	ErrPurgeHead = errors.New("cannot purge the segment being written")
)

// Sink receives every record after it has been committed.
type Sink interface {
	Publish(ctx context.Context, pos Position, record []byte) error
}

type Options struct {
	// SegmentSize is the number of bytes after which a new segment starts.
	SegmentSize uint64
	Sinks       []Sink
	Logger      *slog.Logger
}

// Log is the replication log. It is safe for concurrent use.
type Log struct {
	db    *badger.DB
	sinks []Sink
	size  uint64
	log   *slog.Logger

	mu  sync.Mutex
	rng Range
}

// Open loads the retained range stored in db, or starts an empty log at 0:0.
func Open(db *badger.DB, opts Options) (*Log, error) {
	l := &Log{
		db:    db,
		sinks: opts.Sinks,
		size:  opts.SegmentSize,
		log:   opts.Logger,
	}
	if l.size == 0 {
		l.size = DefaultSegmentSize
	}
	if l.log == nil {
		l.log = slog.With("comp", "binlog")
	}

	err := db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(rangeKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			l.rng, err = decodeRange(val)
			return err
		})
	})
	if err != nil {
		return nil, fmt.Errorf("loading binlog range: %w", err)
	}

	l.log.Info("binlog opened", "range", l.rng.String(), "segment_size", l.size)
	return l, nil
}

// Range returns the currently retained range.
func (l *Log) Range() Range {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rng
}

// Append a record to the log, returning the position it was written at.
func (l *Log) Append(ctx context.Context, record []byte) (Position, error) {
	if len(record) == 0 {
		return Position{}, ErrEmptyRecord
	}

	l.mu.Lock()
	pos := l.rng.Head
	if pos.Offset > 0 && pos.Offset+uint64(len(record)) > l.size {
		pos = Position{Segment: pos.Segment + 1}
	}
	next := Range{
		Oldest: l.rng.Oldest,
		Head:   Position{Segment: pos.Segment, Offset: pos.Offset + uint64(len(record))},
	}

	err := l.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(recordKey(pos), record); err != nil {
			return err
		}
		return txn.Set(rangeKey, encodeRange(next))
	})
	if err != nil {
		l.mu.Unlock()
		return Position{}, fmt.Errorf("appending at %s: %w", pos, err)
	}
	l.rng = next
	l.mu.Unlock()

	l.log.Debug("appended", "pos", pos.String(), "size", len(record))

	for _, sink := range l.sinks {
		if err := sink.Publish(ctx, pos, record); err != nil {
			l.log.Error("publishing record", "pos", pos.String(), "error", err)
		}
	}
	return pos, nil
}

// ReadFrom calls fn for every record at or after from, in log order.
func (l *Log) ReadFrom(ctx context.Context, from Position, fn func(Position, []byte) error) error {
	rng := l.Range()
	if !rng.Contains(from) {
		return fmt.Errorf("%w: %s outside %s", ErrNotRetained, from, rng)
	}

	return l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = recordPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(recordKey(from)); it.ValidForPrefix(recordPrefix); it.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(decodeKey(item.Key()), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// PurgeTo drops every segment below segment. The segment holding the head
// can never be dropped.
func (l *Log) PurgeTo(segment uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if segment > l.rng.Head.Segment {
		return fmt.Errorf("%w: head is in segment %d", ErrPurgeHead, l.rng.Head.Segment)
	}
	if segment <= l.rng.Oldest.Segment {
		return nil
	}

	var prefixes [][]byte
	for s := l.rng.Oldest.Segment; s < segment; s++ {
		prefixes = append(prefixes, segmentPrefix(s))
	}
	if err := l.db.DropPrefix(prefixes...); err != nil {
		return fmt.Errorf("dropping segments below %d: %w", segment, err)
	}

	next := Range{Oldest: Position{Segment: segment}, Head: l.rng.Head}
	err := l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(rangeKey, encodeRange(next))
	})
	if err != nil {
		return err
	}

	l.log.Info("purged", "below", segment, "range", next.String())
	l.rng = next
	return nil
}

func segmentPrefix(segment uint32) []byte {
	k := make([]byte, len(recordPrefix), len(recordPrefix)+4)
	copy(k, recordPrefix)
	return binary.BigEndian.AppendUint32(k, segment)
}

func recordKey(pos Position) []byte {
	return binary.BigEndian.AppendUint64(segmentPrefix(pos.Segment), pos.Offset)
}

func decodeKey(key []byte) Position {
	key = key[len(recordPrefix):]
	return Position{
		Segment: binary.BigEndian.Uint32(key[:4]),
		Offset:  binary.BigEndian.Uint64(key[4:12]),
	}
}

func encodeRange(r Range) []byte {
	b := make([]byte, 0, 24)
	b = binary.BigEndian.AppendUint32(b, r.Oldest.Segment)
	b = binary.BigEndian.AppendUint64(b, r.Oldest.Offset)
	b = binary.BigEndian.AppendUint32(b, r.Head.Segment)
	return binary.BigEndian.AppendUint64(b, r.Head.Offset)
}

func decodeRange(b []byte) (Range, error) {
	if len(b) != 24 {
		return Range{}, fmt.Errorf("corrupt binlog range of %d bytes", len(b))
	}
	return Range{
		Oldest: Position{Segment: binary.BigEndian.Uint32(b[0:4]), Offset: binary.BigEndian.Uint64(b[4:12])},
		Head:   Position{Segment: binary.BigEndian.Uint32(b[12:16]), Offset: binary.BigEndian.Uint64(b[16:24])},
	}, nil
}

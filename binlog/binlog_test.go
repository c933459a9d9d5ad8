package binlog

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"gotest.tools/v3/assert"
)

func openDB(t *testing.T) *badger.DB {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	assert.NilError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type recordingSink struct {
	mu   sync.Mutex
	seen []Position
	err  error
}

func (s *recordingSink) Publish(_ context.Context, pos Position, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, pos)
	return s.err
}

func TestPosition(t *testing.T) {
	a := Position{Segment: 1, Offset: 500}
	b := Position{Segment: 2, Offset: 0}

	assert.Assert(t, a.Less(b))
	assert.Assert(t, !b.Less(a))
	assert.Equal(t, a.Compare(a), 0)
	assert.Equal(t, a.String(), "1:500")

	r := Range{Oldest: Position{1, 100}, Head: Position{1, 500}}
	assert.Assert(t, !r.Contains(Position{1, 50}))
	assert.Assert(t, r.Contains(Position{1, 100}))
	assert.Assert(t, r.Contains(Position{1, 300}))
	assert.Assert(t, r.Contains(Position{1, 500}))
	assert.Assert(t, !r.Contains(Position{1, 600}))
	assert.Assert(t, !r.Contains(Position{0, 300}))

	p, err := ParsePosition(a.String())
	assert.NilError(t, err)
	assert.Equal(t, p, a)
	for _, bad := range []string{"", "1", "x:1", "1:-1", "4294967296:0"} {
		_, err := ParsePosition(bad)
		assert.ErrorIs(t, err, ErrBadPosition, bad)
	}
}

func TestAppend(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{err: errors.New("mirror down")}
	l, err := Open(openDB(t), Options{SegmentSize: 10, Sinks: []Sink{sink}})
	assert.NilError(t, err)

	t.Run("positions advance by record size", func(t *testing.T) {
		p1, err := l.Append(ctx, []byte("abcd"))
		assert.NilError(t, err)
		p2, err := l.Append(ctx, []byte("efgh"))
		assert.NilError(t, err)

		assert.Equal(t, p1, Position{0, 0})
		assert.Equal(t, p2, Position{0, 4})
		assert.Equal(t, l.Range().Head, Position{0, 8})
	})

	t.Run("a record that does not fit starts a new segment", func(t *testing.T) {
		p, err := l.Append(ctx, []byte("ijkl"))
		assert.NilError(t, err)
		assert.Equal(t, p, Position{1, 0})
		assert.Equal(t, l.Range(), Range{Oldest: Position{0, 0}, Head: Position{1, 4}})
	})

	t.Run("sink failures do not fail the append", func(t *testing.T) {
		assert.DeepEqual(t, sink.seen, []Position{{0, 0}, {0, 4}, {1, 0}})
	})

	t.Run("empty records are rejected", func(t *testing.T) {
		_, err := l.Append(ctx, nil)
		assert.ErrorIs(t, err, ErrEmptyRecord)
	})
}

func TestReadFrom(t *testing.T) {
	ctx := context.Background()
	l, err := Open(openDB(t), Options{SegmentSize: 8})
	assert.NilError(t, err)

	for _, r := range []string{"one", "two", "three", "four"} {
		_, err := l.Append(ctx, []byte(r))
		assert.NilError(t, err)
	}

	var got []string
	err = l.ReadFrom(ctx, Position{0, 3}, func(_ Position, record []byte) error {
		got = append(got, string(record))
		return nil
	})
	assert.NilError(t, err)
	assert.DeepEqual(t, got, []string{"two", "three", "four"})

	err = l.ReadFrom(ctx, Position{9, 0}, func(Position, []byte) error { return nil })
	assert.ErrorIs(t, err, ErrNotRetained)
}

func TestPurgeTo(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	l, err := Open(db, Options{SegmentSize: 4})
	assert.NilError(t, err)

	for _, r := range []string{"aaaa", "bbbb", "cccc"} {
		_, err := l.Append(ctx, []byte(r))
		assert.NilError(t, err)
	}
	assert.Equal(t, l.Range().Head, Position{2, 4})

	assert.ErrorIs(t, l.PurgeTo(3), ErrPurgeHead)

	assert.NilError(t, l.PurgeTo(2))
	assert.Equal(t, l.Range(), Range{Oldest: Position{2, 0}, Head: Position{2, 4}})

	err = l.ReadFrom(ctx, Position{0, 0}, func(Position, []byte) error { return nil })
	assert.ErrorIs(t, err, ErrNotRetained)

	var got []string
	err = l.ReadFrom(ctx, Position{2, 0}, func(_ Position, record []byte) error {
		got = append(got, string(record))
		return nil
	})
	assert.NilError(t, err)
	assert.DeepEqual(t, got, []string{"cccc"})

	t.Run("purging below the oldest segment is a no-op", func(t *testing.T) {
		assert.NilError(t, l.PurgeTo(1))
		assert.Equal(t, l.Range().Oldest, Position{2, 0})
	})

	t.Run("the range survives reopening", func(t *testing.T) {
		reopened, err := Open(db, Options{SegmentSize: 4})
		assert.NilError(t, err)
		assert.Equal(t, reopened.Range(), l.Range())
	})
}

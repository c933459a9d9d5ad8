package replication

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awinterman/anarchokv/binlog"
)

func pos(seg uint32, off uint64) binlog.Position {
	return binlog.Position{Segment: seg, Offset: off}
}

func ptr[T any](t T) *T {
	return &t
}

func fixed(r binlog.Range) func() binlog.Range {
	return func() binlog.Range { return r }
}

func TestBecomeSlaveOf(t *testing.T) {
	s := New()
	t.Cleanup(s.Close)

	require.NoError(t, s.BecomeSlaveOf("localhost", 9221, nil))
	snap := s.Snapshot()
	assert.Equal(t, Slave, snap.Kind)
	assert.Equal(t, Endpoint{Host: "127.0.0.1", Port: 9221}, snap.Master)
	assert.False(t, snap.PositionSet)
	assert.Equal(t, uint64(1), snap.Epoch)
	assert.Contains(t, snap.Info(), "sync_position:unset\r\n")

	require.NoError(t, s.BecomeSlaveOf("10.0.0.2", 6379, ptr(pos(3, 120))))
	snap = s.Snapshot()
	assert.Equal(t, Endpoint{Host: "10.0.0.2", Port: 6379}, snap.Master)
	assert.True(t, snap.PositionSet)
	assert.Equal(t, pos(3, 120), snap.SyncPosition)

	require.NoError(t, s.BecomeSlaveOf("NO ONE", 0, nil))
	snap = s.Snapshot()
	assert.Equal(t, Standalone, snap.Kind)
	assert.Equal(t, Endpoint{}, snap.Master)
	assert.Equal(t, uint64(3), snap.Epoch)
	assert.Contains(t, snap.Info(), "role:single\r\n")

	assert.Error(t, s.BecomeSlaveOf("10.0.0.2", 0, nil))
	assert.Error(t, s.BecomeSlaveOf("10.0.0.2", 70000, nil))
	assert.Equal(t, uint64(3), s.Snapshot().Epoch, "rejected transitions leave the role alone")
}

func TestNegotiateSync(t *testing.T) {
	retained := binlog.Range{Oldest: pos(0, 100), Head: pos(0, 500)}
	slave := Endpoint{Host: "127.0.0.1", Port: 9222}

	cases := []struct {
		name     string
		position *binlog.Position
		want     SyncDecision
		err      error
	}{
		{name: "first sync", want: SyncDecision{Mode: FullResync, From: pos(0, 500)}},
		{name: "purged", position: ptr(pos(0, 50)), want: SyncDecision{Mode: FullResync, From: pos(0, 500)}},
		{name: "retained", position: ptr(pos(0, 300)), want: SyncDecision{Mode: PartialResync, From: pos(0, 300)}},
		{name: "oldest", position: ptr(pos(0, 100)), want: SyncDecision{Mode: PartialResync, From: pos(0, 100)}},
		{name: "head", position: ptr(pos(0, 500)), want: SyncDecision{Mode: PartialResync, From: pos(0, 500)}},
		{name: "beyond head", position: ptr(pos(0, 600)), err: ErrInvalidSyncPosition},
		{name: "later segment", position: ptr(pos(1, 0)), err: ErrInvalidSyncPosition},
	}

	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := New()
			connID := uint64(i + 1)

			d, err := s.NegotiateSync(SyncRequest{Slave: slave, ConnID: connID, Position: tc.position}, fixed(retained))
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				assert.Empty(t, s.AttachedSlaves())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, d)

			slaves := s.AttachedSlaves()
			require.Len(t, slaves, 1)
			assert.Equal(t, connID, slaves[0].ConnID)
			assert.Equal(t, tc.want.From, slaves[0].Position)
			assert.True(t, s.Snapshot().IsMaster())
		})
	}
}

func TestNegotiateSyncOnSlave(t *testing.T) {
	s := New()
	t.Cleanup(s.Close)
	require.NoError(t, s.BecomeSlaveOf("10.0.0.1", 9221, nil))

	_, err := s.NegotiateSync(SyncRequest{Slave: Endpoint{Host: "10.0.0.3", Port: 9221}, ConnID: 1},
		fixed(binlog.Range{}))
	assert.ErrorIs(t, err, ErrRoleConflict)
}

func TestAttachedSlaves(t *testing.T) {
	s := New()
	retained := binlog.Range{Head: pos(2, 40)}

	_, err := s.NegotiateSync(SyncRequest{Slave: Endpoint{Host: "localhost", Port: 9222}, ConnID: 7}, fixed(retained))
	require.NoError(t, err)
	_, err = s.NegotiateSync(SyncRequest{Slave: Endpoint{Host: "10.0.0.9", Port: 9221}, ConnID: 3}, fixed(retained))
	require.NoError(t, err)

	slaves := s.AttachedSlaves()
	require.Len(t, slaves, 2)
	assert.Equal(t, uint64(3), slaves[0].ConnID, "sorted by connection")
	assert.Equal(t, "127.0.0.1", slaves[1].Endpoint.Host)

	info := s.Snapshot().Info()
	assert.Contains(t, info, "role:master\r\n")
	assert.Contains(t, info, "connected_slaves:2\r\n")
	assert.Contains(t, info, "slave1:ip=127.0.0.1,port=9222,conn=7,sync=2:40\r\n")

	t.Run("reconnect replaces the old handle", func(t *testing.T) {
		_, err := s.NegotiateSync(SyncRequest{Slave: Endpoint{Host: "127.0.0.1", Port: 9222}, ConnID: 8}, fixed(retained))
		require.NoError(t, err)
		slaves := s.AttachedSlaves()
		require.Len(t, slaves, 2)
		assert.Equal(t, uint64(8), slaves[1].ConnID)
	})

	t.Run("acknowledge only moves forward", func(t *testing.T) {
		require.NoError(t, s.Acknowledge(8, pos(2, 90)))
		assert.ErrorIs(t, s.Acknowledge(8, pos(2, 10)), ErrInvalidSyncPosition)
		assert.ErrorIs(t, s.Acknowledge(99, pos(2, 90)), ErrNotAttached)
		assert.Equal(t, pos(2, 90), s.AttachedSlaves()[1].Position)
	})

	t.Run("detach", func(t *testing.T) {
		assert.True(t, s.DetachConn(3))
		assert.False(t, s.DetachConn(3))
		assert.True(t, s.Detach(SlaveHandle{ConnID: 8}))
		assert.Empty(t, s.AttachedSlaves())
		assert.False(t, s.Snapshot().IsMaster())
	})

	t.Run("becoming a slave drops attached slaves", func(t *testing.T) {
		_, err := s.NegotiateSync(SyncRequest{Slave: Endpoint{Host: "10.0.0.9", Port: 9221}, ConnID: 11}, fixed(retained))
		require.NoError(t, err)
		require.NoError(t, s.BecomeSlaveOf("10.0.0.1", 9221, nil))
		t.Cleanup(s.Close)
		assert.Empty(t, s.AttachedSlaves())
	})
}

func TestPurgeLogs(t *testing.T) {
	s := New()
	retained := binlog.Range{Oldest: pos(1, 0), Head: pos(4, 10)}
	_, err := s.NegotiateSync(SyncRequest{Slave: Endpoint{Host: "10.0.0.9", Port: 9221}, ConnID: 5, Position: ptr(pos(2, 7))},
		fixed(retained))
	require.NoError(t, err)

	var purged []uint32
	purge := func(segment uint32) error {
		purged = append(purged, segment)
		return nil
	}

	assert.ErrorIs(t, s.PurgeLogs(3, purge), ErrLogsInUse)
	require.NoError(t, s.PurgeLogs(2, purge))
	require.NoError(t, s.Acknowledge(5, pos(3, 0)))
	require.NoError(t, s.PurgeLogs(3, purge))
	assert.Equal(t, []uint32{2, 3}, purged)

	h, ok := s.Attached(5)
	require.True(t, ok)
	assert.Equal(t, pos(3, 0), h.Position)
	_, ok = s.Attached(6)
	assert.False(t, ok)
}

// A purge racing a sync request either runs first, and the request is
// decided against what is left, or is refused because the slave attached.
func TestNegotiateSyncExcludesPurge(t *testing.T) {
	s := New()
	rng := binlog.Range{Oldest: pos(0, 0), Head: pos(5, 58)}
	var mu sync.Mutex
	current := func() binlog.Range {
		mu.Lock()
		defer mu.Unlock()
		return rng
	}
	purge := func(segment uint32) error {
		mu.Lock()
		defer mu.Unlock()
		rng.Oldest = pos(segment, 0)
		return nil
	}

	purgeErr := make(chan error, 1)
	var once sync.Once
	d, err := s.NegotiateSync(SyncRequest{Slave: Endpoint{Host: "10.0.0.9", Port: 9300}, ConnID: 1, Position: ptr(pos(1, 0))},
		func() binlog.Range {
			once.Do(func() {
				go func() { purgeErr <- s.PurgeLogs(4, purge) }()
				select {
				case err := <-purgeErr:
					purgeErr <- err
				case <-time.After(50 * time.Millisecond):
				}
			})
			return current()
		})
	require.NoError(t, err)
	assert.Equal(t, SyncDecision{Mode: PartialResync, From: pos(1, 0)}, d)

	assert.ErrorIs(t, <-purgeErr, ErrLogsInUse)
	assert.True(t, current().Contains(s.AttachedSlaves()[0].Position))
}

func TestHoldRole(t *testing.T) {
	s := New()
	t.Cleanup(s.Close)

	snap, release := s.HoldRole()
	assert.Equal(t, Standalone, snap.Kind)

	done := make(chan error, 1)
	go func() { done <- s.BecomeSlaveOf("10.0.0.1", 9221, nil) }()

	select {
	case <-done:
		t.Fatal("role changed while held")
	case <-time.After(50 * time.Millisecond):
	}
	release()
	require.NoError(t, <-done)

	snap, release = s.HoldRole()
	defer release()
	assert.Equal(t, Slave, snap.Kind)
}

func TestLink(t *testing.T) {
	var running atomic.Int32
	bindings := make(chan *Binding, 4)

	s := New(WithLink(func(ctx context.Context, b *Binding) {
		running.Add(1)
		defer running.Add(-1)
		bindings <- b
		<-ctx.Done()
	}))
	t.Cleanup(s.Close)

	require.NoError(t, s.BecomeSlaveOf("10.0.0.1", 9221, ptr(pos(1, 5))))
	first := <-bindings
	assert.Equal(t, Endpoint{Host: "10.0.0.1", Port: 9221}, first.Master)
	require.NotNil(t, first.Resume)
	assert.Equal(t, pos(1, 5), *first.Resume)

	require.NoError(t, first.Advance(pos(1, 9)))
	assert.Equal(t, pos(1, 9), s.Snapshot().SyncPosition)
	assert.ErrorIs(t, first.Advance(pos(1, 2)), ErrInvalidSyncPosition)

	require.NoError(t, s.BecomeSlaveOf("10.0.0.2", 9221, nil))
	second := <-bindings
	assert.Equal(t, int32(1), running.Load(), "the old link exits before the new one starts")
	assert.ErrorIs(t, first.Advance(pos(2, 0)), ErrStaleBinding)
	assert.Nil(t, second.Resume)

	require.NoError(t, s.BecomeSlaveOf(NoOne, 0, nil))
	assert.Equal(t, int32(0), running.Load())
	assert.ErrorIs(t, second.Advance(pos(2, 0)), ErrStaleBinding)
}

func TestSnapshotsAreAtomic(t *testing.T) {
	s := New(WithLink(func(ctx context.Context, _ *Binding) {
		<-ctx.Done()
	}))
	t.Cleanup(s.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	p := pool.New().WithErrors().WithContext(ctx)
	p.Go(func(ctx context.Context) error {
		for i := 0; ctx.Err() == nil; i++ {
			var err error
			if i%2 == 0 {
				err = s.BecomeSlaveOf(fmt.Sprintf("10.0.0.%d", i%250+1), 9000+i%1000, ptr(pos(uint32(i), 1)))
			} else {
				err = s.BecomeSlaveOf(NoOne, 0, nil)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	for range 4 {
		p.Go(func(ctx context.Context) error {
			for ctx.Err() == nil {
				snap := s.Snapshot()
				switch snap.Kind {
				case Slave:
					// slave roles are published with odd epochs, each with its
					// own master and resume position
					if snap.Epoch%2 != 1 || !snap.PositionSet || !strings.HasPrefix(snap.Master.Host, "10.0.0.") {
						return fmt.Errorf("torn slave role: %+v", snap)
					}
					if uint64(snap.SyncPosition.Segment) != snap.Epoch-1 {
						return fmt.Errorf("position from another role: %+v", snap)
					}
				case Standalone:
					if snap.Master != (Endpoint{}) || snap.PositionSet {
						return fmt.Errorf("torn standalone role: %+v", snap)
					}
				}
			}
			return nil
		})
	}

	err := p.Wait()
	if errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}
	require.NoError(t, err)
}

func TestSyncReply(t *testing.T) {
	for _, d := range []SyncDecision{
		{Mode: FullResync, From: pos(0, 0)},
		{Mode: PartialResync, From: pos(4, 1<<40)},
	} {
		got, err := ParseSyncReply(FormatSyncReply(d))
		require.NoError(t, err)
		assert.Equal(t, d, got)
	}
	assert.Equal(t, "CONTINUE 3 120", FormatSyncReply(SyncDecision{Mode: PartialResync, From: pos(3, 120)}))

	for _, bad := range []string{"", "OK", "FULLRESYNC 1", "RESYNC 1 2", "CONTINUE x 2", "CONTINUE 1 -2"} {
		_, err := ParseSyncReply(bad)
		assert.ErrorIs(t, err, ErrBadSyncReply, bad)
	}
}

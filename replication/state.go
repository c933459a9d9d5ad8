// Copyright 2024 Outreach Corporation. All Rights Reserved.

// Description: the node's replication role and the slaves attached to it.
// Callers request transitions; they never touch the role directly.

package replication

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/awinterman/anarchokv/binlog"
)

var (
	// ErrInvalidSyncPosition means a slave asked for a position this node has
	// never written. Its log has diverged; it must not be resynced silently.
	ErrInvalidSyncPosition = errors.New("invalid sync position")
	ErrRoleConflict        = errors.New("role conflict")
	// ErrStaleBinding is returned to a slave link whose role has been replaced.
	ErrStaleBinding = fmt.Errorf("%w: replication role changed", ErrRoleConflict)
	ErrNotAttached  = errors.New("slave not attached")
	// ErrLogsInUse is returned by PurgeLogs when an attached slave still
	// reads from a segment that would be dropped.
	ErrLogsInUse = errors.New("binlog segment in use by a slave")
)

// SyncMode is the outcome of a sync negotiation.
type SyncMode int

const (
	// FullResync: the slave needs a snapshot before streaming from From.
	FullResync SyncMode = iota
	// PartialResync: the slave streams from From without a snapshot.
	PartialResync
)

func (m SyncMode) String() string {
	switch m {
	case FullResync:
		return "full"
	case PartialResync:
		return "partial"
	default:
		return fmt.Sprintf("SyncMode(%d)", int(m))
	}
}

// SyncRequest is a slave asking to begin or resume streaming.
type SyncRequest struct {
	Slave  Endpoint
	ConnID uint64
	// Position is where the slave's log ends; nil for a first sync.
	Position *binlog.Position
}

type SyncDecision struct {
	Mode SyncMode
	From binlog.Position
}

// LinkFunc runs the slave side of replication for one role. It must return
// once ctx is cancelled.
type LinkFunc func(ctx context.Context, b *Binding)

// Binding ties a slave link to the role it was started for.
type Binding struct {
	Epoch  uint64
	Master Endpoint
	// Resume is the position supplied with SLAVEOF, if any.
	Resume *binlog.Position

	state *State
}

// Advance records that the slave has reached pos. It fails with
// ErrStaleBinding once the role the link was started for is gone.
func (b *Binding) Advance(pos binlog.Position) error {
	return b.state.advance(b.Epoch, pos)
}

type Option func(*State)

// WithLink sets the function started in the background on every
// transition to Slave.
func WithLink(f LinkFunc) Option {
	return func(s *State) {
		s.newLink = f
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *State) {
		s.log = l
	}
}

type runningLink struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// State owns the replication role. Transitions are serialised and a new
// role is only published after the previous slave link has stopped.
// Readers get an immutable Snapshot without locking.
type State struct {
	// transition is held for a whole role change, including waiting for the
	// old link to exit. mu guards the slaves map and publishing snapshots; a
	// link may take mu, so mu is never held while waiting on a link.
	// Lock order is transition, role, mu.
	transition sync.Mutex
	// role is held for reading by HoldRole callers and for writing while a
	// new role is published.
	role sync.RWMutex
	mu   sync.Mutex

	snap    atomic.Pointer[Snapshot]
	slaves  map[uint64]SlaveHandle
	link    *runningLink
	newLink LinkFunc
	log     *slog.Logger
}

func New(opts ...Option) *State {
	s := &State{
		slaves: make(map[uint64]SlaveHandle),
		log:    slog.With("comp", "replication"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.snap.Store(&Snapshot{Kind: Standalone})
	return s
}

// Snapshot returns the current state. It never blocks.
func (s *State) Snapshot() Snapshot {
	return *s.snap.Load()
}

// AttachedSlaves returns the slaves attached to this node.
func (s *State) AttachedSlaves() []SlaveHandle {
	return slices.Clone(s.Snapshot().Slaves)
}

// BecomeSlaveOf makes the node a slave of host:port, optionally resuming
// from a known position. host NoOne makes it standalone instead. Either way
// the previous role and its attached slaves are discarded.
func (s *State) BecomeSlaveOf(host string, port int, resume *binlog.Position) error {
	noOne := strings.EqualFold(host, NoOne)
	if !noOne && (port < 1 || port > 65535) {
		return fmt.Errorf("invalid master port %d", port)
	}

	s.transition.Lock()
	defer s.transition.Unlock()

	s.stopLink()

	s.role.Lock()
	s.mu.Lock()
	cur := s.snap.Load()
	next := &Snapshot{Kind: Standalone, Epoch: cur.Epoch + 1}
	if !noOne {
		next.Kind = Slave
		next.Master = Endpoint{Host: NormalizeHost(host), Port: port}
		if resume != nil {
			next.SyncPosition = *resume
			next.PositionSet = true
		}
	}
	released := len(s.slaves)
	clear(s.slaves)
	s.snap.Store(next)
	s.mu.Unlock()
	s.role.Unlock()

	if next.Kind == Slave {
		s.log.Info("became slave", "master", next.Master.String(), "resume", resume, "epoch", next.Epoch,
			"released_slaves", released)
		s.startLink(next)
	} else {
		s.log.Info("became standalone", "previous", cur.Kind.String(), "epoch", next.Epoch,
			"released_slaves", released)
	}
	return nil
}

// HoldRole returns the current role and keeps it from changing until
// release is called. Holders must not request a transition themselves.
func (s *State) HoldRole() (snap Snapshot, release func()) {
	s.role.RLock()
	return s.Snapshot(), s.role.RUnlock
}

// NegotiateSync decides how a slave starts streaming from this node and
// attaches the slave on success. retained reports the part of the log still
// kept; it is read under the same lock PurgeLogs takes, so the decision
// cannot be made against segments that are being dropped.
func (s *State) NegotiateSync(req SyncRequest, retained func() binlog.Range) (SyncDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load()
	if cur.Kind == Slave {
		return SyncDecision{}, fmt.Errorf("%w: slave of %s cannot serve sync requests", ErrRoleConflict, cur.Master)
	}

	rng := retained()
	var d SyncDecision
	switch {
	case req.Position == nil:
		d = SyncDecision{Mode: FullResync, From: rng.Head}
	case req.Position.Less(rng.Oldest):
		d = SyncDecision{Mode: FullResync, From: rng.Head}
	case rng.Head.Less(*req.Position):
		return SyncDecision{}, fmt.Errorf("%w: %s is beyond head %s", ErrInvalidSyncPosition, *req.Position, rng.Head)
	default:
		d = SyncDecision{Mode: PartialResync, From: *req.Position}
	}

	ep := Endpoint{Host: NormalizeHost(req.Slave.Host), Port: req.Slave.Port}
	// a slave that reconnected replaces its old handle
	for id, h := range s.slaves {
		if h.Endpoint == ep && id != req.ConnID {
			delete(s.slaves, id)
		}
	}
	s.slaves[req.ConnID] = SlaveHandle{Endpoint: ep, ConnID: req.ConnID, Position: d.From, Since: time.Now()}
	s.publish(cur)

	s.log.Info("slave attached", "slave", ep.String(), "conn", req.ConnID, "mode", d.Mode.String(),
		"from", d.From.String(), "retained", rng.String())
	return d, nil
}

// PurgeLogs calls purge to drop the segments below segment unless an
// attached slave still needs one of them.
func (s *State) PurgeLogs(segment uint32, purge func(segment uint32) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, h := range s.slaves {
		if h.Position.Segment < segment {
			return fmt.Errorf("%w: %s is at %s", ErrLogsInUse, h.Endpoint, h.Position)
		}
	}
	return purge(segment)
}

// Attached returns the handle of the slave on connection connID.
func (s *State) Attached(connID uint64) (SlaveHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.slaves[connID]
	return h, ok
}

// Acknowledge moves an attached slave's position forward.
func (s *State) Acknowledge(connID uint64, pos binlog.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.slaves[connID]
	if !ok {
		return fmt.Errorf("%w: connection %d", ErrNotAttached, connID)
	}
	if pos.Less(h.Position) {
		return fmt.Errorf("%w: ack %s is behind %s", ErrInvalidSyncPosition, pos, h.Position)
	}
	h.Position = pos
	s.slaves[connID] = h
	s.publish(s.snap.Load())
	return nil
}

// Detach removes a slave handle, reporting whether it was attached.
func (s *State) Detach(h SlaveHandle) bool {
	return s.DetachConn(h.ConnID)
}

// DetachConn removes the handle of the slave on connection connID, if any.
func (s *State) DetachConn(connID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.slaves[connID]
	if !ok {
		return false
	}
	delete(s.slaves, connID)
	s.publish(s.snap.Load())
	s.log.Info("slave detached", "slave", h.Endpoint.String(), "conn", connID)
	return true
}

// Close stops the slave link, if one is running.
func (s *State) Close() {
	s.transition.Lock()
	defer s.transition.Unlock()
	s.stopLink()
}

func (s *State) advance(epoch uint64, pos binlog.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load()
	if cur.Epoch != epoch || cur.Kind != Slave {
		return ErrStaleBinding
	}
	if cur.PositionSet && pos.Less(cur.SyncPosition) {
		return fmt.Errorf("%w: %s is behind %s", ErrInvalidSyncPosition, pos, cur.SyncPosition)
	}
	next := *cur
	next.SyncPosition = pos
	next.PositionSet = true
	s.snap.Store(&next)
	return nil
}

// publish stores a copy of cur carrying the current slaves. mu must be held.
func (s *State) publish(cur *Snapshot) {
	next := *cur
	next.Slaves = make([]SlaveHandle, 0, len(s.slaves))
	for _, h := range s.slaves {
		next.Slaves = append(next.Slaves, h)
	}
	slices.SortFunc(next.Slaves, func(a, b SlaveHandle) int {
		return cmp.Compare(a.ConnID, b.ConnID)
	})
	s.snap.Store(&next)
}

// startLink and stopLink are called with transition held.
func (s *State) startLink(snap *Snapshot) {
	if s.newLink == nil {
		return
	}
	b := &Binding{Epoch: snap.Epoch, Master: snap.Master, state: s}
	if snap.PositionSet {
		pos := snap.SyncPosition
		b.Resume = &pos
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &runningLink{cancel: cancel, done: make(chan struct{})}
	s.link = l
	go func() {
		defer close(l.done)
		s.newLink(ctx, b)
	}()
}

func (s *State) stopLink() {
	if s.link == nil {
		return
	}
	s.link.cancel()
	<-s.link.done
	s.link = nil
}

// Copyright 2024 Outreach Corporation. All Rights Reserved.

// Description: the slave side of a replication link.

package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/awinterman/anarchokv/binlog"
	"github.com/awinterman/anarchokv/protocol"
)

const (
	fullResyncVerb = "FULLRESYNC"
	continueVerb   = "CONTINUE"
)

var ErrBadSyncReply = errors.New("bad sync reply")

// FormatSyncReply renders a decision as the status line TRYSYNC answers with.
func FormatSyncReply(d SyncDecision) string {
	verb := fullResyncVerb
	if d.Mode == PartialResync {
		verb = continueVerb
	}
	return fmt.Sprintf("%s %d %d", verb, d.From.Segment, d.From.Offset)
}

// ParseSyncReply is the inverse of FormatSyncReply.
func ParseSyncReply(reply string) (SyncDecision, error) {
	fields := strings.Fields(reply)
	if len(fields) != 3 {
		return SyncDecision{}, fmt.Errorf("%w: %q", ErrBadSyncReply, reply)
	}

	var d SyncDecision
	switch strings.ToUpper(fields[0]) {
	case fullResyncVerb:
		d.Mode = FullResync
	case continueVerb:
		d.Mode = PartialResync
	default:
		return SyncDecision{}, fmt.Errorf("%w: %q", ErrBadSyncReply, reply)
	}

	seg, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return SyncDecision{}, fmt.Errorf("%w: segment: %w", ErrBadSyncReply, err)
	}
	off, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return SyncDecision{}, fmt.Errorf("%w: offset: %w", ErrBadSyncReply, err)
	}
	d.From = binlog.Position{Segment: uint32(seg), Offset: off}
	return d, nil
}

// DefaultBatch is how many records or keys a link asks for at a time.
const DefaultBatch = 128

// Linker connects a slave to its master. Run is meant to be passed to
// WithLink.
type Linker struct {
	// Self is the endpoint the master should know this node by.
	Self Endpoint
	// Password is sent as AUTH when the master requires one.
	Password string
	// Apply executes a record from the master's log against this node. It
	// must be set.
	Apply func(ctx context.Context, record []byte) error
	// Heartbeat is the interval between polls once the slave has caught up.
	Heartbeat time.Duration
	// Retry is how long to wait before reconnecting after a failure.
	Retry  time.Duration
	Batch  int
	Logger *slog.Logger
}

// Run negotiates a sync with b.Master and streams its log until ctx is
// cancelled or the role it was started for is replaced.
func (l *Linker) Run(ctx context.Context, b *Binding) {
	log := l.Logger
	if log == nil {
		log = slog.With("comp", "link")
	}
	log = log.With("master", b.Master.String(), "epoch", b.Epoch)

	client := redis.NewClient(&redis.Options{
		Addr:       b.Master.String(),
		Password:   l.Password,
		Protocol:   2,
		PoolSize:   1,
		MaxRetries: -1,
	})
	defer client.Close()

	resume := b.Resume
	for ctx.Err() == nil {
		pos, err := l.session(ctx, log, client, b, resume)
		if pos != nil {
			resume = pos
		}
		switch {
		case ctx.Err() != nil:
			log.Info("replication link stopped")
			return
		case errors.Is(err, ErrStaleBinding):
			log.Info("replication link superseded")
			return
		}
		log.Warn("replication link failed; retrying", "error", err, "retry", l.retry())

		select {
		case <-ctx.Done():
		case <-time.After(l.retry()):
		}
	}
}

// session runs one TRYSYNC and then pulls records until something fails.
// It returns the position reached, if the sync got that far.
func (l *Linker) session(
	ctx context.Context,
	log *slog.Logger,
	client *redis.Client,
	b *Binding,
	resume *binlog.Position,
) (*binlog.Position, error) {
	args := []any{"trysync", NormalizeHost(l.Self.Host), strconv.Itoa(l.Self.Port)}
	if resume != nil {
		args = append(args, strconv.FormatUint(uint64(resume.Segment), 10), strconv.FormatUint(resume.Offset, 10))
	}

	reply, err := client.Do(ctx, args...).Text()
	if err != nil {
		return nil, fmt.Errorf("trysync: %w", err)
	}
	d, err := ParseSyncReply(reply)
	if err != nil {
		return nil, err
	}
	if d.Mode == FullResync {
		keys, err := l.loadSnapshot(ctx, client)
		if err != nil {
			return nil, fmt.Errorf("full resync: %w", err)
		}
		log.Info("loaded snapshot", "keys", keys)
	}
	if err := b.Advance(d.From); err != nil {
		return nil, err
	}
	log.Info("synced with master", "mode", d.Mode.String(), "from", d.From.String())

	pos := d.From
	ticker := time.NewTicker(l.heartbeat())
	defer ticker.Stop()
	for {
		n, err := l.pull(ctx, client, b, &pos)
		if err != nil {
			return &pos, err
		}
		if n == l.batch() {
			continue
		}
		select {
		case <-ctx.Done():
			return &pos, ctx.Err()
		case <-ticker.C:
		}
	}
}

// pull asks for the records after pos, applies them and moves pos past
// each one. Asking also acknowledges pos to the master.
func (l *Linker) pull(ctx context.Context, client *redis.Client, b *Binding, pos *binlog.Position) (int, error) {
	entries, err := client.Do(ctx, "binlogsync",
		strconv.FormatUint(uint64(pos.Segment), 10), strconv.FormatUint(pos.Offset, 10), l.batch()).Slice()
	if err != nil {
		return 0, fmt.Errorf("binlogsync: %w", err)
	}

	for i, e := range entries {
		at, record, err := parseEntry(e)
		if err != nil {
			return i, err
		}
		if err := l.Apply(ctx, record); err != nil {
			return i, fmt.Errorf("applying %s: %w", at, err)
		}
		next := binlog.Position{Segment: at.Segment, Offset: at.Offset + uint64(len(record))}
		if err := b.Advance(next); err != nil {
			return i, err
		}
		*pos = next
	}
	return len(entries), nil
}

// loadSnapshot replaces this node's data with the master's, one page of
// keys at a time.
func (l *Linker) loadSnapshot(ctx context.Context, client *redis.Client) (int, error) {
	if err := l.Apply(ctx, protocol.AppendCommand(nil, "FLUSHALL")); err != nil {
		return 0, err
	}

	var (
		db     int64
		cursor string
		keys   int
	)
	for {
		page, err := client.Do(ctx, "syncsnapshot", db, cursor, l.batch()).Slice()
		if err != nil {
			return keys, fmt.Errorf("syncsnapshot: %w", err)
		}
		if len(page) != 3 {
			return keys, fmt.Errorf("%w: snapshot page of %d elements", ErrBadSyncReply, len(page))
		}
		nextDB, ok1 := page[0].(int64)
		nextCursor, ok2 := page[1].(string)
		pairs, ok3 := page[2].([]any)
		if !ok1 || !ok2 || !ok3 || len(pairs)%2 != 0 {
			return keys, fmt.Errorf("%w: malformed snapshot page", ErrBadSyncReply)
		}

		if len(pairs) > 0 {
			record := protocol.AppendCommand(nil, "SELECT", strconv.FormatInt(db, 10))
			for i := 0; i < len(pairs); i += 2 {
				k, ok1 := pairs[i].(string)
				v, ok2 := pairs[i+1].(string)
				if !ok1 || !ok2 {
					return keys, fmt.Errorf("%w: malformed snapshot entry", ErrBadSyncReply)
				}
				record = protocol.AppendCommand(record, "SET", k, v)
			}
			if err := l.Apply(ctx, record); err != nil {
				return keys, err
			}
			keys += len(pairs) / 2
		}

		if nextDB < 0 {
			return keys, nil
		}
		db, cursor = nextDB, nextCursor
	}
}

func parseEntry(e any) (binlog.Position, []byte, error) {
	fields, ok := e.([]any)
	if !ok || len(fields) != 2 {
		return binlog.Position{}, nil, fmt.Errorf("%w: malformed binlog entry", ErrBadSyncReply)
	}
	at, ok1 := fields[0].(string)
	record, ok2 := fields[1].(string)
	if !ok1 || !ok2 {
		return binlog.Position{}, nil, fmt.Errorf("%w: malformed binlog entry", ErrBadSyncReply)
	}
	pos, err := binlog.ParsePosition(at)
	if err != nil {
		return binlog.Position{}, nil, err
	}
	return pos, []byte(record), nil
}

func (l *Linker) heartbeat() time.Duration {
	if l.Heartbeat <= 0 {
		return time.Second
	}
	return l.Heartbeat
}

func (l *Linker) retry() time.Duration {
	if l.Retry <= 0 {
		return time.Second
	}
	return l.Retry
}

func (l *Linker) batch() int {
	if l.Batch <= 0 {
		return DefaultBatch
	}
	return l.Batch
}

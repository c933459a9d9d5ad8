package builtin

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/awinterman/anarchokv/binlog"
	"github.com/awinterman/anarchokv/command"
	"github.com/awinterman/anarchokv/protocol"
	"github.com/awinterman/anarchokv/replication"
)

// slaveOf is SLAVEOF host port [segment offset] | SLAVEOF no one.
type slaveOf struct {
	deps *Deps

	noOne  bool
	master replication.Endpoint
	resume *binlog.Position
}

func (c *slaveOf) Validate(args []string) error {
	switch len(args) {
	case 1:
		if !strings.EqualFold(strings.TrimSpace(args[0]), replication.NoOne) {
			return command.Malformed("master", args[0], errors.New(`want host and port or "no one"`))
		}
		c.noOne = true
		return nil
	case 2:
		if strings.EqualFold(args[0], "no") && strings.EqualFold(args[1], "one") {
			c.noOne = true
			return nil
		}
		ep, err := parseEndpoint(args[0], args[1])
		if err != nil {
			return err
		}
		c.master = ep
		return nil
	case 4:
		ep, err := parseEndpoint(args[0], args[1])
		if err != nil {
			return err
		}
		pos, err := parsePosition(args[2], args[3])
		if err != nil {
			return err
		}
		c.master = ep
		c.resume = &pos
		return nil
	default:
		return fmt.Errorf("%w: got %d", command.ErrArity, len(args))
	}
}

func (c *slaveOf) Execute(_ context.Context, _ *command.Client) (protocol.Message, error) {
	if c.noOne {
		if err := c.deps.Replication.BecomeSlaveOf(replication.NoOne, 0, nil); err != nil {
			return protocol.Message{}, err
		}
		return protocol.OK(), nil
	}

	self := replication.Endpoint{Host: replication.NormalizeHost(c.deps.Self.Host), Port: c.deps.Self.Port}
	if c.master == self {
		return protocol.Message{}, fmt.Errorf("%w: %s is this node", replication.ErrRoleConflict, c.master)
	}
	if err := c.deps.Replication.BecomeSlaveOf(c.master.Host, c.master.Port, c.resume); err != nil {
		return protocol.Message{}, err
	}
	return protocol.OK(), nil
}

func (c *slaveOf) Reset() {
	*c = slaveOf{deps: c.deps}
}

// trySync is TRYSYNC host port [segment offset], sent by a slave to its
// master.
type trySync struct {
	deps *Deps

	slave    replication.Endpoint
	position *binlog.Position
}

func (c *trySync) Validate(args []string) error {
	if len(args) != 2 && len(args) != 4 {
		return fmt.Errorf("%w: got %d", command.ErrArity, len(args))
	}
	ep, err := parseEndpoint(args[0], args[1])
	if err != nil {
		return err
	}
	c.slave = ep
	if len(args) == 4 {
		pos, err := parsePosition(args[2], args[3])
		if err != nil {
			return err
		}
		c.position = &pos
	}
	return nil
}

func (c *trySync) Execute(_ context.Context, client *command.Client) (protocol.Message, error) {
	d, err := c.deps.Replication.NegotiateSync(replication.SyncRequest{
		Slave:    c.slave,
		ConnID:   client.ID,
		Position: c.position,
	}, c.deps.Binlog.Range)
	if err != nil {
		return protocol.Message{}, err
	}
	return protocol.NewSimpleString(replication.FormatSyncReply(d)), nil
}

func (c *trySync) Reset() {
	*c = trySync{deps: c.deps}
}

// binlogSync is BINLOGSYNC segment offset [count], sent by an attached
// slave to acknowledge the position it has applied up to and fetch the
// records after it.
type binlogSync struct {
	deps *Deps

	from  binlog.Position
	count int
}

func (c *binlogSync) Validate(args []string) error {
	if len(args) != 2 && len(args) != 3 {
		return fmt.Errorf("%w: got %d", command.ErrArity, len(args))
	}
	pos, err := parsePosition(args[0], args[1])
	if err != nil {
		return err
	}
	c.from = pos
	c.count = replication.DefaultBatch
	if len(args) == 3 {
		c.count, err = parseCount(args[2])
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *binlogSync) Execute(ctx context.Context, client *command.Client) (protocol.Message, error) {
	if err := c.deps.Replication.Acknowledge(client.ID, c.from); err != nil {
		return protocol.Message{}, err
	}

	entries := make([]protocol.Message, 0, c.count)
	err := c.deps.Binlog.ReadFrom(ctx, c.from, func(pos binlog.Position, record []byte) error {
		if len(entries) == c.count {
			return errPageFull
		}
		entries = append(entries, protocol.NewArray(
			protocol.NewBulkString(pos.String()),
			protocol.NewBulkString(string(record)),
		))
		return nil
	})
	if err != nil && !errors.Is(err, errPageFull) {
		return protocol.Message{}, err
	}
	return protocol.NewArray(entries...), nil
}

func (c *binlogSync) Reset() {
	*c = binlogSync{deps: c.deps}
}

// syncSnapshot is SYNCSNAPSHOT db cursor count. It answers with the next db
// and cursor to ask for, -1 once every database has been read, and a flat
// list of keys and values.
type syncSnapshot struct {
	deps *Deps

	db     int
	cursor string
	count  int
}

func (c *syncSnapshot) Validate(args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("%w: got %d", command.ErrArity, len(args))
	}
	db, err := strconv.Atoi(args[0])
	if err != nil {
		return command.Malformed("db", args[0], err)
	}
	if db < 0 || db >= c.deps.Databases {
		return command.Malformed("db", args[0], fmt.Errorf("want 0..%d", c.deps.Databases-1))
	}
	c.count, err = parseCount(args[2])
	if err != nil {
		return err
	}
	c.db, c.cursor = db, args[1]
	return nil
}

func (c *syncSnapshot) Execute(_ context.Context, client *command.Client) (protocol.Message, error) {
	if _, ok := c.deps.Replication.Attached(client.ID); !ok {
		return protocol.Message{}, fmt.Errorf("%w: connection %d", replication.ErrNotAttached, client.ID)
	}

	pairs := make([]protocol.Message, 0, 2*c.count)
	next := ""
	err := c.deps.Store.Scan(c.db, c.cursor, func(key string, val []byte) error {
		if len(pairs) == 2*c.count {
			next = key
			return errPageFull
		}
		pairs = append(pairs, protocol.NewBulkString(key), protocol.NewBulkString(string(val)))
		return nil
	})
	if err != nil && !errors.Is(err, errPageFull) {
		return protocol.Message{}, err
	}

	nextDB := int64(c.db)
	if next == "" {
		nextDB++
		if nextDB >= int64(c.deps.Databases) {
			nextDB = -1
		}
	}
	return protocol.NewArray(protocol.NewInt(nextDB), protocol.NewBulkString(next), protocol.NewArray(pairs...)), nil
}

func (c *syncSnapshot) Reset() {
	*c = syncSnapshot{deps: c.deps}
}

// errPageFull stops a scan once a reply holds as much as was asked for.
var errPageFull = errors.New("page full")

func parseCount(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, command.Malformed("count", s, err)
	}
	if n < 1 || n > 10000 {
		return 0, command.Malformed("count", s, errors.New("want 1..10000"))
	}
	return n, nil
}

func parseEndpoint(host, port string) (replication.Endpoint, error) {
	if strings.TrimSpace(host) == "" {
		return replication.Endpoint{}, command.Malformed("host", host, nil)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return replication.Endpoint{}, command.Malformed("port", port, err)
	}
	if p < 1 || p > 65535 {
		return replication.Endpoint{}, command.Malformed("port", port, errors.New("out of range"))
	}
	return replication.Endpoint{Host: replication.NormalizeHost(host), Port: p}, nil
}

func parsePosition(segment, offset string) (binlog.Position, error) {
	s, err := strconv.ParseUint(segment, 10, 32)
	if err != nil {
		return binlog.Position{}, command.Malformed("segment", segment, err)
	}
	o, err := strconv.ParseUint(offset, 10, 64)
	if err != nil {
		return binlog.Position{}, command.Malformed("offset", offset, err)
	}
	return binlog.Position{Segment: uint32(s), Offset: o}, nil
}

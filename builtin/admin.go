package builtin

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/awinterman/anarchokv/command"
	"github.com/awinterman/anarchokv/protocol"
)

var (
	ErrNoPassword      = errors.New("client sent AUTH, but no password is set")
	ErrInvalidPassword = errors.New("invalid password")
)

type auth struct {
	deps     *Deps
	password string
}

func (c *auth) Validate(args []string) error {
	if err := exactly(args, 1); err != nil {
		return err
	}
	c.password = args[0]
	return nil
}

func (c *auth) Execute(_ context.Context, client *command.Client) (protocol.Message, error) {
	switch {
	case c.deps.AdminPass == "" && c.deps.UserPass == "":
		return protocol.Message{}, ErrNoPassword
	case c.deps.AdminPass != "" && c.password == c.deps.AdminPass:
		client.Authenticate(command.FlagsAll)
	case c.deps.UserPass != "" && c.password == c.deps.UserPass:
		client.Authenticate(command.FlagRead | command.FlagWrite)
	default:
		return protocol.Message{}, ErrInvalidPassword
	}
	return protocol.OK(), nil
}

func (c *auth) Reset() {
	*c = auth{deps: c.deps}
}

type ping struct {
	msg *string
}

func (c *ping) Validate(args []string) error {
	if len(args) == 1 {
		c.msg = &args[0]
	}
	return nil
}

func (c *ping) Execute(context.Context, *command.Client) (protocol.Message, error) {
	if c.msg != nil {
		return protocol.NewBulkString(*c.msg), nil
	}
	return protocol.NewSimpleString("PONG"), nil
}

func (c *ping) Reset() {
	*c = ping{}
}

type echo struct {
	msg string
}

func (c *echo) Validate(args []string) error {
	if err := exactly(args, 1); err != nil {
		return err
	}
	c.msg = args[0]
	return nil
}

func (c *echo) Execute(context.Context, *command.Client) (protocol.Message, error) {
	return protocol.NewBulkString(c.msg), nil
}

func (c *echo) Reset() {
	*c = echo{}
}

type selectDB struct {
	deps *Deps
	db   int
}

func (c *selectDB) Validate(args []string) error {
	if err := exactly(args, 1); err != nil {
		return err
	}
	db, err := strconv.Atoi(args[0])
	if err != nil {
		return command.Malformed("db", args[0], err)
	}
	if db < 0 || db >= c.deps.Databases {
		return command.Malformed("db", args[0], fmt.Errorf("want 0..%d", c.deps.Databases-1))
	}
	c.db = db
	return nil
}

func (c *selectDB) Execute(_ context.Context, client *command.Client) (protocol.Message, error) {
	client.Select(c.db)
	return protocol.OK(), nil
}

func (c *selectDB) Reset() {
	*c = selectDB{deps: c.deps}
}

// info only knows the replication section.
type info struct {
	deps    *Deps
	section string
}

func (c *info) Validate(args []string) error {
	if len(args) == 1 {
		c.section = strings.ToLower(args[0])
	}
	switch c.section {
	case "", "all", "replication":
		return nil
	default:
		return command.Malformed("section", args[0], nil)
	}
}

func (c *info) Execute(context.Context, *command.Client) (protocol.Message, error) {
	return protocol.NewBulkString(c.deps.Replication.Snapshot().Info()), nil
}

func (c *info) Reset() {
	*c = info{deps: c.deps}
}

type timeCmd struct{}

func (c *timeCmd) Validate([]string) error { return nil }

func (c *timeCmd) Execute(context.Context, *command.Client) (protocol.Message, error) {
	now := time.Now()
	return protocol.NewArray(
		protocol.NewBulkString(strconv.FormatInt(now.Unix(), 10)),
		protocol.NewBulkString(strconv.Itoa(now.Nanosecond()/int(time.Microsecond))),
	), nil
}

func (c *timeCmd) Reset() {}

type dbSize struct {
	deps *Deps
}

func (c *dbSize) Validate([]string) error { return nil }

func (c *dbSize) Execute(_ context.Context, client *command.Client) (protocol.Message, error) {
	n, err := c.deps.Store.Size(client.DB())
	if err != nil {
		return protocol.Message{}, err
	}
	return protocol.NewInt(n), nil
}

func (c *dbSize) Reset() {}

type flushAll struct {
	deps *Deps
}

func (c *flushAll) Validate([]string) error { return nil }

func (c *flushAll) Execute(ctx context.Context, client *command.Client) (protocol.Message, error) {
	if err := c.deps.Store.FlushAll(); err != nil {
		return protocol.Message{}, err
	}
	if err := c.deps.record(ctx, client.DB(), "FLUSHALL"); err != nil {
		return protocol.Message{}, err
	}
	return protocol.OK(), nil
}

func (c *flushAll) Reset() {}

type flushDB struct {
	deps *Deps
}

func (c *flushDB) Validate([]string) error { return nil }

func (c *flushDB) Execute(ctx context.Context, client *command.Client) (protocol.Message, error) {
	if err := c.deps.Store.Flush(client.DB()); err != nil {
		return protocol.Message{}, err
	}
	if err := c.deps.record(ctx, client.DB(), "FLUSHDB"); err != nil {
		return protocol.Message{}, err
	}
	return protocol.OK(), nil
}

func (c *flushDB) Reset() {}

type compact struct {
	deps *Deps
}

func (c *compact) Validate([]string) error { return nil }

func (c *compact) Execute(context.Context, *command.Client) (protocol.Message, error) {
	if err := c.deps.Store.Compact(); err != nil {
		return protocol.Message{}, err
	}
	return protocol.OK(), nil
}

func (c *compact) Reset() {}

// purgeLogsTo is PURGELOGSTO N, or PURGELOGSTO write2fileN.
type purgeLogsTo struct {
	deps    *Deps
	segment uint32
}

func (c *purgeLogsTo) Validate(args []string) error {
	if err := exactly(args, 1); err != nil {
		return err
	}
	s := strings.TrimPrefix(strings.ToLower(args[0]), "write2file")
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return command.Malformed("segment", args[0], err)
	}
	c.segment = uint32(n)
	return nil
}

func (c *purgeLogsTo) Execute(context.Context, *command.Client) (protocol.Message, error) {
	if err := c.deps.Replication.PurgeLogs(c.segment, c.deps.Binlog.PurgeTo); err != nil {
		return protocol.Message{}, err
	}
	return protocol.OK(), nil
}

func (c *purgeLogsTo) Reset() {
	*c = purgeLogsTo{deps: c.deps}
}

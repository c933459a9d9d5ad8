// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description: the server's command set and the collaborators it runs
// against.

// Package builtin holds one command.Command implementation per server
// command. Instances keep a pointer to the shared Deps and nothing else
// between invocations.
package builtin

import (
	"context"
	"fmt"
	"strconv"

	"github.com/awinterman/anarchokv/binlog"
	"github.com/awinterman/anarchokv/command"
	"github.com/awinterman/anarchokv/protocol"
	"github.com/awinterman/anarchokv/replication"
)

// Keyspace is the storage the data commands act on. storage.Store
// implements it.
type Keyspace interface {
	Get(db int, key string) ([]byte, error)
	Set(db int, key string, val []byte) error
	Delete(db int, keys ...string) (int, error)
	Scan(db int, from string, fn func(key string, val []byte) error) error
	Size(db int) (int64, error)
	Flush(db int) error
	FlushAll() error
	Compact() error
}

// Binlog is the replication log writes are recorded in. binlog.Log
// implements it.
type Binlog interface {
	Append(ctx context.Context, record []byte) (binlog.Position, error)
	Range() binlog.Range
	ReadFrom(ctx context.Context, from binlog.Position, fn func(binlog.Position, []byte) error) error
	PurgeTo(segment uint32) error
}

type Deps struct {
	Store       Keyspace
	Binlog      Binlog
	Replication *replication.State

	// AdminPass grants every permission, UserPass read and write.
	AdminPass string
	UserPass  string

	// Self is the address this node is known by, used to refuse SLAVEOF
	// pointing at itself.
	Self      replication.Endpoint
	Databases int
}

// InitialPermissions is what a connection may do before it authenticates.
func (d *Deps) InitialPermissions() command.Flags {
	switch {
	case d.AdminPass == "":
		return command.FlagsAll
	case d.UserPass == "":
		return command.FlagRead | command.FlagWrite
	default:
		return command.FlagsNone
	}
}

// Descriptors lists every builtin command.
func Descriptors(d *Deps) []command.Descriptor {
	return []command.Descriptor{
		{Name: "slaveof", Arity: command.OneOf(1, 2, 4), Flags: command.FlagAdmin, New: func() command.Command {
			return &slaveOf{deps: d}
		}},
		{Name: "trysync", Arity: command.OneOf(2, 4), Flags: command.FlagAdmin, New: func() command.Command {
			return &trySync{deps: d}
		}},
		{Name: "binlogsync", Arity: command.Between(2, 3), Flags: command.FlagAdmin, New: func() command.Command {
			return &binlogSync{deps: d}
		}},
		{Name: "syncsnapshot", Arity: command.Exactly(3), Flags: command.FlagAdmin, New: func() command.Command {
			return &syncSnapshot{deps: d}
		}},
		{Name: "auth", Arity: command.Exactly(1), Flags: command.FlagsNone, New: func() command.Command {
			return &auth{deps: d}
		}},
		{Name: "ping", Arity: command.Between(0, 1), Flags: command.FlagRead, New: func() command.Command {
			return &ping{}
		}},
		{Name: "echo", Arity: command.Exactly(1), Flags: command.FlagRead, New: func() command.Command {
			return &echo{}
		}},
		{Name: "select", Arity: command.Exactly(1), Flags: command.FlagRead, New: func() command.Command {
			return &selectDB{deps: d}
		}},
		{Name: "info", Arity: command.Between(0, 1), Flags: command.FlagRead, New: func() command.Command {
			return &info{deps: d}
		}},
		{Name: "time", Arity: command.Exactly(0), Flags: command.FlagRead, New: func() command.Command {
			return &timeCmd{}
		}},
		{Name: "dbsize", Arity: command.Exactly(0), Flags: command.FlagRead, New: func() command.Command {
			return &dbSize{deps: d}
		}},
		{Name: "flushall", Arity: command.Exactly(0), Flags: command.FlagWrite | command.FlagAdmin, New: func() command.Command {
			return &flushAll{deps: d}
		}},
		{Name: "flushdb", Arity: command.Exactly(0), Flags: command.FlagWrite | command.FlagAdmin, New: func() command.Command {
			return &flushDB{deps: d}
		}},
		{Name: "compact", Arity: command.Exactly(0), Flags: command.FlagAdmin, New: func() command.Command {
			return &compact{deps: d}
		}},
		{Name: "purgelogsto", Arity: command.Exactly(1), Flags: command.FlagAdmin, New: func() command.Command {
			return &purgeLogsTo{deps: d}
		}},
		{Name: "get", Arity: command.Exactly(1), Flags: command.FlagRead, New: func() command.Command {
			return &get{deps: d}
		}},
		{Name: "set", Arity: command.Exactly(2), Flags: command.FlagWrite, New: func() command.Command {
			return &set{deps: d}
		}},
		{Name: "del", Arity: command.AtLeast(1), Flags: command.FlagWrite, New: func() command.Command {
			return &del{deps: d}
		}},
	}
}

// NewTable builds the command table of a server.
func NewTable(d *Deps) (*command.Table, error) {
	return command.NewTable(Descriptors(d)...)
}

// record appends a write to the binlog, prefixed with the database it
// applies to. Writes are recorded after they have been applied, so the log
// never holds a write the keyspace refused.
func (d *Deps) record(ctx context.Context, db int, args ...string) error {
	rec := protocol.AppendCommand(nil, "SELECT", strconv.Itoa(db))
	rec = protocol.AppendCommand(rec, args...)
	if _, err := d.Binlog.Append(ctx, rec); err != nil {
		return fmt.Errorf("binlog: %w", err)
	}
	return nil
}

// exactly fails unless Validate got n arguments.
func exactly(args []string, n int) error {
	if len(args) != n {
		return fmt.Errorf("%w: got %d, want %d", command.ErrArity, len(args), n)
	}
	return nil
}

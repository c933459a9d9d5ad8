// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description: the contract every server command implements, and the
// per-connection session commands run against.

// Package command:
package command

import (
	"context"

	"github.com/awinterman/anarchokv/protocol"
)

// Command is one server operation. An instance is reused across
// invocations: Validate fills its fields from the raw arguments, Execute
// acts on them, and Reset returns it to its zero state.
type Command interface {
	// Validate parses args into the instance. It must not touch shared state.
	Validate(args []string) error

	// Execute performs the operation on behalf of the client.
	Execute(ctx context.Context, c *Client) (protocol.Message, error)

	// Reset clears every per-invocation field. It is safe to call any
	// number of times, whatever happened before.
	Reset()
}

// Descriptor is the immutable table entry for a command.
type Descriptor struct {
	// Name is the lower-case command name.
	Name  string
	Arity Arity
	// Flags are the capabilities a client needs to run the command.
	Flags Flags
	// New returns a fresh instance in its reset state.
	New func() Command
}

// Client is the session of one connection. It is only used by the
// goroutine serving that connection.
type Client struct {
	ID   uint64
	Addr string
	// Master is set on the session a slave applies its master's log through.
	Master bool

	perms Flags
	db    int
}

func NewClient(id uint64, addr string, perms Flags) *Client {
	return &Client{ID: id, Addr: addr, perms: perms}
}

func (c *Client) Permissions() Flags {
	return c.perms
}

// Authenticate replaces the client's permissions.
func (c *Client) Authenticate(perms Flags) {
	c.perms = perms
}

// DB is the selected database index.
func (c *Client) DB() int {
	return c.db
}

func (c *Client) Select(db int) {
	c.db = db
}

// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package command:
package command

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/awinterman/anarchokv/protocol"
	"github.com/jackc/puddle/v2"
)

// DefaultPoolSize bounds the instances kept per command.
const DefaultPoolSize = 64

// Policy may veto a resolved, authorized command before it is validated.
// When it admits the command it may return a release func, which the
// executor calls once Execute has returned; whatever the policy checked
// can be held until then.
type Policy func(ctx context.Context, d *Descriptor, c *Client) (release func(), err error)

type ExecutorOption func(*Executor)

// WithPoolSize sets how many instances of each command may be in use at once.
func WithPoolSize(n int32) ExecutorOption {
	return func(e *Executor) {
		e.poolSize = n
	}
}

func WithPolicy(p Policy) ExecutorOption {
	return func(e *Executor) {
		e.policy = p
	}
}

func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.log = l
	}
}

// Executor runs commands from a Table, recycling instances through one pool
// per command.
type Executor struct {
	table    *Table
	pools    map[string]*puddle.Pool[Command]
	poolSize int32
	policy   Policy
	metrics  *Metrics
	log      *slog.Logger
}

func NewExecutor(table *Table, opts ...ExecutorOption) (*Executor, error) {
	e := &Executor{
		table:    table,
		pools:    make(map[string]*puddle.Pool[Command]),
		poolSize: DefaultPoolSize,
		log:      slog.With("comp", "executor"),
	}
	for _, opt := range opts {
		opt(e)
	}

	for _, name := range table.Names() {
		d, _ := table.Resolve(name)
		pool, err := puddle.NewPool(&puddle.Config[Command]{
			Constructor: func(context.Context) (Command, error) {
				return d.New(), nil
			},
			Destructor: func(Command) {},
			MaxSize:    e.poolSize,
		})
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("pool for %q: %w", name, err)
		}
		e.pools[name] = pool
	}
	return e, nil
}

// Close releases every pooled instance.
func (e *Executor) Close() {
	for _, p := range e.pools {
		p.Close()
	}
}

// Resolve looks a command up in the executor's table.
func (e *Executor) Resolve(name string) (*Descriptor, error) {
	return e.table.Resolve(name)
}

// Dispatch runs one invocation of the named command: resolve, authorize,
// check arity, validate, execute. The instance is reset before it goes back
// to the pool whether or not any step failed.
func (e *Executor) Dispatch(ctx context.Context, name string, args []string, c *Client) (_ protocol.Message, err error) {
	start := time.Now()
	defer func() {
		e.metrics.observe(protocol.Normalize(name), start, err)
	}()

	d, err := e.table.Resolve(name)
	if err != nil {
		return protocol.Message{}, &Error{Command: protocol.Normalize(name), Phase: PhaseResolve, Err: err}
	}

	if missing := d.Flags &^ c.Permissions(); missing != 0 {
		return protocol.Message{}, &Error{
			Command: d.Name,
			Phase:   PhaseAuthorize,
			Err:     fmt.Errorf("%w: requires %s", ErrPermissionDenied, missing),
		}
	}

	if !d.Arity.Accepts(len(args)) {
		return protocol.Message{}, &Error{
			Command: d.Name,
			Phase:   PhaseValidate,
			Err:     fmt.Errorf("%w: got %d, want %s", ErrArity, len(args), d.Arity),
		}
	}

	if e.policy != nil {
		release, err := e.policy(ctx, d, c)
		if err != nil {
			return protocol.Message{}, &Error{Command: d.Name, Phase: PhaseAuthorize, Err: err}
		}
		if release != nil {
			defer release()
		}
	}

	res, err := e.pools[d.Name].Acquire(ctx)
	if err != nil {
		return protocol.Message{}, &Error{Command: d.Name, Phase: PhaseExecute, Err: err}
	}
	cmd := res.Value()
	defer func() {
		cmd.Reset()
		res.Release()
	}()

	if err := cmd.Validate(args); err != nil {
		return protocol.Message{}, &Error{Command: d.Name, Phase: PhaseValidate, Err: err}
	}

	reply, err := cmd.Execute(ctx, c)
	if err != nil {
		e.log.Debug("command failed", "cmd", d.Name, "client", c.ID, "error", err)
		return protocol.Message{}, &Error{Command: d.Name, Phase: PhaseExecute, Err: err}
	}
	return reply, nil
}

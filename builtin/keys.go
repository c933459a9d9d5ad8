package builtin

import (
	"context"
	"errors"
	"fmt"

	"github.com/awinterman/anarchokv/command"
	"github.com/awinterman/anarchokv/protocol"
	"github.com/awinterman/anarchokv/storage"
)

type get struct {
	deps *Deps
	key  string
}

func (c *get) Validate(args []string) error {
	if err := exactly(args, 1); err != nil {
		return err
	}
	c.key = args[0]
	return nil
}

func (c *get) Execute(_ context.Context, client *command.Client) (protocol.Message, error) {
	val, err := c.deps.Store.Get(client.DB(), c.key)
	if errors.Is(err, storage.ErrNotFound) {
		return protocol.NewNull(), nil
	}
	if err != nil {
		return protocol.Message{}, err
	}
	return protocol.NewBulkString(string(val)), nil
}

func (c *get) Reset() {
	*c = get{deps: c.deps}
}

type set struct {
	deps       *Deps
	key, value string
}

func (c *set) Validate(args []string) error {
	if err := exactly(args, 2); err != nil {
		return err
	}
	c.key, c.value = args[0], args[1]
	return nil
}

func (c *set) Execute(ctx context.Context, client *command.Client) (protocol.Message, error) {
	if err := c.deps.Store.Set(client.DB(), c.key, []byte(c.value)); err != nil {
		return protocol.Message{}, err
	}
	if err := c.deps.record(ctx, client.DB(), "SET", c.key, c.value); err != nil {
		return protocol.Message{}, err
	}
	return protocol.OK(), nil
}

func (c *set) Reset() {
	*c = set{deps: c.deps}
}

type del struct {
	deps *Deps
	keys []string
}

func (c *del) Validate(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: got 0", command.ErrArity)
	}
	c.keys = append(c.keys, args...)
	return nil
}

func (c *del) Execute(ctx context.Context, client *command.Client) (protocol.Message, error) {
	n, err := c.deps.Store.Delete(client.DB(), c.keys...)
	if err != nil {
		return protocol.Message{}, err
	}
	if err := c.deps.record(ctx, client.DB(), append([]string{"DEL"}, c.keys...)...); err != nil {
		return protocol.Message{}, err
	}
	return protocol.NewInt(int64(n)), nil
}

func (c *del) Reset() {
	*c = del{deps: c.deps}
}

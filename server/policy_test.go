package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/awinterman/anarchokv/command"
	"github.com/awinterman/anarchokv/replication"
)

func TestReadOnlySlave(t *testing.T) {
	ctx := context.Background()
	write := &command.Descriptor{Name: "set", Flags: command.FlagWrite}
	read := &command.Descriptor{Name: "get", Flags: command.FlagRead}
	client := command.NewClient(1, "test", command.FlagsAll)

	t.Run("an admitted write holds off slaveof", func(t *testing.T) {
		is := is.New(t)
		repl := replication.New()
		t.Cleanup(repl.Close)
		policy := readOnlySlave(repl)

		release, err := policy(ctx, write, client)
		is.NoErr(err)
		is.True(release != nil)

		done := make(chan error, 1)
		go func() { done <- repl.BecomeSlaveOf("10.0.0.1", 9221, nil) }()
		select {
		case <-done:
			t.Fatal("role changed under an executing write")
		case <-time.After(50 * time.Millisecond):
		}

		release()
		is.NoErr(<-done)

		_, err = policy(ctx, write, client)
		is.True(errors.Is(err, ErrReadOnly))
	})

	t.Run("reads and the master's writes pass on a slave", func(t *testing.T) {
		is := is.New(t)
		repl := replication.New()
		t.Cleanup(repl.Close)
		is.NoErr(repl.BecomeSlaveOf("10.0.0.1", 9221, nil))
		policy := readOnlySlave(repl)

		release, err := policy(ctx, read, client)
		is.NoErr(err)
		is.True(release == nil)

		master := command.NewClient(0, "master", command.FlagsAll)
		master.Master = true
		release, err = policy(ctx, write, master)
		is.NoErr(err)
		is.True(release == nil)
	})
}

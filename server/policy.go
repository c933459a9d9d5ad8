package server

import (
	"context"

	"github.com/awinterman/anarchokv/command"
	"github.com/awinterman/anarchokv/protocol"
	"github.com/awinterman/anarchokv/replication"
)

var ErrReadOnly = protocol.NewKindError("READONLY", "You can't write against a read only slave.")

// readOnlySlave refuses writes while the node is a slave. An admitted write
// holds the role until it has executed, so SLAVEOF waits for it.
func readOnlySlave(repl *replication.State) command.Policy {
	return func(_ context.Context, d *command.Descriptor, c *command.Client) (func(), error) {
		if !d.Flags.Has(command.FlagWrite) || c.Master {
			return nil, nil
		}
		snap, release := repl.HoldRole()
		if snap.Kind == replication.Slave {
			release()
			return nil, ErrReadOnly
		}
		return release, nil
	}
}

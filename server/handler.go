package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"

	"github.com/awinterman/anarchokv/command"
	"github.com/awinterman/anarchokv/protocol"
	"github.com/awinterman/anarchokv/replication"
)

// Handler runs the command loop of a connection.
type Handler struct {
	Exec        *command.Executor
	Replication *replication.State
	// Perms is what a connection may do before AUTH.
	Perms command.Flags
	Log   *slog.Logger

	ids atomic.Uint64
}

// Serve is a ConnFunc.
func (h *Handler) Serve(ctx context.Context, nc net.Conn) error {
	id := h.ids.Add(1)
	client := command.NewClient(id, nc.RemoteAddr().String(), h.Perms)
	log := h.Log.With("conn", id, "remote", client.Addr)

	// a slave's handle lives as long as its connection
	defer h.Replication.DetachConn(id)

	stop := context.AfterFunc(ctx, func() {
		nc.Close()
	})
	defer stop()

	conn := protocol.NewConnection(nc)
	conn.Logger = log
	for {
		args, err := conn.ReadCommand()
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), ctx.Err() != nil:
			log.Debug("connection closed")
			return nil
		default:
			// the stream cannot be resynchronised after a protocol error
			_ = conn.Write(protocol.ErrorReply(err))
			_ = conn.Flush()
			return err
		}
		if len(args) == 0 {
			continue
		}

		if strings.EqualFold(args[0], "quit") {
			_ = conn.Write(protocol.OK())
			return conn.Flush()
		}

		log.Debug("command", "cmd", args[0], "args", len(args)-1)
		reply, err := h.Exec.Dispatch(ctx, args[0], args[1:], client)
		if err != nil {
			log.Debug("command refused", "cmd", args[0], "error", err)
			reply = protocol.ErrorReply(err)
		}
		if err := conn.Write(reply); err != nil {
			return err
		}
		if err := conn.Flush(); err != nil {
			return err
		}
	}
}

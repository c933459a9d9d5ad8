package server

import (
	"context"
	"log/slog"
	"net"

	"github.com/sourcegraph/conc"
)

// ConnFunc serves one connection until the client leaves or ctx is done.
type ConnFunc func(context.Context, net.Conn) error

// Server accepts connections and hands each to its ConnFunc.
type Server struct {
	l net.Listener

	connFunc ConnFunc

	log *slog.Logger
}

// Listen creates a server listening on address.
func Listen(ctx context.Context, address string, f ConnFunc) (*Server, error) {
	var lc = net.ListenConfig{}

	listener, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}

	return &Server{listener, f, slog.With("comp", "server")}, nil
}

// Addr is the address the server listens on.
func (r *Server) Addr() net.Addr {
	return r.l.Addr()
}

// Serve accepts connections until ctx is done, then waits for every
// connection to finish. A failing connection is logged and closed; it does
// not stop the server.
func (r *Server) Serve(ctx context.Context) error {
	r.log.Info("listening", "addr", r.l.Addr().String(), "network", r.l.Addr().Network())
	stop := context.AfterFunc(ctx, func() {
		r.l.Close()
	})
	defer stop()

	var wg conc.WaitGroup
	defer wg.Wait()

	for {
		conn, err := r.l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				r.log.Info("listen loop exited")
				return nil
			}
			return err
		}
		r.log.Debug("got conn", "local", conn.LocalAddr().String(), "remote", conn.RemoteAddr().String())

		wg.Go(func() {
			defer conn.Close()
			if err := r.connFunc(ctx, conn); err != nil {
				r.log.Warn("connection failed", "remote", conn.RemoteAddr().String(), "error", err)
			}
		})
	}
}

// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description: wires configuration, storage, the binlog, replication and
// the command table into a running node.

// Package server:
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/awinterman/anarchokv/binlog"
	"github.com/awinterman/anarchokv/builtin"
	"github.com/awinterman/anarchokv/command"
	"github.com/awinterman/anarchokv/kafka"
	"github.com/awinterman/anarchokv/protocol"
	"github.com/awinterman/anarchokv/replication"
	"github.com/awinterman/anarchokv/storage"
)

// Run parses args, starts a node and serves until ctx is done.
func Run(ctx context.Context, args []string) error {
	cfg, err := Parse(args)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))

	n, err := Open(ctx, cfg)
	if err != nil {
		return err
	}
	return n.Serve(ctx)
}

// Node is a listening server and everything it runs on.
type Node struct {
	Replication *replication.State
	Binlog      *binlog.Log

	db     *badger.DB
	mirror *kafka.Mirror
	exec   *command.Executor
	srv    *Server
	log    *slog.Logger

	metrics  net.Listener
	registry *prometheus.Registry
}

// Open sets up a node and starts listening. Nothing is served until Serve.
func Open(ctx context.Context, cfg *Config) (_ *Node, err error) {
	n := &Node{log: slog.With("comp", "node")}
	defer func() {
		if err != nil {
			n.close()
		}
	}()

	opts := badger.DefaultOptions(cfg.DataDir).WithLoggingLevel(badger.WARNING)
	if cfg.DataDir == "" {
		opts = opts.WithInMemory(true)
	}
	n.db, err = badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	h := &Handler{Log: slog.With("comp", "conn")}
	n.srv, err = Listen(ctx, cfg.Address, h.Serve)
	if err != nil {
		return nil, err
	}

	self, err := cfg.self()
	if err != nil {
		return nil, fmt.Errorf("advertised address: %w", err)
	}
	if cfg.Advertise == "" {
		// the listener knows the port when the configured one is 0
		if tcp, ok := n.srv.Addr().(*net.TCPAddr); ok {
			self.Port = tcp.Port
		}
	}

	var sinks []binlog.Sink
	if len(cfg.KafkaBrokers) > 0 {
		n.mirror, err = kafka.NewMirror(cfg.KafkaBrokers, "anarchokv-"+self.String(), cfg.KafkaTopic)
		if err != nil {
			return nil, fmt.Errorf("kafka: %w", err)
		}
		sinks = append(sinks, n.mirror)
	}

	n.Binlog, err = binlog.Open(n.db, binlog.Options{
		SegmentSize: cfg.BinlogSegmentSize,
		Sinks:       sinks,
		Logger:      slog.With("comp", "binlog"),
	})
	if err != nil {
		return nil, fmt.Errorf("opening binlog: %w", err)
	}

	linker := &replication.Linker{
		Self:      self,
		Password:  cfg.MasterAuth,
		Apply:     n.applier(),
		Heartbeat: cfg.ReplHeartbeat,
		Retry:     cfg.ReplRetry,
		Logger:    slog.With("comp", "link"),
	}
	n.Replication = replication.New(replication.WithLink(linker.Run))

	deps := &builtin.Deps{
		Store:       storage.Store{DB: n.db, Log: slog.With("comp", "storage"), Databases: cfg.Databases},
		Binlog:      n.Binlog,
		Replication: n.Replication,
		AdminPass:   cfg.RequirePass,
		UserPass:    cfg.UserPass,
		Self:        self,
		Databases:   cfg.Databases,
	}
	table, err := builtin.NewTable(deps)
	if err != nil {
		return nil, err
	}
	execOpts := []command.ExecutorOption{command.WithPoolSize(cfg.CommandPoolSize)}
	if cfg.SlaveReadOnly {
		execOpts = append(execOpts, command.WithPolicy(readOnlySlave(n.Replication)))
	}
	if cfg.MetricsAddress != "" {
		n.registry = prometheus.NewRegistry()
		m, err := n.registerMetrics(n.registry)
		if err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
		execOpts = append(execOpts, command.WithMetrics(m))

		var lc net.ListenConfig
		n.metrics, err = lc.Listen(ctx, "tcp", cfg.MetricsAddress)
		if err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
	}
	n.exec, err = command.NewExecutor(table, execOpts...)
	if err != nil {
		return nil, err
	}

	h.Exec = n.exec
	h.Replication = n.Replication
	h.Perms = deps.InitialPermissions()

	master, ok, err := cfg.master()
	if err != nil {
		return nil, fmt.Errorf("slaveof: %w", err)
	}
	if ok {
		if err := n.Replication.BecomeSlaveOf(master.Host, master.Port, nil); err != nil {
			return nil, err
		}
	}

	n.log.Info("node ready", "addr", n.srv.Addr().String(), "self", self.String(), "binlog", n.Binlog.Range().String())
	return n, nil
}

// applier runs records from the master's binlog through the executor, on
// a session that is exempt from the read-only rule.
func (n *Node) applier() func(context.Context, []byte) error {
	client := command.NewClient(0, "master", command.FlagsAll)
	client.Master = true
	return func(ctx context.Context, record []byte) error {
		cmds, err := protocol.ReadCommands(record)
		if err != nil {
			return err
		}
		for _, args := range cmds {
			if len(args) == 0 {
				continue
			}
			if _, err := n.exec.Dispatch(ctx, args[0], args[1:], client); err != nil {
				return err
			}
		}
		return nil
	}
}

// Addr is the address the node listens on.
func (n *Node) Addr() net.Addr {
	return n.srv.Addr()
}

// MetricsAddr is the address metrics are served on, or nil.
func (n *Node) MetricsAddr() net.Addr {
	if n.metrics == nil {
		return nil
	}
	return n.metrics.Addr()
}

// Serve runs the node until ctx is done, then releases everything. A
// cancelled ctx is a normal shutdown and returns nil.
func (n *Node) Serve(ctx context.Context) error {
	defer n.close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.srv.Serve(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		n.Replication.Close()
		return nil
	})
	if n.metrics != nil {
		g.Go(func() error {
			return serveMetrics(ctx, n.metrics, n.registry)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	n.log.Info("node stopped", "error", err)
	return err
}

func (n *Node) close() {
	if n.Replication != nil {
		n.Replication.Close()
	}
	if n.exec != nil {
		n.exec.Close()
	}
	if n.srv != nil {
		n.srv.l.Close()
	}
	if n.metrics != nil {
		n.metrics.Close()
	}
	if n.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := n.mirror.Flush(ctx); err != nil {
			n.log.Warn("flushing kafka mirror", "error", err)
		}
		cancel()
		n.mirror.Close()
	}
	if n.db != nil {
		if err := n.db.Close(); err != nil {
			n.log.Error("closing storage", "error", err)
		}
	}
}

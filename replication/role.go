// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package replication:
package replication

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/awinterman/anarchokv/binlog"
)

// NoOne is the master host that turns a slave back into a standalone node.
const NoOne = "no one"

// RoleKind is the structural role of the node. Whether a standalone node is
// acting as a master is derived from its attached slaves, see Snapshot.IsMaster.
type RoleKind int

const (
	Standalone RoleKind = iota
	Slave
)

func (k RoleKind) String() string {
	switch k {
	case Standalone:
		return "standalone"
	case Slave:
		return "slave"
	default:
		return fmt.Sprintf("RoleKind(%d)", int(k))
	}
}

// Endpoint is a host and port.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// NormalizeHost maps localhost and the empty host to the loopback address so
// an endpoint compares equal however it was spelled.
func NormalizeHost(host string) string {
	if host == "" || strings.EqualFold(host, "localhost") {
		return "127.0.0.1"
	}
	return host
}

// SlaveHandle records a slave attached to this node. It is a description of
// the connection, not the connection itself.
type SlaveHandle struct {
	Endpoint Endpoint
	ConnID   uint64
	// Position is the last position the slave acknowledged, initially the
	// one agreed during sync negotiation.
	Position binlog.Position
	Since    time.Time
}

// Snapshot is an immutable view of the replication state.
type Snapshot struct {
	Kind RoleKind

	// Master, SyncPosition and PositionSet are only meaningful for a Slave.
	Master       Endpoint
	SyncPosition binlog.Position
	PositionSet  bool

	// Slaves is sorted by connection id and must not be modified.
	Slaves []SlaveHandle

	// Epoch increases with every role transition.
	Epoch uint64
}

// IsMaster reports whether the node is standalone with slaves attached.
func (s Snapshot) IsMaster() bool {
	return s.Kind == Standalone && len(s.Slaves) > 0
}

// Info renders the replication section of INFO.
func (s Snapshot) Info() string {
	var b strings.Builder
	b.WriteString("# Replication\r\n")
	switch s.Kind {
	case Standalone:
		role := "single"
		if s.IsMaster() {
			role = "master"
		}
		fmt.Fprintf(&b, "role:%s\r\n", role)
		fmt.Fprintf(&b, "connected_slaves:%d\r\n", len(s.Slaves))
		for i, h := range s.Slaves {
			fmt.Fprintf(&b, "slave%d:ip=%s,port=%d,conn=%d,sync=%s\r\n",
				i, h.Endpoint.Host, h.Endpoint.Port, h.ConnID, h.Position)
		}
	case Slave:
		b.WriteString("role:slave\r\n")
		fmt.Fprintf(&b, "master_host:%s\r\n", s.Master.Host)
		fmt.Fprintf(&b, "master_port:%d\r\n", s.Master.Port)
		if s.PositionSet {
			fmt.Fprintf(&b, "sync_position:%s\r\n", s.SyncPosition)
		} else {
			b.WriteString("sync_position:unset\r\n")
		}
	}
	return b.String()
}

// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package protocol:
package protocol

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/tidwall/redcon"
)

func NewConnection(conn io.ReadWriter) *Conn {
	c := Conn{
		rd:     redcon.NewReader(conn),
		wr:     redcon.NewWriter(conn),
		Logger: slog.With("comp", "conn"),
	}
	return &c
}

// Conn represents a thread-safe connection that reads commands and writes replies.
type Conn struct {
	sync.Mutex
	rd     *redcon.Reader
	wr     *redcon.Writer
	Logger *slog.Logger
}

// ReadCommand locks the connection and reads the next command as its raw arguments, name first.
func (conn *Conn) ReadCommand() ([]string, error) {
	conn.Lock()
	defer conn.Unlock()
	cmd, err := conn.rd.ReadCommand()
	if err != nil {
		return nil, err
	}
	args := make([]string, len(cmd.Args))
	for i := range cmd.Args {
		args[i] = string(cmd.Args[i])
	}
	return args, nil
}

// Write buffers the provided Message; call Flush to send it.
func (conn *Conn) Write(m Message) error {
	conn.Lock()
	defer conn.Unlock()
	return write(conn.wr, m)
}

// Flush writes any buffered replies to the underlying writer.
func (conn *Conn) Flush() error {
	conn.Lock()
	defer conn.Unlock()
	return conn.wr.Flush()
}

func write(w *redcon.Writer, m Message) error {
	switch m.Kind {
	case SimpleString:
		w.WriteString(m.Str)
	case Error:
		w.WriteError(m.Str)
	case Int:
		w.WriteInt64(m.Int)
	case BulkString:
		w.WriteBulkString(m.Str)
	case Null:
		w.WriteNull()
	case Array:
		w.WriteArray(len(m.Array))
		for _, msg := range m.Array {
			if err := write(w, msg); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown indicator %q", string(m.Kind))
	}
	return nil
}

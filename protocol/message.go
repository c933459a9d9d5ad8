// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package protocol:
package protocol

import (
	"fmt"
	"strings"

	"github.com/awinterman/anarchokv/protocol/kind"
)

type Indicator = kind.Kind

const (
	End = kind.EOL

	SimpleString = kind.SimpleString
	Error        = kind.Error
	Int          = kind.Int
	BulkString   = kind.BulkString
	Array        = kind.Array
	Null         = kind.Null
)

// Message is a composite type that represents a reply in the protocol
// the Kind says which fields should be respected.
type Message struct {
	// Kind is what kind of message it is
	Kind kind.Kind

	// Str holds SimpleString, Error and BulkString bodies
	Str string
	Int int64

	Array []Message
}

func (m Message) String() string {
	return fmt.Sprintf("%s%s", string(m.Kind), m.string())
}

func (m Message) string() string {
	switch m.Kind {
	case kind.SimpleString, kind.Error, kind.BulkString:
		return m.Str
	case kind.Int:
		return fmt.Sprintf("%d", m.Int)
	case kind.Null:
		return ""
	case kind.Array:
		var s []string
		for _, msg := range m.Array {
			s = append(s, msg.String())
		}
		return strings.Join(s, " ")
	default:
		return fmt.Sprintf("Unknown %s", m.Kind)
	}
}

// IsError reports whether the message is an error reply
func (m Message) IsError() bool {
	return m.Kind == kind.Error
}

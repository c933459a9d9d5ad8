// Copyright 2024 Outreach Corporation. All Rights Reserved.

// Description:

// Package protocol:
package protocol

func NewSimpleString(s string) Message {
	return Message{Kind: SimpleString, Str: s}
}

// OK is the status reply most commands answer with.
func OK() Message {
	return NewSimpleString("OK")
}

func NewInt(i int64) Message {
	return Message{Kind: Int, Int: i}
}

func NewBulkString(s string) Message {
	return Message{Kind: BulkString, Str: s}
}

func NewNull() Message {
	return Message{Kind: Null}
}

// NewArray creates a new Message with the Kind set to Array holding the given messages.
func NewArray(messages ...Message) Message {
	return Message{Kind: Array, Array: messages}
}

// NewOutgoingCommand builds the array of bulk strings a client sends as a command.
func NewOutgoingCommand(args ...string) Message {
	ms := make([]Message, 0, len(args))
	for i := range args {
		ms = append(ms, NewBulkString(args[i]))
	}
	return NewArray(ms...)
}

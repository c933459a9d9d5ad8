// Copyright 2024 Outreach Corporation. All Rights Reserved.

// Description:

// Package protocol:
package protocol

import "errors"

// DefaultErrorKind prefixes error replies whose error carries no kind.
const DefaultErrorKind = "ERR"

// KindError is an error whose reply line starts with Kind instead of ERR.
type KindError struct {
	Kind string
	Msg  string
}

func NewKindError(kind, msg string) *KindError {
	return &KindError{Kind: kind, Msg: msg}
}

func (e *KindError) Error() string {
	return e.Msg
}

// NewError creates a new Message with the Kind set to Error and the text of the provided error.
func NewError(err error) Message {
	return Message{Kind: Error, Str: err.Error()}
}

// ErrorReply renders err as "<KIND> <message>", where the kind comes from the
// first KindError in the chain.
func ErrorReply(err error) Message {
	k := DefaultErrorKind
	var ke *KindError
	if errors.As(err, &ke) {
		k = ke.Kind
	}
	return Message{Kind: Error, Str: k + " " + err.Error()}
}

// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package binlog:
package binlog

import (
	"cmp"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrBadPosition = errors.New("bad binlog position")

// Position identifies a point in the log: a segment number and a byte
// offset inside that segment.
type Position struct {
	Segment uint32
	Offset  uint64
}

// Compare orders positions by segment, then offset.
func (p Position) Compare(o Position) int {
	if c := cmp.Compare(p.Segment, o.Segment); c != 0 {
		return c
	}
	return cmp.Compare(p.Offset, o.Offset)
}

func (p Position) Less(o Position) bool {
	return p.Compare(o) < 0
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Segment, p.Offset)
}

// ParsePosition parses the "segment:offset" form produced by String.
func ParsePosition(s string) (Position, error) {
	seg, off, ok := strings.Cut(s, ":")
	if !ok {
		return Position{}, fmt.Errorf("%w: %q", ErrBadPosition, s)
	}
	sn, err := strconv.ParseUint(seg, 10, 32)
	if err != nil {
		return Position{}, fmt.Errorf("%w: %q: %w", ErrBadPosition, s, err)
	}
	on, err := strconv.ParseUint(off, 10, 64)
	if err != nil {
		return Position{}, fmt.Errorf("%w: %q: %w", ErrBadPosition, s, err)
	}
	return Position{Segment: uint32(sn), Offset: on}, nil
}

// Range is the part of the log still retained: everything from Oldest up
// to Head, the position the next record will be written at.
type Range struct {
	Oldest Position
	Head   Position
}

// Contains reports whether p lies within [Oldest, Head].
func (r Range) Contains(p Position) bool {
	return !p.Less(r.Oldest) && !r.Head.Less(p)
}

func (r Range) String() string {
	return fmt.Sprintf("[%s, %s]", r.Oldest, r.Head)
}

package command

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Flags is a set of capabilities. Descriptors list the ones a command
// requires, clients hold the ones they were granted.
type Flags uint16

const (
	FlagRead Flags = 1 << iota
	FlagWrite
	FlagAdmin

	FlagsNone Flags = 0
	FlagsAll        = FlagRead | FlagWrite | FlagAdmin
)

// Has reports whether every flag in o is set in f.
func (f Flags) Has(o Flags) bool {
	return f&o == o
}

func (f Flags) String() string {
	if f == FlagsNone {
		return "none"
	}
	var names []string
	for _, n := range []struct {
		flag Flags
		name string
	}{{FlagRead, "read"}, {FlagWrite, "write"}, {FlagAdmin, "admin"}} {
		if f.Has(n.flag) {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, "|")
}

// Arity is the set of argument counts a command accepts, not counting the
// command name.
type Arity struct {
	min, max int // max < 0 means unbounded
	only     []int
}

func Exactly(n int) Arity {
	return Arity{min: n, max: n}
}

func AtLeast(n int) Arity {
	return Arity{min: n, max: -1}
}

func Between(min, max int) Arity {
	return Arity{min: min, max: max}
}

// OneOf accepts exactly the listed counts.
func OneOf(counts ...int) Arity {
	only := slices.Clone(counts)
	slices.Sort(only)
	return Arity{min: only[0], max: only[len(only)-1], only: only}
}

// Accepts reports whether n arguments are allowed.
func (a Arity) Accepts(n int) bool {
	if a.only != nil {
		return slices.Contains(a.only, n)
	}
	return n >= a.min && (a.max < 0 || n <= a.max)
}

func (a Arity) String() string {
	switch {
	case a.only != nil:
		s := make([]string, len(a.only))
		for i, n := range a.only {
			s[i] = strconv.Itoa(n)
		}
		return "{" + strings.Join(s, ",") + "}"
	case a.max < 0:
		return fmt.Sprintf(">=%d", a.min)
	case a.min == a.max:
		return strconv.Itoa(a.min)
	default:
		return fmt.Sprintf("%d..%d", a.min, a.max)
	}
}

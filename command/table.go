package command

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/awinterman/anarchokv/protocol"
)

// Table maps command names to descriptors. It cannot be changed once built,
// so any number of connections may read it concurrently.
type Table struct {
	byName map[string]*Descriptor
}

// NewTable builds a table from descriptors; names are case-insensitive and
// must be unique.
func NewTable(descriptors ...Descriptor) (*Table, error) {
	t := &Table{byName: make(map[string]*Descriptor, len(descriptors))}
	for _, d := range descriptors {
		d.Name = protocol.Normalize(d.Name)
		if d.Name == "" {
			return nil, errors.New("command with empty name")
		}
		if d.New == nil {
			return nil, fmt.Errorf("command %q has no factory", d.Name)
		}
		if _, ok := t.byName[d.Name]; ok {
			return nil, fmt.Errorf("command %q registered twice", d.Name)
		}
		t.byName[d.Name] = &d
	}
	return t, nil
}

// Resolve looks name up, ignoring case.
func (t *Table) Resolve(name string) (*Descriptor, error) {
	d, ok := t.byName[protocol.Normalize(name)]
	if !ok {
		return nil, fmt.Errorf("%w '%s'", ErrCommandNotFound, name)
	}
	return d, nil
}

// Names lists the registered commands in sorted order.
func (t *Table) Names() []string {
	return slices.Sorted(maps.Keys(t.byName))
}

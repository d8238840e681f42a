// Package props parses the property-list mini-language used to configure
// drivers: whitespace-separated name=value pairs applied in order before
// connect or before start.
package props

import (
	"fmt"
	"strings"
)

// Prop is a single parsed name=value pair.
type Prop struct {
	Name  string
	Value string
}

// Setter is the subset of the driver device surface needed to apply
// parsed properties.
type Setter interface {
	SetStr(name, value string) error
}

// Parse splits s into properties. Entries are separated by whitespace and
// each entry is split on its first '='. Names and values are trimmed. A
// missing '=' or an empty name fails the whole parse. The input string is
// never modified.
func Parse(s string) ([]Prop, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil, nil
	}

	out := make([]Prop, 0, len(fields))
	for _, entry := range fields {
		name, value, found := strings.Cut(entry, "=")
		if !found {
			return nil, fmt.Errorf("missing '=' in property %q", entry)
		}

		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if name == "" {
			return nil, fmt.Errorf("empty property name in %q", entry)
		}

		out = append(out, Prop{Name: name, Value: value})
	}
	return out, nil
}

// Apply sets each property on dev in order, stopping at the first failure.
func Apply(dev Setter, list []Prop) error {
	for _, p := range list {
		if err := dev.SetStr(p.Name, p.Value); err != nil {
			return fmt.Errorf("setting property %q to %q: %w", p.Name, p.Value, err)
		}
	}
	return nil
}

// ParseAndApply parses s and applies the result to dev.
func ParseAndApply(dev Setter, s string) error {
	list, err := Parse(s)
	if err != nil {
		return err
	}
	return Apply(dev, list)
}

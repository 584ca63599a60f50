// Package adapter defines the persistence Adapter contract consumed by the
// engine (spec §6: "alias, flavour, optional initialize()") and the
// string-keyed factory map that replaces the source ecosystem's dynamic
// module loader (spec §9: "the adapter is compiled in and selected by
// string -> factory map").
package adapter

import (
	"context"
	"fmt"
)

// Adapter hosts the transactional store behind a TaskRepository. The
// engine requires no interface beyond alias/flavour/initialize; the
// repository talks to the adapter's concrete client directly.
type Adapter interface {
	Alias() string
	Flavour() string
	Initialize(ctx context.Context) error
	Close() error
}

// ConfigError is returned when an adapter is misconfigured; spec §7
// classifies this as fatal at start.
type ConfigError struct {
	Flavour string
	Reason  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("adapter config error (flavour=%s): %s", e.Flavour, e.Reason)
}

// Factory constructs an Adapter from a flavour-specific config map. The
// factory map stands in for the source ecosystem's dynamic import() of
// adapter modules (spec §9 Module loader).
type Factory func(alias string, args map[string]any) (Adapter, error)

var factories = map[string]Factory{}

// Register installs a Factory under flavour. Called from each adapter
// implementation's init(), so selecting a flavour never requires editing
// this package.
func Register(flavour string, f Factory) {
	factories[flavour] = f
}

// New builds the Adapter for flavour, analogous to spec §6's
// workerAdapter.{adapterModule, adapterClass, adapterArgs, alias, flavour}.
func New(flavour, alias string, args map[string]any) (Adapter, error) {
	f, ok := factories[flavour]
	if !ok {
		return nil, &ConfigError{Flavour: flavour, Reason: "no adapter registered for this flavour"}
	}
	return f(alias, args)
}

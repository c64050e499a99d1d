package session

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/caffeineduck/gorute/hostfunc"
)

// Names every runtime instance binds in addition to the user variables.
const (
	HostBinding   = "host"
	SharedBinding = "shared"
)

var (
	ErrReservedName = errors.New("reserved binding name")
	ErrInvalidName  = errors.New("invalid binding name")
)

// Identity describes the host a script runs inside.
type Identity struct {
	Name        string `json:"name" yaml:"name"`
	Version     string `json:"version" yaml:"version"`
	Environment string `json:"environment" yaml:"environment"`
}

func (id Identity) binding() map[string]any {
	return map[string]any{
		"name":        id.Name,
		"version":     id.Version,
		"environment": id.Environment,
	}
}

// Snapshot is a point-in-time copy of the shared store.
type Snapshot struct {
	Values  map[string]any
	Version uint64
}

// Template is the fixed set of bindings applied to every runtime instance of
// one pool. It never changes after New returns; accessors hand out copies.
type Template struct {
	identity    Identity
	shared      map[string]any
	version     uint64
	variables   map[string]any
	functions   map[string]hostfunc.Func
	importPaths []string
	startup     string
}

// New assembles a template. Variable values are normalized, function and
// import lists are copied so the caller may keep mutating its own.
func New(identity Identity, shared Snapshot, variables map[string]any, functions map[string]hostfunc.Func, importPaths []string, startup string) (*Template, error) {
	for name := range variables {
		if err := checkName(name); err != nil {
			return nil, fmt.Errorf("variable %q: %w", name, err)
		}
	}
	for name := range functions {
		if err := checkName(name); err != nil {
			return nil, fmt.Errorf("function %q: %w", name, err)
		}
		if _, dup := variables[name]; dup {
			return nil, fmt.Errorf("function %q shadows a variable: %w", name, ErrReservedName)
		}
	}

	return &Template{
		identity:    identity,
		shared:      NormalizeAll(shared.Values),
		version:     shared.Version,
		variables:   NormalizeAll(variables),
		functions:   maps.Clone(functions),
		importPaths: slices.Clone(importPaths),
		startup:     startup,
	}, nil
}

func (t *Template) Identity() Identity { return t.identity }

// SharedVersion is the store version the shared snapshot reflects.
func (t *Template) SharedVersion() uint64 { return t.version }

func (t *Template) Shared() map[string]any {
	return NormalizeAll(t.shared)
}

func (t *Template) Variables() map[string]any {
	return NormalizeAll(t.variables)
}

func (t *Template) Functions() map[string]hostfunc.Func {
	return maps.Clone(t.functions)
}

// FunctionNames returns the bound function names in sorted order.
func (t *Template) FunctionNames() []string {
	return slices.Sorted(maps.Keys(t.functions))
}

func (t *Template) ImportPaths() []string {
	return slices.Clone(t.importPaths)
}

// Startup is the generated code a runtime evaluates once before it is
// handed to its first caller.
func (t *Template) Startup() string { return t.startup }

// Globals returns every value binding an instance receives: the host
// identity, the shared snapshot and the user variables.
func (t *Template) Globals() map[string]any {
	out := t.Variables()
	out[HostBinding] = t.identity.binding()
	out[SharedBinding] = t.Shared()
	return out
}

func checkName(name string) error {
	if name == HostBinding || name == SharedBinding {
		return ErrReservedName
	}
	if !IsIdentifier(name) {
		return ErrInvalidName
	}
	return nil
}

// IsIdentifier reports whether name is usable as a variable name in every
// supported script language.
func IsIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

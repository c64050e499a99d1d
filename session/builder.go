package session

import (
	"github.com/caffeineduck/gorute/hostfunc"
)

// Source produces the template for a new pool of the given language.
type Source interface {
	Build(language string) (*Template, error)
}

// Builder collects the host-wide inputs of every template. The zero value
// builds empty templates.
type Builder struct {
	Identity    Identity
	Store       *hostfunc.Store
	Variables   map[string]any
	Functions   *hostfunc.Registry
	ImportPaths []string
	// Startup holds generated code per language tag.
	Startup map[string]string
}

// Build snapshots the shared store now and returns a template for language.
// Stores mutated after this call are only seen by templates built later.
func (b *Builder) Build(language string) (*Template, error) {
	var snap Snapshot
	if b.Store != nil {
		snap.Values, snap.Version = b.Store.Snapshot()
	}

	var funcs map[string]hostfunc.Func
	if b.Functions != nil {
		funcs = b.Functions.All()
	}

	return New(b.Identity, snap, b.Variables, funcs, b.ImportPaths, b.Startup[language])
}

// Empty is a Source whose templates carry no bindings.
var Empty Source = &Builder{}

// Package session builds the state every new runtime instance starts from.
//
// A [Template] holds the host identity, a snapshot of the shared store taken
// when the template was built, the user variables, host functions, import
// paths and generated startup code. Templates are immutable; a pool builds
// one when it is created and applies it to each instance it warms.
//
//	b := &session.Builder{
//	    Identity:  session.Identity{Name: "gorute", Environment: "dev"},
//	    Store:     store,
//	    Variables: map[string]any{"greeting": "Hi"},
//	    Functions: registry,
//	}
//	tmpl, err := b.Build("lua")
//
// Variable values pass through [Normalize] first, which strips boxing such as
// [Wrapped], values exported by a script runtime, or maps tagged with the
// "$wrapper" marker.
package session

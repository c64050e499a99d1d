package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/caffeineduck/gorute/pool"
	"github.com/caffeineduck/gorute/session"
	"go.uber.org/zap"
)

// Compiler turns a Source of one language into a Handler. Compiled
// languages do their work synchronously and return a standalone handler;
// pooled languages are served by the Interpreted adapter.
type Compiler interface {
	Language() Language
	Compile(ctx context.Context, src Source, env *Env) (Handler, error)
}

// Env is what a Compiler may use while compiling one Source.
type Env struct {
	exec    *Executor
	feature feature
	logger  *zap.Logger
}

func (e *Env) Logger() *zap.Logger { return e.logger }

// Feature is the pool area this compilation belongs to.
func (e *Env) Feature() string { return e.feature.name }

// Template builds a template for lang now. Compiled languages call it once
// per source and bind its values and functions into the artifact.
func (e *Env) Template(lang Language) (*session.Template, error) {
	return e.exec.cfg.templates.Build(string(lang))
}

// Report logs non-error diagnostics and returns a *CompilationError when
// any diagnostic is error-level.
func (e *Env) Report(lang Language, ds Diagnostics) error {
	for _, d := range ds {
		if d.Severity != SeverityError {
			e.logger.Warn("compile diagnostic",
				zap.String("language", string(lang)),
				zap.String("diagnostic", d.String()),
			)
		}
	}
	return ds.Err(lang)
}

// RuntimeFactory creates one runtime instance from a pool template.
type RuntimeFactory func(ctx context.Context, tmpl *session.Template) (Runtime, error)

// Pool returns the pool for lang in the current feature area, creating and
// warming it on first use.
func (e *Env) Pool(ctx context.Context, lang Language, factory RuntimeFactory) (*pool.Pool, error) {
	return e.exec.pool(ctx, lang, e.feature, factory)
}

// CheckReferences reports each name in refs that tmpl does not bind.
func CheckReferences(lang Language, refs []string, tmpl *session.Template) error {
	if len(refs) == 0 {
		return nil
	}
	funcs := tmpl.Functions()
	var ds Diagnostics
	for _, name := range refs {
		if _, ok := funcs[name]; !ok {
			ds.Errorf(0, 0, "unresolved reference %q", name)
		}
	}
	return ds.Err(lang)
}

// Invalid reports whether err is a configuration-time failure rather than
// an infrastructure error.
func Invalid(err error) bool {
	var ce *CompilationError
	return errors.As(err, &ce) ||
		errors.Is(err, ErrUnsupportedLanguage) ||
		errors.Is(err, ErrEmptySource)
}

func emptySource(lang Language, name string) error {
	if name == "" {
		return fmt.Errorf("%s: %w", lang, ErrEmptySource)
	}
	return fmt.Errorf("%s %s: %w", lang, name, ErrEmptySource)
}

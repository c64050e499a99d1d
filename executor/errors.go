package executor

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnsupportedLanguage matches every *UnsupportedLanguageError.
	ErrUnsupportedLanguage = errors.New("language not supported")
	// ErrEmptySource is returned when a pooled-language source has no code.
	ErrEmptySource = errors.New("empty source")
	// ErrDuplicateCompiler is returned by Register for a language that
	// already has a strategy.
	ErrDuplicateCompiler = errors.New("compiler already registered")
	// ErrInvalidStatus is returned for status codes net/http cannot send.
	ErrInvalidStatus = errors.New("invalid status code")
)

// Severity of a Diagnostic.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Diagnostic is one compiler message. Line and Column are 1-based; zero
// means the position is unknown.
type Diagnostic struct {
	Severity Severity `json:"severity"`
	Line     int      `json:"line,omitempty"`
	Column   int      `json:"column,omitempty"`
	Message  string   `json:"message"`
}

func (d Diagnostic) String() string {
	switch {
	case d.Line > 0 && d.Column > 0:
		return fmt.Sprintf("%d:%d: %s: %s", d.Line, d.Column, d.Severity, d.Message)
	case d.Line > 0:
		return fmt.Sprintf("%d: %s: %s", d.Line, d.Severity, d.Message)
	}
	return fmt.Sprintf("%s: %s", d.Severity, d.Message)
}

// CompilationError carries every diagnostic of a failed compilation.
type CompilationError struct {
	Language    Language
	Diagnostics []Diagnostic
}

func (e *CompilationError) Error() string {
	var b strings.Builder
	b.WriteString("[compile] ")
	b.WriteString(string(e.Language))
	for i, d := range e.Errors() {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		b.WriteString(d.String())
	}
	return b.String()
}

// Errors returns the error-level diagnostics.
func (e *CompilationError) Errors() []Diagnostic {
	var out []Diagnostic
	for _, d := range e.Diagnostics {
		if d.Severity == SeverityError {
			out = append(out, d)
		}
	}
	return out
}

// Diagnostics collects messages during one compilation.
type Diagnostics []Diagnostic

func (ds *Diagnostics) Errorf(line, col int, format string, args ...any) {
	*ds = append(*ds, Diagnostic{Severity: SeverityError, Line: line, Column: col, Message: fmt.Sprintf(format, args...)})
}

func (ds *Diagnostics) Warnf(line, col int, format string, args ...any) {
	*ds = append(*ds, Diagnostic{Severity: SeverityWarning, Line: line, Column: col, Message: fmt.Sprintf(format, args...)})
}

func (ds Diagnostics) HasErrors() bool {
	for _, d := range ds {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Err returns a *CompilationError when any diagnostic is error-level.
func (ds Diagnostics) Err(lang Language) error {
	if !ds.HasErrors() {
		return nil
	}
	return &CompilationError{Language: lang, Diagnostics: []Diagnostic(ds)}
}

type UnsupportedLanguageError struct {
	Language Language
}

func (e *UnsupportedLanguageError) Error() string {
	return fmt.Sprintf("language %q not supported", string(e.Language))
}

func (e *UnsupportedLanguageError) Is(target error) bool {
	return target == ErrUnsupportedLanguage
}

// RuntimeFault is a script failure during one invocation.
type RuntimeFault struct {
	Language Language
	Detail   string
	Cause    error
	// Corrupted reports that the runtime instance was discarded.
	Corrupted bool
}

func (e *RuntimeFault) Error() string {
	var b strings.Builder
	b.WriteString("[runtime] ")
	b.WriteString(string(e.Language))
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}
	return b.String()
}

func (e *RuntimeFault) Unwrap() error { return e.Cause }

// Fault wraps err as a *RuntimeFault unless it already is one.
func Fault(lang Language, err error) error {
	if err == nil {
		return nil
	}
	var rf *RuntimeFault
	if errors.As(err, &rf) {
		return err
	}
	return &RuntimeFault{Language: lang, Cause: err}
}

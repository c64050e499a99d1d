package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/caffeineduck/gorute/pool"
	"github.com/caffeineduck/gorute/session"
)

// Interpreter is a language whose scripts run inside long-lived, stateful
// runtime instances that must not be shared between concurrent callers.
type Interpreter interface {
	Language() Language
	// Prepare validates src once at registration and returns the program
	// every runtime of the pool will execute.
	Prepare(src Source) (Program, error)
	NewRuntime(ctx context.Context, tmpl *session.Template) (Runtime, error)
}

// Program is a prepared script bound to the Source it came from.
type Program interface {
	Source() Source
}

// Runtime is one exclusive-ownership runtime instance.
type Runtime interface {
	pool.Instance
	pool.Corruptible
	// Exec runs prog with the request bound. The runtime must honor ctx
	// and report itself corrupted if cancellation left it unusable.
	Exec(ctx context.Context, prog Program, req *Request, resp *Response) error
}

// Interpreted adapts an Interpreter to the Compiler strategy interface.
// Compiling validates the source and returns a closure that borrows a
// runtime from the language's pool for every invocation.
func Interpreted(i Interpreter) Compiler {
	return &interpreted{interp: i}
}

type interpreted struct {
	interp Interpreter
}

func (c *interpreted) Language() Language { return c.interp.Language() }

func (c *interpreted) Compile(ctx context.Context, src Source, env *Env) (Handler, error) {
	lang := c.interp.Language()
	if strings.TrimSpace(src.Code) == "" {
		return nil, emptySource(lang, src.Name)
	}

	prog, err := c.interp.Prepare(src)
	if err != nil {
		return nil, err
	}

	p, err := env.Pool(ctx, lang, c.interp.NewRuntime)
	if err != nil {
		return nil, fmt.Errorf("%s pool: %w", lang, err)
	}

	return &pooled{lang: lang, pool: p, prog: prog}, nil
}

type pooled struct {
	lang Language
	pool *pool.Pool
	prog Program
}

func (h *pooled) Invoke(ctx context.Context, req *Request, resp *Response) (err error) {
	inst, err := h.pool.Checkout(ctx)
	if err != nil {
		return err
	}
	rt, ok := inst.(Runtime)
	if !ok {
		h.pool.Discard(inst)
		return fmt.Errorf("%s pool returned %T", h.lang, inst)
	}

	defer func() {
		if r := recover(); r != nil {
			h.pool.Discard(inst)
			err = &RuntimeFault{Language: h.lang, Detail: fmt.Sprintf("panic: %v", r), Corrupted: true}
			return
		}
		corrupted := rt.Corrupted()
		h.pool.Return(inst)

		var rf *RuntimeFault
		if corrupted && errors.As(err, &rf) {
			rf.Corrupted = true
		}
	}()

	if err := rt.Exec(ctx, h.prog, req, resp); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return Fault(h.lang, err)
	}
	return nil
}

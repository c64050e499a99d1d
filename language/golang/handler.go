package golang

import (
	"context"
	"fmt"
	"net/http"

	"github.com/caffeineduck/gorute/executor"
)

type handler struct {
	fn func(http.ResponseWriter, *http.Request)
}

type outcome struct {
	resp *executor.Response
	err  error
}

// Invoke runs the interpreted function on its own goroutine. Go code cannot
// be interrupted, so on cancellation the call is abandoned and whatever it
// writes later goes to a private buffer.
func (h *handler) Invoke(ctx context.Context, req *executor.Request, resp *executor.Response) error {
	done := make(chan outcome, 1)
	r := req.HTTPRequest().WithContext(ctx)

	go func() {
		buf := executor.NewResponse()
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: &executor.RuntimeFault{Language: executor.Go, Detail: fmt.Sprintf("panic: %v", p)}}
			}
		}()
		h.fn(buf, r)
		done <- outcome{resp: buf}
	}()

	select {
	case out := <-done:
		if err := ctx.Err(); err != nil {
			return err
		}
		if out.err != nil {
			return out.err
		}
		if err := out.resp.Err(); err != nil {
			return &executor.RuntimeFault{Language: executor.Go, Detail: err.Error(), Cause: err}
		}
		for k, v := range out.resp.Header() {
			resp.Header()[k] = v
		}
		resp.WriteHeader(out.resp.Status())
		resp.Write(out.resp.Body())
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

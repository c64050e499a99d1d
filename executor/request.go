package executor

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Request is the read-only view of an HTTP request a script receives.
type Request struct {
	Method string
	Path   string
	Header http.Header
	Query  url.Values
	// Params are the route parameters resolved by the router.
	Params map[string]string
	Body   []byte
}

// NewRequest reads r fully into a Request. Bodies larger than maxBody are
// truncated; maxBody <= 0 means no limit.
func NewRequest(r *http.Request, params map[string]string, maxBody int64) (*Request, error) {
	req := &Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Header: r.Header.Clone(),
		Query:  r.URL.Query(),
		Params: params,
	}
	if r.Body == nil {
		return req, nil
	}
	var body io.Reader = r.Body
	if maxBody > 0 {
		body = io.LimitReader(r.Body, maxBody)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	req.Body = data
	return req, nil
}

// Fields returns the request as a plain map for script bindings. Headers and
// query values keep only their first value; header names are lowercased.
func (r *Request) Fields() map[string]any {
	headers := make(map[string]any, len(r.Header))
	for k, v := range r.Header {
		if len(v) > 0 {
			headers[strings.ToLower(k)] = v[0]
		}
	}
	query := make(map[string]any, len(r.Query))
	for k, v := range r.Query {
		if len(v) > 0 {
			query[k] = v[0]
		}
	}
	params := make(map[string]any, len(r.Params))
	for k, v := range r.Params {
		params[k] = v
	}
	return map[string]any{
		"method":  r.Method,
		"path":    r.Path,
		"headers": headers,
		"query":   query,
		"params":  params,
		"body":    string(r.Body),
	}
}

// HTTPRequest rebuilds a *http.Request for handlers written against net/http.
func (r *Request) HTTPRequest() *http.Request {
	u := &url.URL{Path: r.Path, RawQuery: r.Query.Encode()}
	req := &http.Request{
		Method:        r.Method,
		URL:           u,
		RequestURI:    u.RequestURI(),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        r.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
	}
	if req.Header == nil {
		req.Header = http.Header{}
	}
	return req
}

// Response buffers everything a handler writes. It implements
// http.ResponseWriter so native handlers can use it directly.
type Response struct {
	status int
	header http.Header
	body   bytes.Buffer
	// err is the first invalid status a handler tried to set.
	err error
}

// CheckStatus accepts the three-digit codes net/http can write.
func CheckStatus(status int) error {
	if status < 100 || status > 999 {
		return fmt.Errorf("%w: %d", ErrInvalidStatus, status)
	}
	return nil
}

func NewResponse() *Response {
	return &Response{header: http.Header{}}
}

func (w *Response) Header() http.Header { return w.header }

func (w *Response) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.body.Write(p)
}

func (w *Response) WriteString(s string) (int, error) {
	return w.Write([]byte(s))
}

// WriteHeader records the first status set; later calls are ignored. An
// invalid status is kept as the response error and reported by Err.
func (w *Response) WriteHeader(status int) {
	if err := CheckStatus(status); err != nil {
		if w.err == nil {
			w.err = err
		}
		return
	}
	if w.status == 0 {
		w.status = status
	}
}

// SetStatus overrides the status. Invalid codes are rejected and leave the
// response unchanged.
func (w *Response) SetStatus(status int) error {
	if err := CheckStatus(status); err != nil {
		return err
	}
	w.status = status
	return nil
}

// Err reports an invalid status passed to WriteHeader.
func (w *Response) Err() error { return w.err }

// Status returns the recorded status, or 200 when none was set.
func (w *Response) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

func (w *Response) Body() []byte { return w.body.Bytes() }

// Written reports whether any body bytes were written.
func (w *Response) Written() bool { return w.body.Len() > 0 }

// Reset drops everything buffered so far.
func (w *Response) Reset() {
	w.status = 0
	w.err = nil
	w.header = http.Header{}
	w.body.Reset()
}

// FlushTo flushes the buffered response to dst. Nothing is written when the
// handler set an invalid status.
func (w *Response) FlushTo(dst http.ResponseWriter) (int64, error) {
	if w.err != nil {
		return 0, w.err
	}
	h := dst.Header()
	for k, v := range w.header {
		h[k] = append([]string(nil), v...)
	}
	dst.WriteHeader(w.Status())
	n, err := dst.Write(w.body.Bytes())
	return int64(n), err
}

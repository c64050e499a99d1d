package hostfunc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultMaxURLLength   = 8192
	DefaultMaxBodySize    = 1 << 20
	DefaultRequestTimeout = 30 * time.Second
	DefaultMaxRedirects   = 5
)

var (
	ErrHTTPDisabled     = errors.New("http not enabled")
	ErrHostNotAllowed   = errors.New("host not allowed")
	ErrTooManyRedirects = errors.New("too many redirects")
	ErrBodyTooLarge     = errors.New("request body exceeds max size")
)

// HTTPConfig is the outbound capability granted to scripts. Every hop of a
// request, redirects included, must target an allowed host.
type HTTPConfig struct {
	// AllowedHosts holds host names, which also admit their subdomains,
	// and literal IP addresses, which match only themselves.
	AllowedHosts   []string
	MaxBodySize    int64
	MaxURLLength   int
	RequestTimeout time.Duration
	// MaxRedirects caps followed redirects. Negative disables following.
	MaxRedirects int
	Logger       *zap.Logger
}

var fetchMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
}

// HTTP binds the http_request and http_get host functions.
type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
	logger *zap.Logger
}

func NewHTTP(cfg HTTPConfig) *HTTP {
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.MaxURLLength == 0 {
		cfg.MaxURLLength = DefaultMaxURLLength
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.MaxRedirects == 0 {
		cfg.MaxRedirects = DefaultMaxRedirects
	}
	h := &HTTP{cfg: cfg, logger: cfg.Logger}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	h.client = &http.Client{
		Timeout:       cfg.RequestTimeout,
		CheckRedirect: h.checkRedirect,
	}
	return h
}

func (h *HTTP) Register(r *Registry) {
	r.Register("http_request", h.Request)
	r.Register("http_get", func(ctx context.Context, args map[string]any) (any, error) {
		merged := make(map[string]any, len(args)+1)
		for k, v := range args {
			merged[k] = v
		}
		merged["method"] = http.MethodGet
		return h.Request(ctx, merged)
	})
}

// checkRedirect applies the allow-list to every hop.
func (h *HTTP) checkRedirect(req *http.Request, via []*http.Request) error {
	if h.cfg.MaxRedirects < 0 {
		return http.ErrUseLastResponse
	}
	if len(via) > h.cfg.MaxRedirects {
		return fmt.Errorf("%w: stopped after %d", ErrTooManyRedirects, h.cfg.MaxRedirects)
	}
	if err := h.checkURL(req.URL); err != nil {
		return fmt.Errorf("redirect: %w", err)
	}
	return nil
}

func (h *HTTP) checkURL(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if !h.isHostAllowed(u.Hostname()) {
		return fmt.Errorf("%w: %s", ErrHostNotAllowed, u.Hostname())
	}
	return nil
}

// fetch is a validated http_request call.
type fetch struct {
	method  string
	url     *url.URL
	header  http.Header
	body    []byte
	timeout time.Duration
}

func (h *HTTP) parse(args map[string]any) (*fetch, error) {
	f := &fetch{method: http.MethodGet, header: http.Header{}, timeout: h.cfg.RequestTimeout}
	if m, _ := args["method"].(string); m != "" {
		f.method = strings.ToUpper(m)
	}
	if !fetchMethods[f.method] {
		return nil, fmt.Errorf("unsupported method: %s", f.method)
	}

	raw, _ := args["url"].(string)
	if raw == "" {
		return nil, errors.New("url required")
	}
	if len(raw) > h.cfg.MaxURLLength {
		return nil, errors.New("url exceeds max length")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.New("invalid url")
	}
	if len(h.cfg.AllowedHosts) == 0 {
		return nil, ErrHTTPDisabled
	}
	if err := h.checkURL(u); err != nil {
		return nil, err
	}
	if query, ok := args["query"].(map[string]any); ok {
		q := u.Query()
		for k, v := range query {
			q.Set(k, fmt.Sprint(v))
		}
		u.RawQuery = q.Encode()
	}
	f.url = u

	if headers, ok := args["headers"].(map[string]any); ok {
		for k, v := range headers {
			switch v := v.(type) {
			case string:
				f.header.Set(k, v)
			case []any:
				for _, item := range v {
					f.header.Add(k, fmt.Sprint(item))
				}
			}
		}
	}

	switch {
	case args["json"] != nil:
		data, err := json.Marshal(args["json"])
		if err != nil {
			return nil, fmt.Errorf("json body: %w", err)
		}
		f.body = data
		if f.header.Get("Content-Type") == "" {
			f.header.Set("Content-Type", "application/json")
		}
	case args["body"] != nil:
		s, ok := args["body"].(string)
		if !ok {
			return nil, errors.New("body must be a string")
		}
		f.body = []byte(s)
	}
	if int64(len(f.body)) > h.cfg.MaxBodySize {
		return nil, ErrBodyTooLarge
	}

	if ms, ok := args["timeout_ms"]; ok {
		if d, ok := millis(ms); ok && d > 0 && d < f.timeout {
			f.timeout = d
		}
	}
	return f, nil
}

// Request performs one outbound call. The result carries status, headers
// (first value per name), body, the final url and whether the body was cut
// at the size limit.
func (h *HTTP) Request(ctx context.Context, args map[string]any) (any, error) {
	f, err := h.parse(args)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var body io.Reader
	if f.body != nil {
		body = bytes.NewReader(f.body)
	}
	req, err := http.NewRequestWithContext(ctx, f.method, f.url.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header = f.header

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		h.logger.Debug("http request failed",
			zap.String("method", f.method),
			zap.String("host", f.url.Host),
			zap.Error(err),
		)
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, h.cfg.MaxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	truncated := int64(len(data)) > h.cfg.MaxBodySize
	if truncated {
		data = data[:h.cfg.MaxBodySize]
	}

	h.logger.Debug("http request",
		zap.String("method", f.method),
		zap.String("host", f.url.Host),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	headers := make(map[string]any, len(resp.Header))
	for k, v := range resp.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}
	return map[string]any{
		"status":    resp.StatusCode,
		"headers":   headers,
		"body":      string(data),
		"url":       resp.Request.URL.String(),
		"truncated": truncated,
	}, nil
}

// isHostAllowed matches IPs by address and names by exact match or
// subdomain. IPs never match a name through the subdomain rule.
func (h *HTTP) isHostAllowed(host string) bool {
	if addr, err := netip.ParseAddr(host); err == nil {
		for _, allowed := range h.cfg.AllowedHosts {
			if a, err := netip.ParseAddr(allowed); err == nil && a == addr {
				return true
			}
		}
		return false
	}

	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, allowed := range h.cfg.AllowedHosts {
		allowed = strings.ToLower(allowed)
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

func millis(v any) (time.Duration, bool) {
	switch n := v.(type) {
	case int:
		return time.Duration(n) * time.Millisecond, true
	case int64:
		return time.Duration(n) * time.Millisecond, true
	case float64:
		return time.Duration(n * float64(time.Millisecond)), true
	}
	return 0, false
}

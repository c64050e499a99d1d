// Package health runs liveness probes, scripted or native.
//
// Scripted probes compile through the same executor as routes but borrow
// runtimes from a separately sized "health" pool.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/caffeineduck/gorute/executor"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Feature is the pool feature scripted probes run in.
const Feature = "health"

var ErrDuplicateProbe = errors.New("duplicate probe")

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Probe checks one dependency. A nil error is healthy.
type Probe struct {
	Name    string
	Timeout time.Duration
	Check   func(ctx context.Context) error
}

type Result struct {
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	Detail   string        `json:"detail,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

type Report struct {
	Status Status   `json:"status"`
	Checks []Result `json:"checks"`
}

// Checker holds the probe list. The lock only guards the list; probes run
// on a snapshot taken before execution.
type Checker struct {
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.Mutex
	probes []Probe
}

// New creates a Checker whose probes default to timeout.
func New(timeout time.Duration, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checker{timeout: timeout, logger: logger}
}

func (c *Checker) Add(p Probe) error {
	if p.Name == "" || p.Check == nil {
		return errors.New("probe needs a name and a check")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if slices.ContainsFunc(c.probes, func(existing Probe) bool { return existing.Name == p.Name }) {
		return fmt.Errorf("%w: %s", ErrDuplicateProbe, p.Name)
	}
	c.probes = append(c.probes, p)
	return nil
}

func (c *Checker) Remove(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.probes)
	c.probes = slices.DeleteFunc(c.probes, func(p Probe) bool { return p.Name == name })
	return len(c.probes) != n
}

// Names lists probes in registration order.
func (c *Checker) Names() []string {
	probes := c.snapshot()
	names := make([]string, len(probes))
	for n, p := range probes {
		names[n] = p.Name
	}
	return names
}

func (c *Checker) snapshot() []Probe {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.probes)
}

// Run executes every probe in parallel. The report is healthy only when all
// probes are.
func (c *Checker) Run(ctx context.Context) Report {
	probes := c.snapshot()
	results := make([]Result, len(probes))

	var g errgroup.Group
	for n, p := range probes {
		g.Go(func() error {
			results[n] = c.run(ctx, p)
			return nil
		})
	}
	g.Wait()

	report := Report{Status: StatusHealthy, Checks: results}
	for _, r := range results {
		if r.Status != StatusHealthy {
			report.Status = StatusUnhealthy
		}
	}
	return report
}

func (c *Checker) run(ctx context.Context, p Probe) Result {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := p.Check(ctx)
	res := Result{Name: p.Name, Status: StatusHealthy, Duration: time.Since(start)}
	if err != nil {
		res.Status = StatusUnhealthy
		res.Detail = err.Error()
		c.logger.Warn("probe failed", zap.String("probe", p.Name), zap.Error(err))
	}
	return res
}

// ServeHTTP writes the report as JSON, 503 when unhealthy.
func (c *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report := c.Run(r.Context())

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if report.Status != StatusHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(report)
}

// ScriptProbe compiles src in the health feature pool. The probe fails
// when the script errors or answers with a status of 400 or above.
func ScriptProbe(ctx context.Context, exec *executor.Executor, name string, src executor.Source, timeout time.Duration, min, max int) (Probe, error) {
	if src.Name == "" {
		src.Name = name
	}
	h, err := exec.Compile(ctx, src, executor.ForFeature(Feature, min, max))
	if err != nil {
		return Probe{}, fmt.Errorf("probe %s: %w", name, err)
	}

	check := func(ctx context.Context) error {
		resp := executor.NewResponse()
		req := &executor.Request{Method: http.MethodGet, Path: "/health/" + name}
		if err := h.Invoke(ctx, req, resp); err != nil {
			return err
		}
		if resp.Status() >= http.StatusBadRequest {
			detail := strings.TrimSpace(string(resp.Body()))
			if detail == "" {
				detail = http.StatusText(resp.Status())
			}
			return fmt.Errorf("status %d: %s", resp.Status(), detail)
		}
		return nil
	}
	return Probe{Name: name, Timeout: timeout, Check: check}, nil
}

// Package bench measures compile and invocation cost per language and the
// overhead of pooling and the HTTP pipeline.
//
// Run with: go test -v -run=Test ./bench/
// Benchmarks: go test -bench=. ./bench/
package bench

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"github.com/caffeineduck/gorute/executor"
	"github.com/caffeineduck/gorute/host"
	"github.com/caffeineduck/gorute/language"
	"github.com/caffeineduck/gorute/pool"
	"github.com/caffeineduck/gorute/route"
)

// hello answers "Hi" in every text language.
var hello = map[executor.Language]string{
	executor.Lua:        `return "Hi"`,
	executor.JavaScript: `return "Hi"`,
	executor.Go:         "package main\n\nimport \"net/http\"\n\nfunc Handle(w http.ResponseWriter, r *http.Request) { w.Write([]byte(\"Hi\")) }\n",
	executor.Starlark:   `return "Hi"`,
	executor.Expr:       `"Hi"`,
}

var textLanguages = []executor.Language{
	executor.Lua,
	executor.JavaScript,
	executor.Go,
	executor.Starlark,
	executor.Expr,
}

func newExecutor(tb testing.TB, opts ...executor.Option) *executor.Executor {
	tb.Helper()
	cs, err := language.Builtin()
	if err != nil {
		tb.Fatal(err)
	}
	exec, err := executor.New(append([]executor.Option{executor.WithCompilers(cs...)}, opts...)...)
	if err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(func() { exec.Drain(context.Background()) })
	return exec
}

func compile(tb testing.TB, exec *executor.Executor, lang executor.Language) executor.Handler {
	tb.Helper()
	h, err := exec.Compile(context.Background(), executor.Source{Language: lang, Code: hello[lang]})
	if err != nil {
		tb.Fatalf("%s: %v", lang, err)
	}
	return h
}

func invoke(h executor.Handler) error {
	return h.Invoke(context.Background(), &executor.Request{Method: http.MethodGet, Path: "/"}, executor.NewResponse())
}

// =============================================================================
// Per-language benchmarks
// =============================================================================

func BenchmarkCompile(b *testing.B) {
	for _, lang := range textLanguages {
		b.Run(string(lang), func(b *testing.B) {
			exec := newExecutor(b)
			b.ResetTimer()
			for range b.N {
				compile(b, exec, lang)
			}
		})
	}
}

func BenchmarkInvoke(b *testing.B) {
	for _, lang := range textLanguages {
		b.Run(string(lang), func(b *testing.B) {
			exec := newExecutor(b)
			h := compile(b, exec, lang)
			invoke(h) // warmup

			b.ResetTimer()
			for range b.N {
				if err := invoke(h); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkInvokeParallel(b *testing.B) {
	for _, lang := range []executor.Language{executor.Lua, executor.JavaScript} {
		b.Run(string(lang), func(b *testing.B) {
			n := runtime.GOMAXPROCS(0)
			exec := newExecutor(b, executor.WithPoolSize(n, n))
			h := compile(b, exec, lang)

			b.ResetTimer()
			b.RunParallel(func(pb *testing.PB) {
				for pb.Next() {
					if err := invoke(h); err != nil {
						b.Error(err)
						return
					}
				}
			})
		})
	}
}

// =============================================================================
// Pool and pipeline overhead
// =============================================================================

type nopInstance struct{}

func (*nopInstance) Close() error { return nil }

func BenchmarkPoolCheckout(b *testing.B) {
	n := runtime.GOMAXPROCS(0)
	p, err := pool.New("bench", func(ctx context.Context) (pool.Instance, error) {
		return &nopInstance{}, nil
	}, pool.WithSize(n, n), pool.WithCheckoutTimeout(time.Second))
	if err != nil {
		b.Fatal(err)
	}
	defer p.Drain(context.Background())

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			inst, err := p.Checkout(context.Background())
			if err != nil {
				b.Error(err)
				return
			}
			p.Return(inst)
		}
	})
}

func BenchmarkHostRequest(b *testing.B) {
	h, err := host.New(host.Options{})
	if err != nil {
		b.Fatal(err)
	}
	defer h.Stop(context.Background())
	h.RegisterScript("/hello", []string{http.MethodGet}, executor.Source{Language: executor.Lua, Code: hello[executor.Lua]}, route.Metadata{})
	if err := h.Configure(context.Background()); err != nil {
		b.Fatal(err)
	}
	handler := h.Handler()

	b.ResetTimer()
	for range b.N {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hello", nil))
		if rec.Code != http.StatusOK {
			b.Fatalf("status %d", rec.Code)
		}
	}
}

// =============================================================================
// COMPARISON TEST - Human readable output
// =============================================================================

func TestLanguageComparison(t *testing.T) {
	if testing.Short() {
		t.Skip("comparison is slow")
	}

	fmt.Println()
	fmt.Printf("Platform: %s/%s, CPUs: %d\n", runtime.GOOS, runtime.GOARCH, runtime.NumCPU())
	fmt.Println()

	measure := func(runs int, fn func()) time.Duration {
		var total time.Duration
		for range runs {
			start := time.Now()
			fn()
			total += time.Since(start)
		}
		return total / time.Duration(runs)
	}

	exec := newExecutor(t)
	const runs = 20

	fmt.Println("┌────────────┬───────────┬───────────┬───────────┐")
	fmt.Println("│ Language   │ Compile   │ First     │ Warm      │")
	fmt.Println("├────────────┼───────────┼───────────┼───────────┤")
	for _, lang := range textLanguages {
		var h executor.Handler
		compileTime := measure(1, func() { h = compile(t, exec, lang) })
		first := measure(1, func() { invoke(h) })
		warm := measure(runs, func() { invoke(h) })
		fmt.Printf("│ %-10s │ %9s │ %9s │ %9s │\n", lang, formatDuration(compileTime), formatDuration(first), formatDuration(warm))
	}
	fmt.Println("└────────────┴───────────┴───────────┴───────────┘")
	fmt.Println()

	t.Log("Comparison complete - see stdout for results")
}

func formatDuration(d time.Duration) string {
	switch {
	case d >= time.Second:
		return fmt.Sprintf("%.2fs", d.Seconds())
	case d >= time.Millisecond:
		return fmt.Sprintf("%dms", d.Milliseconds())
	default:
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
}

// =============================================================================
// MEMORY BENCHMARK
// =============================================================================

func TestMemoryUsage(t *testing.T) {
	var m runtime.MemStats

	runtime.GC()
	runtime.ReadMemStats(&m)
	before := m.Alloc

	cs, err := language.Builtin()
	if err != nil {
		t.Fatal(err)
	}
	exec, err := executor.New(executor.WithCompilers(cs...), executor.WithPoolSize(4, 4))
	if err != nil {
		t.Fatal(err)
	}
	for _, lang := range textLanguages {
		h := compile(t, exec, lang)
		for range 5 {
			invoke(h)
		}
	}

	runtime.ReadMemStats(&m)
	after := m.Alloc

	for _, s := range exec.Pools() {
		t.Logf("pool %s: idle=%d created=%d", s.Name, s.Idle, s.Created)
	}
	exec.Drain(context.Background())

	runtime.GC()
	runtime.ReadMemStats(&m)
	afterDrain := m.Alloc

	t.Logf("Memory before: %d MB", before/1024/1024)
	t.Logf("Memory with warm pools: %d MB", after/1024/1024)
	t.Logf("Memory after drain: %d MB", afterDrain/1024/1024)
}

package route

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/caffeineduck/gorute/executor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func text(body string) executor.Handler {
	return executor.HandlerFunc(func(ctx context.Context, req *executor.Request, resp *executor.Response) error {
		resp.WriteString(body)
		return nil
	})
}

func body(t *testing.T, h executor.Handler) string {
	t.Helper()
	resp := executor.NewResponse()
	require.NoError(t, h.Invoke(context.Background(), &executor.Request{}, resp))
	return string(resp.Body())
}

func TestRegisterAndLookup(t *testing.T) {
	r := New(Options{})

	routes, err := r.Register("/Hello", []string{"get", "POST"}, text("Hi"), Metadata{Name: "hello"})
	require.NoError(t, err)
	require.Len(t, routes, 2)
	assert.Equal(t, http.MethodGet, routes[0].Verb)
	assert.Equal(t, http.MethodPost, routes[1].Verb)
	assert.NotEmpty(t, routes[0].ID)
	assert.NotEqual(t, routes[0].ID, routes[1].ID)

	rt, ok := r.Lookup("/hello", "GET")
	require.True(t, ok, "lookup is case-insensitive on pattern")
	assert.Equal(t, "/Hello", rt.Pattern)
	assert.Equal(t, "hello", rt.Metadata.Name)
	assert.Equal(t, "Hi", body(t, rt.Handler))

	assert.True(t, r.Exists("/HELLO", "post"))
	assert.False(t, r.Exists("/hello", "DELETE"))
	assert.Equal(t, 2, r.Len())
}

func TestDuplicateKeepFirst(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	r := New(Options{ThrowOnDuplicate: false, Logger: zap.New(core)})

	_, err := r.Register("/x", []string{"GET"}, text("first"), Metadata{})
	require.NoError(t, err)

	routes, err := r.Register("/x", []string{"GET"}, text("second"), Metadata{})
	require.NoError(t, err)
	require.Len(t, routes, 1)

	rt, ok := r.Lookup("/x", "GET")
	require.True(t, ok)
	assert.Equal(t, "first", body(t, rt.Handler))
	assert.Same(t, rt, routes[0], "the existing route is returned")
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, 1, logs.FilterMessageSnippet("duplicate route").Len())
}

func TestDuplicateThrow(t *testing.T) {
	r := New(Options{ThrowOnDuplicate: true})

	_, err := r.Register("/x", []string{"GET"}, text("first"), Metadata{})
	require.NoError(t, err)

	_, err = r.Register("/X", []string{"POST", "GET"}, text("second"), Metadata{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateRoute))

	var dup *DuplicateRouteError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, []string{"GET"}, dup.Verbs)

	assert.False(t, r.Exists("/x", "POST"), "nothing is added when any verb collides")
	rt, _ := r.Lookup("/x", "GET")
	assert.Equal(t, "first", body(t, rt.Handler))
}

func TestPartialDuplicateKeepFirst(t *testing.T) {
	r := New(Options{})

	_, err := r.Register("/x", []string{"GET"}, text("first"), Metadata{})
	require.NoError(t, err)

	routes, err := r.Register("/x", []string{"GET", "PUT"}, text("second"), Metadata{})
	require.NoError(t, err)
	assert.Equal(t, "first", body(t, routes[0].Handler))
	assert.Equal(t, "second", body(t, routes[1].Handler))
}

func TestInvalidRoutes(t *testing.T) {
	r := New(Options{})

	tests := []struct {
		name    string
		pattern string
		verbs   []string
		handler executor.Handler
	}{
		{"relative pattern", "hello", []string{"GET"}, text("x")},
		{"no verbs", "/hello", nil, text("x")},
		{"blank verb", "/hello", []string{" "}, text("x")},
		{"nil handler", "/hello", []string{"GET"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Register(tt.pattern, tt.verbs, tt.handler, Metadata{})
			assert.ErrorIs(t, err, ErrInvalidRoute)
		})
	}
	assert.Zero(t, r.Len())
}

func TestRemoveAndRoutes(t *testing.T) {
	r := New(Options{})
	changes := 0
	r.OnChange(func() { changes++ })

	_, err := r.Register("/b", []string{"GET"}, text("b"), Metadata{})
	require.NoError(t, err)
	_, err = r.Register("/a", []string{"POST", "GET"}, text("a"), Metadata{})
	require.NoError(t, err)

	var got []string
	for _, rt := range r.Routes() {
		got = append(got, rt.Verb+" "+rt.Pattern)
	}
	assert.Equal(t, []string{"GET /a", "POST /a", "GET /b"}, got)

	assert.True(t, r.Remove("/A", "post"))
	assert.False(t, r.Remove("/a", "POST"))
	assert.Len(t, r.Routes(), 2)
	assert.Equal(t, 3, changes)
}

func TestConcurrentRegistration(t *testing.T) {
	r := New(Options{})

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Register(fmt.Sprintf("/r%d", i%10), []string{"GET"}, text("x"), Metadata{})
			r.Exists("/r0", "GET")
			r.Routes()
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, r.Len())
}

func TestIsUnsafe(t *testing.T) {
	for _, verb := range []string{"POST", "put", "PATCH", "DELETE"} {
		assert.True(t, IsUnsafe(verb), verb)
	}
	for _, verb := range []string{"GET", "HEAD", "OPTIONS"} {
		assert.False(t, IsUnsafe(verb), verb)
	}
}

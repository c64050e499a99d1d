package session

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/caffeineduck/gorute/hostfunc"
)

type box struct{ v any }

func (b box) Unbox() any { return b.v }

type exported struct{ v any }

func (e exported) Export() any { return e.v }

// =============================================================================
// Normalize
// =============================================================================

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want any
	}{
		{"nil", nil, nil},
		{"scalar", 42, 42},
		{"wrapped", Wrapped{Value: "x"}, "x"},
		{"wrapped pointer", &Wrapped{Value: 1.5}, 1.5},
		{"unboxer", box{v: true}, true},
		{"exporter", exported{v: "js"}, "js"},
		{"marker map", map[string]any{WrapperMarker: true, "Value": 7}, 7},
		{"marker lowercase", map[string]any{WrapperMarker: true, "value": "low"}, "low"},
		{"marker false keeps map", map[string]any{WrapperMarker: false, "Value": 1},
			map[string]any{WrapperMarker: false, "Value": 1}},
		{"nested box", box{v: Wrapped{Value: box{v: "deep"}}}, "deep"},
		{"map of boxes", map[string]any{"a": box{v: 1}, "b": []any{Wrapped{Value: 2}}},
			map[string]any{"a": 1, "b": []any{2}}},
		{"any keys", map[any]any{1: "one"}, map[string]any{"1": "one"}},
		{"string slice", []string{"a", "b"}, []any{"a", "b"}},
		{"typed map", map[string]int{"n": 3}, map[string]any{"n": 3}},
		{"bytes", []byte("raw"), "raw"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Normalize(%#v) = %#v, want %#v", tt.in, got, tt.want)
			}
		})
	}
}

type loop struct{}

func (l loop) Unbox() any { return l }

func TestNormalizeStopsOnSelfBox(t *testing.T) {
	got := Normalize(loop{})
	if _, ok := got.(loop); !ok {
		t.Errorf("expected unwrapping to give up on a self-referencing box, got %#v", got)
	}
}

func TestNormalizeCopiesContainers(t *testing.T) {
	in := map[string]any{"list": []any{1}}
	out := Normalize(in).(map[string]any)
	out["list"].([]any)[0] = 99

	if in["list"].([]any)[0] != 1 {
		t.Error("normalized value shares storage with its input")
	}
}

func TestConvertRejectsCycles(t *testing.T) {
	cyclic := map[string]any{"name": "a"}
	cyclic["self"] = cyclic
	list := []any{1}
	list[0] = list

	for name, v := range map[string]any{"map": cyclic, "slice": list} {
		if _, err := Convert(v); !errors.Is(err, ErrTooDeep) {
			t.Errorf("%s: expected ErrTooDeep, got %v", name, err)
		}
		if got := Normalize(v); got != nil {
			t.Errorf("%s: expected nil, got %T", name, got)
		}
	}

	deep := any("leaf")
	for range MaxDepth {
		deep = []any{deep}
	}
	if _, err := Convert(deep); err != nil {
		t.Errorf("value at the depth limit should convert: %v", err)
	}
	if _, err := Convert([]any{deep}); !errors.Is(err, ErrTooDeep) {
		t.Errorf("expected ErrTooDeep one level past the limit, got %v", err)
	}
}

// =============================================================================
// Template
// =============================================================================

func TestTemplateGlobals(t *testing.T) {
	tmpl, err := New(
		Identity{Name: "gorute", Version: "1.0", Environment: "test"},
		Snapshot{Values: map[string]any{"count": 1}, Version: 4},
		map[string]any{"greeting": Wrapped{Value: "Hi"}},
		nil, nil, "",
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	globals := tmpl.Globals()
	if globals["greeting"] != "Hi" {
		t.Errorf("expected unwrapped greeting, got %#v", globals["greeting"])
	}
	host := globals[HostBinding].(map[string]any)
	if host["name"] != "gorute" || host["environment"] != "test" {
		t.Errorf("unexpected host binding: %#v", host)
	}
	shared := globals[SharedBinding].(map[string]any)
	if shared["count"] != 1 {
		t.Errorf("unexpected shared binding: %#v", shared)
	}
	if tmpl.SharedVersion() != 4 {
		t.Errorf("expected shared version 4, got %d", tmpl.SharedVersion())
	}
}

func TestTemplateIsImmutable(t *testing.T) {
	vars := map[string]any{"list": []any{"a"}}
	paths := []string{"/lib"}
	tmpl, err := New(Identity{}, Snapshot{}, vars, nil, paths, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	vars["extra"] = true
	paths[0] = "/changed"
	tmpl.Variables()["list"].([]any)[0] = "mutated"
	tmpl.ImportPaths()[0] = "/mutated"

	if _, ok := tmpl.Variables()["extra"]; ok {
		t.Error("caller map mutation leaked into template")
	}
	if got := tmpl.Variables()["list"].([]any)[0]; got != "a" {
		t.Errorf("accessor mutation leaked into template: %v", got)
	}
	if got := tmpl.ImportPaths()[0]; got != "/lib" {
		t.Errorf("import paths changed to %q", got)
	}
}

func TestTemplateRejectsBadNames(t *testing.T) {
	tests := []struct {
		name  string
		vars  map[string]any
		funcs map[string]hostfunc.Func
		want  error
	}{
		{"reserved host", map[string]any{"host": 1}, nil, ErrReservedName},
		{"reserved shared", map[string]any{"shared": 1}, nil, ErrReservedName},
		{"not identifier", map[string]any{"a-b": 1}, nil, ErrInvalidName},
		{"leading digit", map[string]any{"1a": 1}, nil, ErrInvalidName},
		{"function shadows variable", map[string]any{"f": 1},
			map[string]hostfunc.Func{"f": hostfunc.TimeNow}, ErrReservedName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(Identity{}, Snapshot{}, tt.vars, tt.funcs, nil, "")
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

// =============================================================================
// Builder
// =============================================================================

func TestBuilderSnapshotsStoreAtBuild(t *testing.T) {
	store := hostfunc.NewStore(hostfunc.DefaultStoreConfig())
	if err := store.Set("mode", "before"); err != nil {
		t.Fatal(err)
	}

	b := &Builder{Store: store}
	first, err := b.Build("lua")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if err := store.Set("mode", "after"); err != nil {
		t.Fatal(err)
	}
	if got := first.Shared()["mode"]; got != "before" {
		t.Errorf("template saw later store mutation: %v", got)
	}

	second, err := b.Build("lua")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := second.Shared()["mode"]; got != "after" {
		t.Errorf("rebuilt template should see new value, got %v", got)
	}
	if second.SharedVersion() <= first.SharedVersion() {
		t.Errorf("expected version to advance: %d -> %d", first.SharedVersion(), second.SharedVersion())
	}
}

func TestBuilderStartupPerLanguage(t *testing.T) {
	reg := hostfunc.NewRegistry()
	reg.Register("time_now", hostfunc.TimeNow)

	b := &Builder{
		Functions: reg,
		Startup:   map[string]string{"lua": "helper = 1"},
	}

	lua, err := b.Build("lua")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	js, err := b.Build("javascript")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if lua.Startup() != "helper = 1" {
		t.Errorf("unexpected lua startup %q", lua.Startup())
	}
	if js.Startup() != "" {
		t.Errorf("expected no javascript startup, got %q", js.Startup())
	}

	fn, ok := lua.Functions()["time_now"]
	if !ok {
		t.Fatal("expected time_now to be bound")
	}
	if _, err := fn(context.Background(), nil); err != nil {
		t.Errorf("time_now: %v", err)
	}

	reg.Register("late", hostfunc.TimeNow)
	if _, ok := lua.Functions()["late"]; ok {
		t.Error("function registered after Build leaked into template")
	}
}

func TestEmptySource(t *testing.T) {
	tmpl, err := Empty.Build("lua")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(tmpl.Variables()) != 0 || len(tmpl.FunctionNames()) != 0 {
		t.Error("expected an empty template")
	}
}

package hostfunc

import (
	"context"
	"testing"
)

func TestRegistryListSorted(t *testing.T) {
	r := NewRegistry()
	noop := func(ctx context.Context, args map[string]any) (any, error) { return nil, nil }
	r.Register("zeta", noop)
	r.Register("alpha", noop)

	names := r.List()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "zeta" {
		t.Errorf("expected sorted names, got %v", names)
	}
}

func TestRegistryMerge(t *testing.T) {
	base := NewRegistry()
	base.Register("one", func(ctx context.Context, args map[string]any) (any, error) { return 1, nil })

	extra := NewRegistry()
	extra.Register("one", func(ctx context.Context, args map[string]any) (any, error) { return "overridden", nil })
	extra.Register("two", func(ctx context.Context, args map[string]any) (any, error) { return 2, nil })

	base.Merge(extra)
	base.Merge(nil)

	fn, ok := base.Get("one")
	if !ok {
		t.Fatal("one missing after merge")
	}
	if got, _ := fn(context.Background(), nil); got != "overridden" {
		t.Errorf("expected merged function to win, got %v", got)
	}
	if _, ok := base.Get("two"); !ok {
		t.Error("two missing after merge")
	}
}

func TestRegistryAllIsCopy(t *testing.T) {
	r := NewRegistry()
	r.Register("a", func(ctx context.Context, args map[string]any) (any, error) { return nil, nil })

	all := r.All()
	delete(all, "a")

	if _, ok := r.Get("a"); !ok {
		t.Error("mutating All() result changed the registry")
	}
}

func TestTimeNow(t *testing.T) {
	out, err := TimeNow(context.Background(), nil)
	if err != nil {
		t.Fatalf("time_now failed: %v", err)
	}
	if v, ok := out.(float64); !ok || v < 1577836800 {
		t.Errorf("expected unix seconds after 2020, got %v", out)
	}
}

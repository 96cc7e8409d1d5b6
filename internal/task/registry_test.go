package task

import (
	"context"
	"errors"
	"testing"
)

type titled struct{}

func (titled) Execute(context.Context, *Task) error { return nil }
func (titled) Title(t *Task) string                 { return "Custom " + t.GetString("name") }

func TestRegistryResolve(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if _, ok := r.Resolve("nope"); ok {
		t.Fatalf("expected miss on empty registry")
	}

	called := false
	reg, err := r.Register("ping", HandlerFunc(func(context.Context, *Task) error {
		called = true
		return nil
	}))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	h, ok := r.Resolve("ping")
	if !ok {
		t.Fatalf("expected ping to resolve")
	}
	_ = h.Execute(context.Background(), New("ping"))
	if !called {
		t.Fatalf("handler not invoked")
	}

	reg.Unregister()
	if _, ok := r.Resolve("ping"); ok {
		t.Fatalf("expected miss after Unregister")
	}
}

func TestRegistryReplaceKeepsNewBinding(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	old := r.MustRegister("a", HandlerFunc(func(context.Context, *Task) error { return nil }))
	r.MustRegister("a", titled{})

	old.Unregister()
	h, ok := r.Resolve("a")
	if !ok {
		t.Fatalf("stale Unregister removed the newer binding")
	}
	if _, isTitled := h.(titled); !isTitled {
		t.Fatalf("expected replacement handler, got %T", h)
	}
	if got := r.Actions(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("unexpected actions %v", got)
	}
}

func TestRegistryValidation(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if _, err := r.Register("  ", titled{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for blank action, got %v", err)
	}
	if _, err := r.Register("x", nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for nil handler, got %v", err)
	}
}

func TestRegistryTitle(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.MustRegister("custom", titled{})

	tk := New("custom")
	tk.Set("name", "job")
	if got := r.Title(tk); got != "Custom job" {
		t.Fatalf("unexpected title %q", got)
	}
	if got := r.Title(New("plain_action")); got != "Plain Action" {
		t.Fatalf("unexpected fallback title %q", got)
	}
}

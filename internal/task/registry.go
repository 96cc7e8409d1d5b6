package task

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// Handler runs one iteration of a task.
//
// A handler finishes the task by calling t.Complete(), stops it with
// t.Abort(), or defers the next iteration with t.SetNextStart / t.Fail.
// Returning a non-nil error ends the claim and locks the task, unless the
// error is wrapped with RetryAfter.
type Handler interface {
	Execute(ctx context.Context, t *Task) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, t *Task) error

func (f HandlerFunc) Execute(ctx context.Context, t *Task) error { return f(ctx, t) }

// SetupHandler is called once per claim before the first iteration.
type SetupHandler interface {
	Setup(ctx context.Context, t *Task) error
}

// ShutdownHandler is called once per claim after the iteration loop, whatever
// the outcome.
type ShutdownHandler interface {
	Shutdown(ctx context.Context, t *Task) error
}

// CompleteHandler is notified after a task completed.
type CompleteHandler interface {
	OnComplete(ctx context.Context, t *Task) error
}

// AbortHandler is notified after a task aborted.
type AbortHandler interface {
	OnAbort(ctx context.Context, t *Task) error
}

// Titler overrides the display title derived from the action name.
type Titler interface {
	Title(t *Task) string
}

// Registry maps action names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]*Registration
}

// Registration is the handle returned by Register.
type Registration struct {
	reg     *Registry
	action  string
	handler Handler
}

func (r *Registration) Action() string   { return r.action }
func (r *Registration) Handler() Handler { return r.handler }

// Unregister removes the registration if it is still the active one for its action.
func (r *Registration) Unregister() {
	if r == nil || r.reg == nil {
		return
	}
	r.reg.mu.Lock()
	if cur, ok := r.reg.handlers[r.action]; ok && cur == r {
		delete(r.reg.handlers, r.action)
	}
	r.reg.mu.Unlock()
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]*Registration{}}
}

// Register binds h to action, replacing any previous binding.
func (r *Registry) Register(action string, h Handler) (*Registration, error) {
	action = strings.TrimSpace(action)
	if action == "" {
		return nil, fmt.Errorf("%w: empty action", ErrValidation)
	}
	if h == nil {
		return nil, fmt.Errorf("%w: nil handler for %q", ErrValidation, action)
	}
	reg := &Registration{reg: r, action: action, handler: h}
	r.mu.Lock()
	r.handlers[action] = reg
	r.mu.Unlock()
	return reg, nil
}

// MustRegister is Register for static wiring; it panics on error.
func (r *Registry) MustRegister(action string, h Handler) *Registration {
	reg, err := r.Register(action, h)
	if err != nil {
		panic(err)
	}
	return reg
}

// Resolve looks up the handler for action. A miss is a normal result.
func (r *Registry) Resolve(action string) (Handler, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	reg, ok := r.handlers[action]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return reg.handler, true
}

// Actions returns the registered action names, sorted.
func (r *Registry) Actions() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Title returns the display title of t, asking its handler first.
func (r *Registry) Title(t *Task) string {
	if h, ok := r.Resolve(t.Action()); ok {
		if tt, ok := h.(Titler); ok {
			if s := tt.Title(t); s != "" {
				return s
			}
		}
	}
	return t.Title()
}

// Title derives a display title from the action: "send_digest" -> "Send Digest".
func (t *Task) Title() string {
	words := strings.Fields(strings.ReplaceAll(t.Action(), "_", " "))
	for i, w := range words {
		rs := []rune(w)
		rs[0] = unicode.ToUpper(rs[0])
		words[i] = string(rs)
	}
	return strings.Join(words, " ")
}

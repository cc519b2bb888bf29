package render

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrDisabled is returned by the disabled generator; Render treats it as
// a silent request for the fallback text.
var ErrDisabled = errors.New("text generation disabled")

// Generator produces raw text for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type GeneratorFunc func(ctx context.Context, prompt string) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Disabled never generates.
type Disabled struct{}

func (Disabled) Generate(context.Context, string) (string, error) { return "", ErrDisabled }

// Registry holds named generators; one of them is active. The first
// registered generator starts active.
type Registry struct {
	mu     sync.RWMutex
	gens   map[string]Generator
	order  []string
	active string
}

func NewRegistry() *Registry {
	return &Registry{gens: map[string]Generator{}}
}

func (r *Registry) Register(name string, g Generator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.gens[name]; !ok {
		r.order = append(r.order, name)
	}
	r.gens[name] = g
	if r.active == "" {
		r.active = name
	}
}

func (r *Registry) Use(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.gens[name]; !ok {
		return fmt.Errorf("render: unknown provider %q", name)
	}
	r.active = name
	return nil
}

// Active returns the active provider, or ("", nil) when none is registered.
func (r *Registry) Active() (string, Generator) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active, r.gens[r.active]
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := append([]string(nil), r.order...)
	sort.Strings(out)
	return out
}

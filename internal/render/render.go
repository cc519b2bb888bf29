package render

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	logx "reminderbot/pkg/logx"
)

// MaxTimeout caps any configured generation timeout.
const MaxTimeout = 60 * time.Second

const defaultTimeout = 20 * time.Second

// Request is what the dispatcher knows about one delivery.
type Request struct {
	Persona       string
	Label         string
	RecipientName string
}

// Observer receives one outcome per Render call:
// "generated", "fallback", "error", "timeout" or "invalid".
type Observer interface {
	ObserveRender(provider, result string)
}

// Renderer turns a reminder into message text. Render never fails: any
// backend problem degrades to Fallback.
type Renderer struct {
	reg *Registry
	log logx.Logger
	obs Observer

	mu      sync.RWMutex
	policy  Policy
	timeout time.Duration
}

type Option func(*Renderer)

func WithObserver(o Observer) Option { return func(r *Renderer) { r.obs = o } }

func WithPolicy(p Policy) Option { return func(r *Renderer) { r.policy = p } }

func WithTimeout(d time.Duration) Option { return func(r *Renderer) { r.timeout = clampTimeout(d) } }

func New(reg *Registry, log logx.Logger, opts ...Option) *Renderer {
	if reg == nil {
		reg = NewRegistry()
	}
	r := &Renderer{
		reg:     reg,
		log:     log.With(logx.String("comp", "render")),
		policy:  DefaultPolicy(),
		timeout: defaultTimeout,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Renderer) Registry() *Registry { return r.reg }

// Configure swaps tone policy and timeout for subsequent renders.
func (r *Renderer) Configure(p Policy, timeout time.Duration) {
	r.mu.Lock()
	r.policy = p
	r.timeout = clampTimeout(timeout)
	r.mu.Unlock()
}

func (r *Renderer) Render(ctx context.Context, req Request) string {
	fallback := Fallback(req.Label)

	name, gen := r.reg.Active()
	if gen == nil {
		r.observe(name, "fallback")
		return fallback
	}

	r.mu.RLock()
	policy, timeout := r.policy, r.timeout
	r.mu.RUnlock()

	gctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw, err := gen.Generate(gctx, BuildPrompt(req.Persona, req.Label, policy))
	switch {
	case errors.Is(err, ErrDisabled):
		r.observe(name, "fallback")
		return fallback
	case err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(gctx.Err(), context.DeadlineExceeded)):
		r.log.Warn("generation timed out; using fallback", logx.String("provider", name), logx.Duration("timeout", timeout))
		r.observe(name, "timeout")
		return fallback
	case err != nil:
		r.log.Warn("generation failed; using fallback", logx.String("provider", name), logx.Err(err))
		r.observe(name, "error")
		return fallback
	}

	line, ok := Clean(raw, req.Persona)
	if !ok {
		r.log.Debug("generated text rejected; using fallback", logx.String("provider", name), logx.Int("len", len(raw)))
		r.observe(name, "invalid")
		return fallback
	}
	r.observe(name, "generated")
	return Finish(line, req.RecipientName, req.Persona)
}

func (r *Renderer) observe(provider, result string) {
	if r.obs != nil {
		r.obs.ObserveRender(provider, result)
	}
}

// Fallback is the deterministic text used whenever generation is
// unavailable: "Remember to <label>." with trailing punctuation normalized.
func Fallback(label string) string {
	l := normalizeLabel(label)
	if l == "" {
		return "Remember your reminder."
	}
	return "Remember to " + l + "."
}

func normalizeLabel(label string) string {
	l := strings.Join(strings.Fields(label), " ")
	return strings.TrimRight(l, ".!?,;: ")
}

func clampTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultTimeout
	}
	return min(d, MaxTimeout)
}

package render

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "reminderbot/pkg/logx"
)

type countingObserver struct {
	mu   sync.Mutex
	seen []string
}

func (c *countingObserver) ObserveRender(provider, result string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, provider+":"+result)
}

func TestFallback(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"Drink water":     "Remember to Drink water.",
		"Drink water.":    "Remember to Drink water.",
		"drink  water!!?": "Remember to drink water.",
		"  stretch ,":     "Remember to stretch.",
		"":                "Remember your reminder.",
		"...":             "Remember your reminder.",
	}
	for in, want := range tests {
		if got := Fallback(in); got != want {
			t.Fatalf("Fallback(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDisabledRendererIsDeterministic(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.Register("disabled", Disabled{})
	obs := &countingObserver{}
	r := New(reg, logx.Nop(), WithObserver(obs))

	for _, persona := range []string{"yoda", "pirate", ""} {
		got := r.Render(context.Background(), Request{Persona: persona, Label: "Drink water", RecipientName: "Alex"})
		require.Equal(t, "Remember to Drink water.", got)
	}
	require.Equal(t, []string{"disabled:fallback", "disabled:fallback", "disabled:fallback"}, obs.seen)
}

func TestRenderGeneratedAddsNameAndSignature(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	var gotPrompt string
	reg.Register("fake", GeneratorFunc(func(_ context.Context, prompt string) (string, error) {
		gotPrompt = prompt
		return "\"Hydrate you must, young one. Strong you will be.\"\nextra line", nil
	}))
	r := New(reg, logx.Nop())

	got := r.Render(context.Background(), Request{Persona: "Yoda", Label: "Drink water", RecipientName: "Alex"})
	require.Equal(t, "Hydrate you must, young one, Alex.\n- Yoda", got)
	require.Contains(t, gotPrompt, "You are Yoda.")
	require.Contains(t, gotPrompt, "Drink water")
	require.Contains(t, gotPrompt, "family-safe")
}

func TestRenderKeepsExistingName(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.Register("fake", GeneratorFunc(func(context.Context, string) (string, error) {
		return "Arr, ALEX, drink yer water!", nil
	}))
	r := New(reg, logx.Nop())

	got := r.Render(context.Background(), Request{Persona: "pirate", Label: "drink water", RecipientName: "alex"})
	require.Equal(t, "Arr, ALEX, drink yer water!\n- pirate", got)
}

func TestRenderFallsBackOnFailures(t *testing.T) {
	t.Parallel()

	cases := map[string]Generator{
		"error": GeneratorFunc(func(context.Context, string) (string, error) {
			return "", errors.New("backend down")
		}),
		"timeout": GeneratorFunc(func(ctx context.Context, _ string) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}),
		"invalid": GeneratorFunc(func(context.Context, string) (string, error) {
			return "  \n 🎉🎉 \n", nil
		}),
		"too long": GeneratorFunc(func(context.Context, string) (string, error) {
			return strings.Repeat("word ", 100), nil
		}),
	}
	for name, gen := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			reg := NewRegistry()
			reg.Register("fake", gen)
			r := New(reg, logx.Nop(), WithTimeout(20*time.Millisecond))
			require.Equal(t, "Remember to stretch.", r.Render(context.Background(), Request{Persona: "coach", Label: "stretch"}))
		})
	}
}

func TestClean(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw, persona, want string
		ok                 bool
	}{
		{raw: "Time to hydrate 💧 friend", want: "Time to hydrate friend.", ok: true},
		{raw: "Batman: Justice waits for no one. Drink.", persona: "Batman", want: "Justice waits for no one.", ok: true},
		{raw: "Pi is 3.14 so eat pie!", want: "Pi is 3.14 so eat pie!", ok: true},
		{raw: "```", ok: false},
		{raw: "", ok: false},
	}
	for _, tt := range tests {
		got, ok := Clean(tt.raw, tt.persona)
		require.Equal(t, tt.ok, ok, tt.raw)
		require.Equal(t, tt.want, got, tt.raw)
	}
}

func TestBuildPromptRelaxedPolicy(t *testing.T) {
	t.Parallel()

	p := BuildPrompt("a pirate", "swab the deck!", Policy{FamilySafe: false, AllowSlang: true, AllowCatchphrases: false})
	require.Contains(t, p, "relaxed")
	require.Contains(t, p, "slang is allowed")
	require.Contains(t, p, "Do not use catchphrases")
	require.Contains(t, p, "to: swab the deck.")
	require.Contains(t, p, "Exactly one sentence")
	require.Contains(t, p, "No emoji")
}

func TestRegistryUse(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	name, gen := reg.Active()
	require.Empty(t, name)
	require.Nil(t, gen)

	reg.Register("disabled", Disabled{})
	reg.Register("ollama", NewOllama("", "llama3", nil))
	name, _ = reg.Active()
	require.Equal(t, "disabled", name)

	require.NoError(t, reg.Use("ollama"))
	name, _ = reg.Active()
	require.Equal(t, "ollama", name)
	require.Error(t, reg.Use("nope"))
	require.Equal(t, []string{"disabled", "ollama"}, reg.Names())
}

func TestOllamaGenerate(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)
		var req ollamaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "llama3", req.Model)
		require.False(t, req.Stream)
		require.Equal(t, "hello", req.Prompt)
		_ = json.NewEncoder(w).Encode(ollamaResponse{Response: "Drink up."})
	}))
	defer srv.Close()

	out, err := NewOllama(srv.URL+"/", "llama3", srv.Client()).Generate(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, "Drink up.", out)
}

func TestOllamaErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewOllama(srv.URL, "missing", srv.Client()).Generate(context.Background(), "hello")
	require.ErrorContains(t, err, "status 404")
}

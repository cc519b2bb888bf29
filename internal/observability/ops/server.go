// Package ops serves the operations HTTP endpoints: health, readiness,
// the external dispatch trigger, Prometheus metrics and optional pprof.
package ops

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"reminderbot/internal/dispatch"
	"reminderbot/internal/notifier"
	rtsup "reminderbot/internal/runtime/supervisor"
	logx "reminderbot/pkg/logx"
)

const (
	DefaultAddr = "127.0.0.1:8089"
	maxWait     = 60 * time.Second
)

// Config controls the ops server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Dispatcher is the scheduler surface the server exposes.
type Dispatcher interface {
	RunNow(ctx context.Context) (dispatch.TickReport, error)
	WaitDeliveries(ctx context.Context) error
	Status() dispatch.Status
}

// History returns recent delivery attempts, newest last.
type History func(n int) []notifier.HistoryItem

type Server struct {
	cfg      Config
	log      logx.Logger
	disp     Dispatcher
	gatherer prometheus.Gatherer
	ready    func() error
	history  History

	mu  sync.Mutex
	ln  net.Listener
	srv *http.Server
	sup *rtsup.Supervisor
}

type Option func(*Server)

// WithReady installs the readiness probe; nil error means ready.
func WithReady(fn func() error) Option { return func(s *Server) { s.ready = fn } }

func WithGatherer(g prometheus.Gatherer) Option { return func(s *Server) { s.gatherer = g } }

func WithHistory(h History) Option { return func(s *Server) { s.history = h } }

func New(cfg Config, disp Dispatcher, log logx.Logger, opts ...Option) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	s := &Server{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "ops")),
		disp:     disp,
		gatherer: prometheus.DefaultGatherer,
		ready:    func() error { return nil },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	auth := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(s.cfg.Token, h) }

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("POST /cron/dispatch", auth(s.handleDispatch))
	mux.HandleFunc("GET /status", auth(s.handleStatus))
	mux.Handle("GET /metrics", auth(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}).ServeHTTP))

	if s.cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", auth(hpprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", auth(hpprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", auth(hpprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", auth(hpprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", auth(hpprof.Trace))
	}
	return mux
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if err := s.ready(); err != nil {
		http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	_, _ = w.Write([]byte("ready"))
}

type dispatchResponse struct {
	dispatch.TickReport
	Waited bool `json:"waited"`
}

// handleDispatch runs one tick. With ?wait=1 the response is held until
// the tick's deliveries finish (bounded).
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	rep, err := s.disp.RunNow(r.Context())
	switch {
	case errors.Is(err, dispatch.ErrTickInProgress):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	case errors.Is(err, dispatch.ErrNotReady):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	case err != nil:
		s.log.Warn("manual dispatch failed", logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	resp := dispatchResponse{TickReport: rep}
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		ctx, cancel := context.WithTimeout(r.Context(), maxWait)
		defer cancel()
		resp.Waited = s.disp.WaitDeliveries(ctx) == nil
	}
	s.log.Info("manual dispatch", logx.String("key", rep.Key), logx.Int("due", rep.Due), logx.Bool("waited", resp.Waited))
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	out := struct {
		Scheduler dispatch.Status        `json:"scheduler"`
		Recent    []notifier.HistoryItem `json:"recent_deliveries,omitempty"`
	}{Scheduler: s.disp.Status()}
	if s.history != nil {
		out.Recent = s.history(20)
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Start binds the listener and serves in the background. A non-loopback
// address without a token is refused unless AllowInsecure is set.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}

	addr := s.cfg.Addr
	loopback := isLoopbackAddr(addr)
	if !loopback && s.cfg.Token == "" {
		if !s.cfg.AllowInsecure {
			return errors.New("ops: non-loopback addr requires token or allow_insecure")
		}
		s.log.Warn("ops server running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}
	sup := rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.ln, s.srv, s.sup = ln, srv, sup

	sup.Go("http.serve", func(c context.Context) error {
		err := srv.Serve(ln)
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	sup.Go0("http.shutdown_on_cancel", func(c context.Context) {
		<-c.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})

	s.log.Info("ops server started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", s.cfg.Token != ""), logx.Bool("pprof", s.cfg.Pprof))
	return nil
}

// Addr is the bound address, empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.ln, s.sup = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	err := srv.Shutdown(ctx)
	if err != nil {
		_ = srv.Close()
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
	s.log.Info("ops server stopped")
	return err
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>. An
// empty token disables the check.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			if ah, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
				got = strings.TrimSpace(ah)
			}
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

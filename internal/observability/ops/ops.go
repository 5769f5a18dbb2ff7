// Package ops serves the operator endpoints: liveness, Prometheus metrics
// and pprof profiles.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"reportd/internal/httpsrv"
	logx "reportd/pkg/logx"
)

const defaultAddr = "127.0.0.1:6060"

type Config struct {
	httpsrv.Config
	// Prefix is where pprof is mounted (default /debug/pprof/).
	Prefix string
	// MetricsPath defaults to /metrics.
	MetricsPath string
}

// StatusFunc returns a JSON-serialisable status document for /status.
type StatusFunc func() any

type Service struct {
	srv      *httpsrv.Service
	gatherer prometheus.Gatherer
	status   StatusFunc

	mu  sync.Mutex
	cfg Config
}

func New(cfg Config, log logx.Logger, gatherer prometheus.Gatherer, status StatusFunc) *Service {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Service{gatherer: gatherer, status: status, cfg: cfg}
	s.srv = httpsrv.New("ops", defaultAddr, cfg.Config, log, func(httpsrv.Config) http.Handler {
		return s.handler()
	})
	return s
}

func (s *Service) Start(ctx context.Context) { s.srv.Start(ctx) }
func (s *Service) Stop(ctx context.Context)  { s.srv.Stop(ctx) }
func (s *Service) Addr() string              { return s.srv.Addr() }

// Reconfigure applies cfg on hot reload. The handler is rebuilt on restart.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	restart := normalizePrefix(cfg.Prefix) != normalizePrefix(s.cfg.Prefix) ||
		metricsPath(cfg.MetricsPath) != metricsPath(s.cfg.MetricsPath)
	s.cfg = cfg
	s.mu.Unlock()
	if restart && s.srv.Enabled() && cfg.Enabled {
		s.srv.Stop(ctx)
	}
	s.srv.Reconfigure(ctx, cfg.Config)
}

func (s *Service) handler() http.Handler {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.status != nil {
		mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(s.status())
		})
	}
	mux.Handle(metricsPath(cfg.MetricsPath), promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	prefix := normalizePrefix(cfg.Prefix)
	base := strings.TrimSuffix(prefix, "/")
	mux.HandleFunc(prefix, pprofIndexAt(prefix))
	mux.HandleFunc(base+"/cmdline", hpprof.Cmdline)
	mux.HandleFunc(base+"/profile", hpprof.Profile)
	mux.HandleFunc(base+"/symbol", hpprof.Symbol)
	mux.HandleFunc(base+"/trace", hpprof.Trace)
	mux.HandleFunc(base, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, prefix, http.StatusPermanentRedirect)
	})

	return httpsrv.WithAuth(cfg.Token, mux)
}

func metricsPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/metrics"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = "/debug/pprof/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// pprof.Index assumes requests are rooted at /debug/pprof/, so the path is
// rewritten for custom prefixes.
func pprofIndexAt(prefix string) http.HandlerFunc {
	canon := normalizePrefix(prefix)
	return func(w http.ResponseWriter, r *http.Request) {
		suffix := strings.TrimPrefix(r.URL.Path, canon)
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + suffix
		hpprof.Index(w, r2)
	}
}

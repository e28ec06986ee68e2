// Package server exposes the local operations API: liveness, trading
// status and Prometheus metrics. It carries no authentication, so the
// listen address should stay on loopback or a private interface.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/jbeckert/crosswind/internal/config"
	"github.com/jbeckert/crosswind/internal/domain"
	"github.com/jbeckert/crosswind/internal/risk"
	"github.com/jbeckert/crosswind/internal/state"
)

// staleHeartbeat flags the engine as wedged. Cycles anchor hourly, so
// two missed anchors means the loop is stuck, not merely slow.
const staleHeartbeat = 2 * time.Hour

// Deps are the read-only views the handlers report from.
type Deps struct {
	Store    *state.Store
	Breaker  *risk.APIBreaker
	CacheDB  *sql.DB             // candle cache, pinged by /healthz
	Gatherer prometheus.Gatherer // /metrics source, nil disables the route
}

// Server is the ops HTTP server.
type Server struct {
	deps    Deps
	router  *chi.Mux
	srv     *http.Server
	log     zerolog.Logger
	started time.Time
	now     func() time.Time
}

// New builds the server and its routes. Call Start to begin serving.
func New(cfg config.ServerConfig, deps Deps, log zerolog.Logger) *Server {
	s := &Server{
		deps:    deps,
		router:  chi.NewRouter(),
		log:     log.With().Str("component", "server").Logger(),
		started: time.Now().UTC(),
		now:     time.Now,
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(30 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/status", s.handleStatus)
	if s.deps.Gatherer != nil {
		s.router.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("Starting ops server")
	return s.srv.ListenAndServe()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down ops server")
	return s.srv.Shutdown(ctx)
}

// Handler returns the route tree for tests and composition.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

// HealthResponse is the /healthz payload.
type HealthResponse struct {
	Status              string  `json:"status"`
	UptimeSeconds       float64 `json:"uptime_seconds"`
	HeartbeatAgeSeconds float64 `json:"heartbeat_age_seconds"` // -1 when no heartbeat exists
	CPUPercent          float64 `json:"cpu_percent"`
	MemPercent          float64 `json:"mem_percent"`
	CacheDB             string  `json:"cache_db"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	now := s.now().UTC()
	uptime := now.Sub(s.started)

	resp := HealthResponse{
		Status:              "ok",
		UptimeSeconds:       uptime.Seconds(),
		HeartbeatAgeSeconds: -1,
		CacheDB:             "disabled",
	}
	resp.CPUPercent, resp.MemPercent = systemStats(s.log)

	healthy := true

	age, err := s.deps.Store.HeartbeatAge(now)
	switch {
	case err == nil:
		resp.HeartbeatAgeSeconds = age.Seconds()
		if age > staleHeartbeat {
			healthy = false
		}
	case uptime < staleHeartbeat:
		// No heartbeat yet, but the engine has not had time to miss one.
	default:
		healthy = false
	}

	if s.deps.CacheDB != nil {
		if err := s.deps.CacheDB.PingContext(r.Context()); err != nil {
			resp.CacheDB = "error: " + err.Error()
			healthy = false
		} else {
			resp.CacheDB = "ok"
		}
	}

	code := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, resp)
}

// PositionStatus is one open position in the /status payload.
type PositionStatus struct {
	Symbol      string    `json:"symbol"`
	Size        float64   `json:"size"`
	EntryPrice  float64   `json:"entry_price"`
	EntryTime   time.Time `json:"entry_time"`
	StopPrice   float64   `json:"stop_price"`
	RealizedPnL float64   `json:"realized_pnl"`
	PendingExit string    `json:"pending_exit,omitempty"`
}

// GateStatus reports every entry gate the daemon tracks. EntriesPaused
// folds them into the single answer an operator usually wants.
type GateStatus struct {
	EntriesPaused   bool      `json:"entries_paused"`
	PausedUntil     time.Time `json:"paused_until"`
	PausedReason    string    `json:"paused_reason,omitempty"`
	DrawdownTripped bool      `json:"drawdown_tripped"`
	EmergencyStop   bool      `json:"emergency_stop"`
}

// BreakerStatus is the API circuit breaker view.
type BreakerStatus struct {
	Open      bool      `json:"open"`
	OpenUntil time.Time `json:"open_until"`
	Failures  int       `json:"failures"`
}

// StatusResponse is the /status payload.
type StatusResponse struct {
	Time        time.Time         `json:"time"`
	Equity      float64           `json:"equity"`
	Day         state.DayState    `json:"day"`
	LastCycleAt time.Time         `json:"last_cycle_at"`
	Positions   []PositionStatus  `json:"positions"`
	Cooldowns   []domain.Cooldown `json:"cooldowns,omitempty"`
	Gates       GateStatus        `json:"gates"`
	Breaker     BreakerStatus     `json:"breaker"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := s.now().UTC()

	resp := StatusResponse{Time: now}
	s.deps.Store.View(func(doc *state.Document) {
		if n := len(doc.EquityHistory); n > 0 {
			resp.Equity = doc.EquityHistory[n-1].Equity
		}
		resp.Day = doc.Day
		resp.LastCycleAt = doc.LastCycleAt

		for _, p := range doc.Positions {
			resp.Positions = append(resp.Positions, PositionStatus{
				Symbol:      p.Symbol,
				Size:        p.Size,
				EntryPrice:  p.EntryPrice,
				EntryTime:   p.EntryTime,
				StopPrice:   p.StopPrice,
				RealizedPnL: p.RealizedPnL,
				PendingExit: p.PendingExit,
			})
		}
		for _, c := range doc.Cooldowns {
			if c.Active(now) {
				resp.Cooldowns = append(resp.Cooldowns, c)
			}
		}

		resp.Gates.PausedUntil = doc.PausedUntil
		resp.Gates.PausedReason = doc.PausedReason
		resp.Gates.DrawdownTripped = doc.DrawdownTripped
	})
	sort.Slice(resp.Positions, func(i, j int) bool {
		return resp.Positions[i].Symbol < resp.Positions[j].Symbol
	})
	sort.Slice(resp.Cooldowns, func(i, j int) bool {
		return resp.Cooldowns[i].Symbol < resp.Cooldowns[j].Symbol
	})

	resp.Gates.EmergencyStop = s.deps.Store.EmergencyStopActive()
	if s.deps.Breaker != nil {
		resp.Breaker.Open = s.deps.Breaker.Open(now)
		resp.Breaker.OpenUntil = s.deps.Breaker.OpenUntil()
		resp.Breaker.Failures = s.deps.Breaker.FailureCount(now)
	}
	resp.Gates.EntriesPaused = now.Before(resp.Gates.PausedUntil) ||
		resp.Gates.DrawdownTripped || resp.Gates.EmergencyStop || resp.Breaker.Open

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// systemStats samples CPU and RAM usage. The 100ms CPU window keeps the
// health endpoint fast at the cost of a noisier reading.
func systemStats(log zerolog.Logger) (float64, float64) {
	cpuAvg := 0.0
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read CPU usage")
	} else if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read memory usage")
		return cpuAvg, 0
	}
	return cpuAvg, memStat.UsedPercent
}

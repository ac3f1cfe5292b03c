// Package api exposes the trust engine over REST/JSON for the board-room
// frontend, plus the metrics and live event-stream endpoints.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aiborg-ai/appboardguru-sub014/internal/audit"
	"github.com/aiborg-ai/appboardguru-sub014/internal/behavior"
	"github.com/aiborg-ai/appboardguru-sub014/internal/config"
	"github.com/aiborg-ai/appboardguru-sub014/internal/coordinator"
	"github.com/aiborg-ai/appboardguru-sub014/internal/identity"
	"github.com/aiborg-ai/appboardguru-sub014/internal/ledger"
	"github.com/aiborg-ai/appboardguru-sub014/internal/middleware"
	"github.com/aiborg-ai/appboardguru-sub014/internal/netrisk"
	"github.com/aiborg-ai/appboardguru-sub014/internal/vault"
	"github.com/aiborg-ai/appboardguru-sub014/internal/websocket"
)

// Server wires every engine component behind HTTP.
type Server struct {
	cfg      config.ServerConfig
	log      *audit.EventLog
	identity *identity.Manager
	assessor *netrisk.Assessor
	analyzer *behavior.Analyzer
	coord    *coordinator.Coordinator
	ledger   *ledger.Ledger
	vault    *vault.Vault
	streamer *websocket.EventStreamer
	registry *prometheus.Registry

	httpServer *http.Server
}

func NewServer(
	cfg config.ServerConfig,
	log *audit.EventLog,
	idm *identity.Manager,
	assessor *netrisk.Assessor,
	analyzer *behavior.Analyzer,
	coord *coordinator.Coordinator,
	ldg *ledger.Ledger,
	vlt *vault.Vault,
	registry *prometheus.Registry,
) *Server {
	return &Server{
		cfg:      cfg,
		log:      log,
		identity: idm,
		assessor: assessor,
		analyzer: analyzer,
		coord:    coord,
		ledger:   ldg,
		vault:    vlt,
		streamer: websocket.NewEventStreamer(log),
		registry: registry,
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		MaxCallsPerMinute: s.cfg.RateLimitPerMin,
		BurstSize:         s.cfg.RateLimitBurst,
	})
	r.Use(limiter.Handler)

	v1 := r.PathPrefix("/api/v1").Subrouter()

	// Identity trust
	v1.HandleFunc("/mfa/initiate", s.handleInitiateMFA).Methods("POST")
	v1.HandleFunc("/mfa/verify", s.handleVerifyMFA).Methods("POST")
	v1.HandleFunc("/devices/attest", s.handleAttestDevice).Methods("POST")

	// Voting ledger
	v1.HandleFunc("/sessions/{id}/votes", s.handleCastVote).Methods("POST")
	v1.HandleFunc("/sessions/{id}/proxies", s.handleRegisterProxy).Methods("POST")
	v1.HandleFunc("/motions/{id}/votes", s.handleMotionVotes).Methods("GET")
	v1.HandleFunc("/motions/{id}/verify", s.handleVerifyChain).Methods("GET")
	v1.HandleFunc("/votes/{id}/verify", s.handleVerifyVote).Methods("GET")

	// Recording vault
	v1.HandleFunc("/recordings", s.handleStartRecording).Methods("POST")
	v1.HandleFunc("/recordings/{id}/status", s.handleRecordingStatus).Methods("POST")
	v1.HandleFunc("/recordings/{id}/access", s.handleRequestAccess).Methods("POST")
	v1.HandleFunc("/recordings/{id}/stream", s.handleStreamRecording).Methods("GET")

	// Audit trail and coordinator
	v1.HandleFunc("/sessions/{id}/events", s.handleSessionEvents).Methods("GET")
	v1.HandleFunc("/sessions/{id}/timeline", s.handleTimeline).Methods("GET")
	v1.HandleFunc("/sessions/{id}/status", s.handleSessionStatus).Methods("GET")
	v1.HandleFunc("/sessions/{id}/compliance", s.handleCompliance).Methods("POST")
	v1.HandleFunc("/sessions/{id}/reset", s.handleReset).Methods("POST")

	// Live event stream
	r.HandleFunc("/ws/sessions/{id}/events", s.handleEventStream)

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	return r
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         ":" + s.cfg.Port,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	slog.Info("trust engine API listening", "port", s.cfg.Port, "env", s.cfg.Env)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

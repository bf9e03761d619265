package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fassetd/native/fassets"
	"fassetd/observability"
)

const maxRequestBody = 1 << 20

const headerRequestID = "X-Request-Id"

// Server exposes the accounting engine over a JSON HTTP API. Mutating
// endpoints take the acting address in the request body; the server performs
// no signature checks and is meant to sit behind an authenticating gateway.
type Server struct {
	engine  *fassets.Engine
	logger  *slog.Logger
	metrics *observability.EngineMetrics
	router  http.Handler
}

// NewServer wires the engine into a routed HTTP handler.
func NewServer(engine *fassets.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		engine:  engine,
		logger:  logger,
		metrics: observability.Engine(),
	}
	srv.router = srv.routes()
	return srv
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.instrument)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Get("/settings", s.handleSettings)
		v1.Get("/supply", s.handleSupply)
		v1.Get("/balances/{address}", s.handleBalance)
		v1.Post("/transfer", s.handleTransfer)

		v1.Post("/agents", s.handleCreateAgent)
		v1.Get("/agents", s.handleListAgents)
		v1.Get("/agents/{vault}", s.handleAgentInfo)
		v1.Delete("/agents/{vault}", s.handleDestroyAgent)
		v1.Post("/agents/{vault}/collateral/deposit", s.handleDepositCollateral)
		v1.Post("/agents/{vault}/collateral/announce-withdrawal", s.handleAnnounceWithdrawal)
		v1.Post("/agents/{vault}/collateral/withdraw", s.handleExecuteWithdrawal)
		v1.Post("/agents/{vault}/topup", s.handleTopUpUnderlying)
		v1.Post("/agents/{vault}/dust/convert", s.handleConvertDust)
		v1.Post("/agents/{vault}/selfclose", s.handleSelfClose)

		v1.Get("/queue", s.handleQueue)

		v1.Post("/minting/reserve", s.handleReserveCollateral)
		v1.Get("/minting/reservations/{id}", s.handleGetReservation)
		v1.Post("/minting/execute", s.handleExecuteMinting)
		v1.Post("/minting/default", s.handleMintingDefault)
		v1.Post("/minting/unstick", s.handleUnstickMinting)

		v1.Post("/redemptions", s.handleRedeem)
		v1.Post("/redemptions/from-agent", s.handleRedeemFromAgent)
		v1.Get("/redemptions/{id}", s.handleGetRedemption)
		v1.Post("/redemptions/{id}/confirm", s.handleConfirmRedemption)
		v1.Post("/redemptions/{id}/default", s.handleRedemptionDefault)
		v1.Post("/redemptions/{id}/reject", s.handleRejectRedemption)
		v1.Post("/redemptions/{id}/takeover", s.handleTakeOverRedemption)

		v1.Post("/liquidation/check", s.handleCheckLiquidation)
		v1.Post("/liquidation/start", s.handleStartLiquidation)
		v1.Post("/liquidation/liquidate", s.handleLiquidate)
		v1.Post("/liquidation/end", s.handleEndLiquidation)
		v1.Post("/liquidation/challenge", s.handleChallenge)

		v1.Get("/fees/rate", s.handleFeeRate)
		v1.Post("/fees/schedule", s.handleScheduleFee)
		v1.Post("/fees/claim", s.handleClaimFees)

		v1.Post("/underlying/block", s.handleUnderlyingBlock)
	})
	return r
}

// instrument stamps every request with a correlation id, logs it and records
// the latency histogram.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(headerRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(headerRequestID, requestID)

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(recorder, r)
		elapsed := time.Since(start)

		route := chi.RouteContext(r.Context()).RoutePattern()
		status := strconv.Itoa(recorder.status)
		s.metrics.ObserveRequest(route, status, elapsed)
		s.logger.Info("rpc request",
			slog.String("requestId", requestID),
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", recorder.status),
			slog.Duration("elapsed", elapsed),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// --- request plumbing ---

type errorEnvelope struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("encode response", slog.String("error", err.Error()))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	switch {
	case fassets.IsNotFound(err):
		status = http.StatusNotFound
	case fassets.IsUnauthorized(err):
		status = http.StatusForbidden
	case fassets.IsConflict(err):
		status = http.StatusConflict
	}
	s.writeJSON(w, status, errorEnvelope{Error: err.Error()})
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: fmt.Sprintf("invalid request body: %v", err)})
		return false
	}
	return true
}

func (s *Server) vaultParam(w http.ResponseWriter, r *http.Request) ([20]byte, bool) {
	vault, err := parseAddress(chi.URLParam(r, "vault"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: err.Error()})
		return vault, false
	}
	return vault, true
}

func (s *Server) idParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		s.writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: "invalid id"})
		return 0, false
	}
	return id, true
}

var errMissingField = errors.New("missing required field")

func requireField(name, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s", errMissingField, name)
	}
	return nil
}

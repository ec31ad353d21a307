package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/prediction-subnet/internal/observability"
)

// MinerRoutes configures the miner router.
type MinerRoutes struct {
	Logger         *zap.Logger
	Limiter        *IPRateLimiter
	Auth           AuthConfig
	RequestTimeout time.Duration
}

// NewMinerRouter wires the miner endpoints. /method/generate runs behind rate limiting,
// signature verification and a request timeout; /health and /metrics are open.
func NewMinerRouter(h *Handler, cfg MinerRoutes) *mux.Router {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(cfg.Logger))
	router.Use(MetricsMiddleware)

	method := router.PathPrefix("/method").Subrouter()
	method.Use(RateLimitMiddleware(cfg.Limiter))
	method.Use(SignatureMiddleware(cfg.Auth))
	if cfg.RequestTimeout > 0 {
		method.Use(TimeoutMiddleware(cfg.RequestTimeout))
	}
	method.HandleFunc("/generate", h.Generate).Methods(http.MethodPost)

	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)
	return router
}

// NewRegistryRouter wires the registry endpoints. Writes require a valid signature.
func NewRegistryRouter(h *RegistryHandler, logger *zap.Logger, maxSkew time.Duration) *mux.Router {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)

	router.HandleFunc("/subnets", h.ListSubnets).Methods(http.MethodGet)
	router.HandleFunc("/subnets/{netuid}/modules", h.ListModules).Methods(http.MethodGet)
	router.HandleFunc("/subnets/{netuid}/weights", h.ListVotes).Methods(http.MethodGet)

	signed := SignatureMiddleware(AuthConfig{MaxSkew: maxSkew})
	router.Handle("/subnets/{netuid}/modules", signed(http.HandlerFunc(h.RegisterModule))).Methods(http.MethodPost)
	router.Handle("/subnets/{netuid}/weights", signed(http.HandlerFunc(h.SetWeights))).Methods(http.MethodPost)

	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)
	return router
}

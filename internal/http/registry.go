package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/prediction-subnet/internal/observability"
	"github.com/kjstillabower/prediction-subnet/internal/subnet"
	"github.com/kjstillabower/prediction-subnet/internal/validation"
)

// RegistryHandler serves the registry API over a subnet.Registry.
type RegistryHandler struct {
	registry *subnet.Registry
	logger   *zap.Logger
}

// NewRegistryHandler returns a RegistryHandler.
func NewRegistryHandler(registry *subnet.Registry, logger *zap.Logger) *RegistryHandler {
	return &RegistryHandler{registry: registry, logger: logger}
}

// ListSubnets handles GET /subnets.
func (h *RegistryHandler) ListSubnets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.Subnets())
}

// ListModules handles GET /subnets/{netuid}/modules.
func (h *RegistryHandler) ListModules(w http.ResponseWriter, r *http.Request) {
	netuid, ok := netuidVar(w, r)
	if !ok {
		return
	}
	mods, err := h.registry.Modules(netuid)
	if err != nil {
		writeRegistryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"modules": mods})
}

// RegisterModule handles POST /subnets/{netuid}/modules. The signer becomes the module key.
func (h *RegistryHandler) RegisterModule(w http.ResponseWriter, r *http.Request) {
	netuid, ok := netuidVar(w, r)
	if !ok {
		return
	}
	var in validation.RegisterInput
	if !decodeBody(w, r, &in) {
		return
	}
	mod, err := h.registry.Register(netuid, callerKey(r), in.Name, in.Address)
	if err != nil {
		writeRegistryError(w, r, err)
		return
	}
	if mods, err := h.registry.Modules(netuid); err == nil {
		observability.SetRegistryModules(netuid, len(mods))
	}
	h.logger.Info("module registered",
		zap.Int("netuid", netuid),
		zap.Int("uid", mod.UID),
		zap.String("key", mod.Key),
		zap.String("address", mod.Address))
	writeJSON(w, http.StatusOK, map[string]interface{}{"module": mod})
}

// SetWeights handles POST /subnets/{netuid}/weights. The signer is the voting validator.
func (h *RegistryHandler) SetWeights(w http.ResponseWriter, r *http.Request) {
	netuid, ok := netuidVar(w, r)
	if !ok {
		return
	}
	var in validation.VoteInput
	if !decodeBody(w, r, &in) {
		return
	}
	vote, err := h.registry.Vote(netuid, callerKey(r), in.UIDs, in.Weights)
	if err != nil {
		writeRegistryError(w, r, err)
		return
	}
	observability.RegistryVotesTotal.WithLabelValues(strconv.Itoa(netuid)).Inc()
	h.logger.Info("weights set",
		zap.Int("netuid", netuid),
		zap.String("validator", vote.Validator),
		zap.Int("entries", len(vote.UIDs)))
	writeJSON(w, http.StatusOK, map[string]interface{}{"vote": vote})
}

// ListVotes handles GET /subnets/{netuid}/weights.
func (h *RegistryHandler) ListVotes(w http.ResponseWriter, r *http.Request) {
	netuid, ok := netuidVar(w, r)
	if !ok {
		return
	}
	votes, err := h.registry.Votes(netuid)
	if err != nil {
		writeRegistryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"votes": votes})
}

// GetHealth handles GET /health for the registry.
func (h *RegistryHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "prediction-registry",
		"subnets": len(h.registry.Subnets()),
	})
}

func netuidVar(w http.ResponseWriter, r *http.Request) (int, bool) {
	netuid, err := strconv.Atoi(mux.Vars(r)["netuid"])
	if err != nil || netuid < 0 {
		writeError(w, r, http.StatusBadRequest, subnet.CodeInvalidRequest, "netuid must be a non-negative integer")
		return 0, false
	}
	return netuid, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, r, http.StatusBadRequest, subnet.CodeInvalidRequest, "request body must be a JSON object")
		return false
	}
	return true
}

func writeRegistryError(w http.ResponseWriter, r *http.Request, err error) {
	code, status := subnet.ErrorCode(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	if logger := loggerFromRequest(r); logger != nil {
		level := logger.Debug
		if errors.Is(err, subnet.ErrNotRegistered) {
			level = logger.Info
		}
		level("registry request rejected", zap.String("code", code), zap.Error(err))
	}
	writeError(w, r, status, code, msg)
}

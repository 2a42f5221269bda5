// Package echo is a minimal reference CapabilityHandler: it advertises
// a single "echo" capability and returns whatever payload it is given.
// It exists so crank-worker is a runnable binary out of the box; a real
// deployment swaps this package for its own CapabilityHandler.
package echo

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/crankbird/crank/pkg/capability"
	"github.com/crankbird/crank/pkg/log"
	"github.com/crankbird/crank/pkg/types"
)

// Handler implements worker.CapabilityHandler.
type Handler struct {
	def types.CapabilityDefinition
}

var echoDefinition = types.CapabilityDefinition{
	ID:      "echo",
	Version: "1.0.0",
	IOContract: types.IOContract{
		InputSchema: map[string]interface{}{
			"type":                 "object",
			"additionalProperties": true,
		},
		OutputSchema: map[string]interface{}{
			"type":                 "object",
			"additionalProperties": true,
		},
	},
	Tags: []string{"reference", "diagnostic"},
}

// New constructs the echo handler, validating its own manifest the same
// way the controller validates one supplied over the wire.
func New() (*Handler, error) {
	def := echoDefinition
	if err := capability.Validate(&def); err != nil {
		return nil, err
	}
	return &Handler{def: def}, nil
}

func (h *Handler) Capabilities() []types.CapabilityDefinition {
	return []types.CapabilityDefinition{h.def}
}

func (h *Handler) SetupRoutes(router *mux.Router) {
	router.HandleFunc("/v1/capabilities/echo", h.handleInvoke).Methods(http.MethodPost)
}

func (h *Handler) OnStartup(ctx context.Context) error {
	log.WithComponent("capability-echo").Info().Msg("echo capability ready")
	return nil
}

func (h *Handler) OnShutdown(ctx context.Context) error {
	return nil
}

func (h *Handler) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var payload map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	if err := capability.ValidatePayload(&h.def, payload); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

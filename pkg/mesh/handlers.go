package mesh

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/crankbird/crank/pkg/log"
)

// Server exposes this controller's mesh surface: receiving peer
// snapshots and serving its own for peers that pull instead of push.
type Server struct {
	exchanger *Exchanger
	store     *PeerStore
	logger    zerolog.Logger
}

// NewServer wraps exchanger/store for HTTP use.
func NewServer(exchanger *Exchanger, store *PeerStore) *Server {
	return &Server{exchanger: exchanger, store: store, logger: log.WithComponent("mesh")}
}

// Routes registers the mesh endpoints on router.
func (s *Server) Routes(router *mux.Router) {
	router.HandleFunc("/v1/mesh/snapshot", s.handleReceive).Methods(http.MethodPost)
	router.HandleFunc("/v1/mesh/snapshot", s.handleServe).Methods(http.MethodGet)
}

func (s *Server) handleReceive(w http.ResponseWriter, r *http.Request) {
	var batch snapshotBatch
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&batch); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed snapshot batch")
		return
	}
	s.exchanger.Ingest(batch.Snapshots)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleServe(w http.ResponseWriter, r *http.Request) {
	snapshots, err := s.exchanger.localSnapshots()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "build local snapshots failed")
		return
	}
	writeJSON(w, http.StatusOK, snapshotBatch{Snapshots: snapshots})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

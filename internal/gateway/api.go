package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

// handleListClients returns every connected client ordered by id
func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	clients := s.registry.Snapshot()

	s.logger.Debug().Int("clients", len(clients)).Msg("Sending client list")
	s.writeJSON(w, clients)
}

// handleGetClient returns one client record
func (s *Server) handleGetClient(w http.ResponseWriter, r *http.Request) {
	clientID := mux.Vars(r)["clientID"]

	rec, ok := s.registry.Get(clientID)
	if !ok {
		http.Error(w, "Client not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, rec)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

package rest

import (
	"net/http"
	"sort"
)

// HandleListActionTypes lists the action types workflows may use.
func (s *Server) HandleListActionTypes(w http.ResponseWriter, r *http.Request) {
	types := make([]string, 0)
	if s.actions != nil {
		for _, t := range s.actions.Types() {
			types = append(types, string(t))
		}
	}
	sort.Strings(types)
	respondWithJSON(w, http.StatusOK, map[string]any{"action_types": types})
}

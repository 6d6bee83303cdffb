package rules

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// VersionResponse is the body of GET /v1/rules/version
type VersionResponse struct {
	RulesetVersion int64 `json:"rulesetVersion"`
}

// ChangesResponse is the body of GET /v1/rules/changes
type ChangesResponse struct {
	RulesetVersion int64  `json:"rulesetVersion"`
	Changes        []Rule `json:"changes"`
}

// VersionHandler serves the current ruleset version. A nil store means rule
// sync is disabled and every request gets 404.
func VersionHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "rule sync is disabled", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, VersionResponse{RulesetVersion: store.Version()})
	}
}

// ChangesHandler serves the rules changed after the sinceVersion query
// parameter (default 0, i.e. everything).
func ChangesHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "rule sync is disabled", http.StatusNotFound)
			return
		}

		var since int64
		if raw := r.URL.Query().Get("sinceVersion"); raw != "" {
			v, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || v < 0 {
				http.Error(w, "sinceVersion must be a non-negative integer", http.StatusBadRequest)
				return
			}
			since = v
		}

		version, changes := store.ChangesSince(since)
		writeJSON(w, http.StatusOK, ChangesResponse{RulesetVersion: version, Changes: changes})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

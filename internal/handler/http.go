package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/ugaemi/tag-server/internal/room"
	"github.com/ugaemi/tag-server/internal/store"
)

// StatusHandler serves GET /rooms/{code}/players/{id}/status.
func StatusHandler(rm *room.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		vars := mux.Vars(req)
		r := rm.GetRoom(vars["code"])
		if r == nil {
			writeJSONError(w, http.StatusNotFound, "room not found")
			return
		}

		playerID := vars["id"]
		e, err := r.Engine(playerID)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, "player not found")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(statusOf(playerID, e)); err != nil {
			slog.Error("failed to write status", "room", r.Code, "player", playerID, "error", err)
		}
	}
}

type sessionsResponse struct {
	Sessions []store.SessionRecord `json:"sessions"`
}

// SessionsHandler serves GET /players/{id}/sessions?limit=N.
func SessionsHandler(sessions store.SessionStore) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		playerID := mux.Vars(req)["id"]

		limit := 0
		if v := req.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				writeJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = n
		}

		recs, err := sessions.ListSessions(req.Context(), playerID, limit)
		if err != nil {
			slog.Error("failed to list sessions", "player", playerID, "error", err)
			writeJSONError(w, http.StatusInternalServerError, "failed to list sessions")
			return
		}
		if recs == nil {
			recs = []store.SessionRecord{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(sessionsResponse{Sessions: recs})
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// Package api exposes the REST surface of the coordination server: health,
// stats and the document persistence boundary the autosave scheduler writes
// through.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/Glfrancodev/semilleros-collab/internal/auth"
	"github.com/Glfrancodev/semilleros-collab/internal/store"
	"github.com/Glfrancodev/semilleros-collab/internal/ws"
)

type API struct {
	hub      *ws.Hub
	store    *store.Store
	verifier *auth.Verifier
}

func New(hub *ws.Hub, st *store.Store, verifier *auth.Verifier) *API {
	return &API{
		hub:      hub,
		store:    st,
		verifier: verifier,
	}
}

// Router builds the full route table, websocket endpoint included.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	r.HandleFunc("/health", a.HealthHandler).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/ws", func(w http.ResponseWriter, req *http.Request) {
		ws.ServeWS(a.hub, a.verifier, w, req)
	})

	protected := r.PathPrefix("/api").Subrouter()
	protected.Use(a.verifier.Middleware)
	protected.HandleFunc("/stats", a.StatsHandler).Methods(http.MethodGet, http.MethodOptions)
	protected.HandleFunc("/documents/{type}/{id}/content", a.GetContentHandler).Methods(http.MethodGet, http.MethodOptions)
	protected.HandleFunc("/documents/{type}/{id}/content", a.PutContentHandler).Methods(http.MethodPut)
	protected.HandleFunc("/documents/{type}/{id}/history", a.HistoryHandler).Methods(http.MethodGet, http.MethodOptions)

	return r
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("encoding JSON response")
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"active_rooms":   a.hub.RoomCount(),
		"active_clients": a.hub.ClientCount(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	if dbStats, err := a.store.Stats(r.Context()); err == nil {
		stats["document_count"] = dbStats["document_count"]
		stats["history_count"] = dbStats["history_count"]
	}

	jsonResponse(w, http.StatusOK, stats)
}

func (a *API) GetContentHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	doc, err := a.store.GetContent(r.Context(), vars["type"], vars["id"])
	if err != nil {
		log.Error().Err(err).Msg("reading document")
		errorResponse(w, http.StatusInternalServerError, "Failed to read document")
		return
	}
	if doc == nil {
		errorResponse(w, http.StatusNotFound, "Document not found")
		return
	}

	jsonResponse(w, http.StatusOK, doc)
}

// SaveContentRequest is the body of the autosave write: the full current
// document tree, replaced wholesale.
type SaveContentRequest struct {
	Content json.RawMessage `json:"content"`
}

func (a *API) PutContentHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req SaveContentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if len(req.Content) == 0 {
		errorResponse(w, http.StatusBadRequest, "Missing content")
		return
	}

	savedBy := ""
	if id, ok := auth.FromContext(r.Context()); ok {
		savedBy = id.UserID
	}

	if err := a.store.ReplaceContent(r.Context(), vars["type"], vars["id"], req.Content, savedBy); err != nil {
		log.Error().Err(err).Str("doc", vars["type"]+"/"+vars["id"]).Msg("saving document")
		errorResponse(w, http.StatusInternalServerError, "Failed to save document")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"saved_at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	entries, err := a.store.History(r.Context(), vars["type"], vars["id"], limit)
	if err != nil {
		log.Error().Err(err).Msg("listing history")
		errorResponse(w, http.StatusInternalServerError, "Failed to list history")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"history": entries,
		"count":   len(entries),
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

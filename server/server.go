package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rishabhknowss/boardly/history"
)

type Stats interface {
	Stats() (rooms, members int)
}

type ConnectionCounter interface {
	ConnectionCount() int
}

type Deps struct {
	Gateway     http.Handler
	Connections ConnectionCounter
	Registry    Stats
	History     history.Store
	Gatherer    prometheus.Gatherer
}

type roomResponse struct {
	RoomID   string           `json:"roomId"`
	Messages []history.Record `json:"messages"`
}

func NewRouter(d Deps) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/ws", d.Gateway)
	r.HandleFunc("/health", healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/stats", statsHandler(d.Registry, d.Connections)).Methods(http.MethodGet)
	r.HandleFunc("/room/{roomId}", roomHandler(d.History)).Methods(http.MethodGet)
	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statsHandler reports clients as live authenticated connections, whether or
// not they have joined a room yet.
func statsHandler(registry Stats, conns ConnectionCounter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rooms, members := registry.Stats()
		writeJSON(w, http.StatusOK, map[string]int{
			"rooms":   rooms,
			"members": members,
			"clients": conns.ConnectionCount(),
		})
	}
}

// roomHandler returns a room's persisted operations in stored order for
// replay. Clients apply them before any live chat_message.
func roomHandler(store history.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := mux.Vars(r)["roomId"]

		records, err := store.ReadRoom(r.Context(), roomID)
		if err != nil {
			slog.Error("history read failed", "roomId", roomID, "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "history unavailable"})
			return
		}
		if records == nil {
			records = []history.Record{}
		}
		writeJSON(w, http.StatusOK, roomResponse{RoomID: roomID, Messages: records})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

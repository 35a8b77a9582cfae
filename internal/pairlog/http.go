package pairlog

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"
)

// RoomReader is the read side of the pairing log.
type RoomReader interface {
	Get(ctx context.Context, roomID string) (*Room, error)
	CountOpenedSince(ctx context.Context, since time.Time) (map[string]int, error)
}

// NewHandler serves the pairing log over HTTP:
//
//	GET /health      database reachable, rooms opened per strategy in the last window
//	GET /rooms/{id}  one room
func NewHandler(r RoomReader, window time.Duration) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, req *http.Request) {
		counts, err := r.CountOpenedSince(req.Context(), time.Now().Add(-window))
		if err != nil {
			log.Printf("[pairlog] health: %v", err)
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, struct {
			Status string         `json:"status"`
			Window string         `json:"window"`
			Opened map[string]int `json:"opened"`
		}{"ok", window.String(), counts})
	})

	mux.HandleFunc("GET /rooms/{id}", func(w http.ResponseWriter, req *http.Request) {
		room, err := r.Get(req.Context(), req.PathValue("id"))
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}
		if err != nil {
			log.Printf("[pairlog] get room: %v", err)
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, room)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

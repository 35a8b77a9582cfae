package session

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
)

// Reader is the read side of the presence store.
type Reader interface {
	Get(ctx context.Context, sessionID string) (*Session, error)
	Count(ctx context.Context) (int64, error)
}

// NewHandler serves presence lookups:
//
//	GET /presence       number of sessions recorded for this server
//	GET /presence/{id}  one session's state
func NewHandler(r Reader) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /presence", func(w http.ResponseWriter, req *http.Request) {
		n, err := r.Count(req.Context())
		if err != nil {
			log.Printf("[session] presence count: %v", err)
			http.Error(w, "presence unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, struct {
			Sessions int64 `json:"sessions"`
		}{n})
	})

	mux.HandleFunc("GET /presence/{id}", func(w http.ResponseWriter, req *http.Request) {
		s, err := r.Get(req.Context(), req.PathValue("id"))
		if err != nil {
			log.Printf("[session] presence get: %v", err)
			http.Error(w, "presence unavailable", http.StatusServiceUnavailable)
			return
		}
		if s == nil {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		writeJSON(w, s)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

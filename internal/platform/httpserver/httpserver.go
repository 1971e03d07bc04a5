package httpserver

import (
	"net/http"
	"time"
)

// New builds the decision API server. Evaluations are short-lived, so the
// write timeout is tight; slow clients get cut rather than hold a worker.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

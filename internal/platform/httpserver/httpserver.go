package httpserver

import (
	"net/http"
	"time"
)

// New builds the gateway's HTTP server. WriteTimeout must cover the worst
// case affiliation path: broker auth plus the affiliation call with its full
// retry schedule.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

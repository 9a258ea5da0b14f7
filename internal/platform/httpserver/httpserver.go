package httpserver

import (
	"net/http"
	"time"
)

// New builds an http.Server with timeouts suited to the UI bridge. The
// write timeout stays zero because the event stream holds its response
// open for the lifetime of the renderer.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

package gateway

import (
	"net/http"
)

// HTTPHandler is implemented by endpoints that mount themselves on the
// server's mux.
type HTTPHandler interface {
	// RegisterHTTPHandlers registers the routes under prefix, e.g. "/ws".
	RegisterHTTPHandlers(prefix string, mux *http.ServeMux)
}

package gateway

import (
	"net/http"
)

// Routes builds the route table. Discovery, OAuth and health endpoints are
// open; status and JSON-RPC dispatch sit behind the configured auth mode.
func (g *Gateway) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)
	for _, path := range []string{"/logo.png", "/favicon.ico", "/icon.png", "/favicon.png"} {
		mux.HandleFunc("GET "+path, handleLogo)
	}

	if g.auth != nil {
		g.auth.RegisterRoutes(mux)
	}

	protect := g.authMiddleware()
	mux.Handle("GET /status", protect(http.HandlerFunc(g.handleStatus)))
	mux.Handle("POST /{$}", protect(http.HandlerFunc(g.handleJSONRPC)))
	mux.Handle("POST /mcp", protect(http.HandlerFunc(g.handleJSONRPC)))

	mux.HandleFunc("/", handleNotFound)
	return mux
}

func handleNotFound(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not found"})
}

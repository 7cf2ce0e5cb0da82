// Package gateway terminates the MCP Streamable HTTP transport. It owns the
// HTTP listener, the route table, the authentication middleware and the
// JSON-RPC dispatch into the multiplexer.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mcpbox/mcpbox/pkg/authserver"
	"github.com/mcpbox/mcpbox/pkg/config"
	"github.com/mcpbox/mcpbox/pkg/log"
	"github.com/mcpbox/mcpbox/pkg/multiplexer"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Gateway glues the HTTP surface to the multiplexer and the optional
// embedded authorization server.
type Gateway struct {
	cfg     *config.Config
	mpx     *multiplexer.Multiplexer
	auth    *authserver.Server
	version string
}

// New wires the gateway. auth is nil unless OAuth is configured.
func New(cfg *config.Config, mpx *multiplexer.Multiplexer, auth *authserver.Server, version string) *Gateway {
	return &Gateway{cfg: cfg, mpx: mpx, auth: auth, version: version}
}

// Run serves HTTP until ctx is cancelled, then drains the listener and shuts
// the children down concurrently.
func (g *Gateway) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", g.cfg.Server.Port),
		Handler:           g.Routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	log.Infof("gateway listening on http://localhost:%d", g.cfg.Server.Port)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Infof("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	drained := make(chan error, 1)
	go func() { drained <- server.Shutdown(shutdownCtx) }()

	g.mpx.Close()

	if err := <-drained; err != nil {
		log.Warnf("failed to drain http listener: %v", err)
	}
	return nil
}

package serve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"

	"github.com/centrorum/community-service/internal/config"
)

// RunningServer is a bound and serving HTTP listener.
type RunningServer struct {
	Addr net.Addr
	Port int
	TLS  bool

	server *http.Server
}

// Close gracefully drains the server.
func (r *RunningServer) Close(ctx context.Context) error {
	return r.server.Shutdown(ctx)
}

// StartHTTPServer binds the configured port and starts serving the handler.
// TLS is used when enabled and both certificate and key files are configured;
// otherwise the listener serves plaintext HTTP.
func StartHTTPServer(cfg config.ListenerConfig, handler http.Handler) (*RunningServer, error) {
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}
	useTLS := cfg.EnableTLS && cfg.TLSCertFile != "" && cfg.TLSKeyFile != ""
	if !useTLS && !cfg.EnablePlainText {
		return nil, fmt.Errorf("listener requires plaintext enabled or a TLS certificate and key")
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("listen failed: %w", err)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}

	go func() {
		var serveErr error
		if useTLS {
			serveErr = srv.ServeTLS(lis, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			serveErr = srv.Serve(lis)
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			log.Error("HTTP server stopped", "err", serveErr)
		}
	}()

	return &RunningServer{
		Addr:   lis.Addr(),
		Port:   lis.Addr().(*net.TCPAddr).Port,
		TLS:    useTLS,
		server: srv,
	}, nil
}

package statusapi

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/psantana5/deskexam/pkg/logging"
)

// Server runs the status API in the background
type Server struct {
	srv      *http.Server
	listener net.Listener
	logger   *logging.Logger
	done     chan struct{}
}

// Start listens on addr and serves handler. A non-nil tlsConfig enables HTTPS.
func Start(addr string, handler *Handler, tlsConfig *tls.Config, logger *logging.Logger) (*Server, error) {
	if logger == nil {
		logger = logging.Nop()
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}

	s := &Server{
		srv: &http.Server{
			Handler:      handler.Router(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		listener: ln,
		logger:   logger,
		done:     make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Status server error", map[string]interface{}{"error": err.Error()})
		}
	}()

	logger.Info("Status API listening", map[string]interface{}{
		"addr": ln.Addr().String(),
		"tls":  tlsConfig != nil,
	})
	return s, nil
}

// Addr returns the bound address
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	<-s.done
	return err
}

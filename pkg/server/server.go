// Package server exposes the conversation service over the webapp's
// /backend-api HTTP surface.
package server

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chatproxy/pkg/eventbus"
	"github.com/go-go-golems/chatproxy/pkg/relay"
)

const (
	APIPrefix       = "/backend-api"
	shutdownTimeout = 30 * time.Second
)

type Config struct {
	Addr      string
	PublicDir string
	Service   Converser
	Registry  *relay.Registry
	// Auth enables basic auth on everything but /healthz when set.
	Auth Authenticator
	// Bus is optional; when set its logging consumer runs alongside the server.
	Bus *eventbus.Bus
	// Closers are closed after the HTTP server has shut down.
	Closers []io.Closer
}

type Server struct {
	cfg     Config
	httpSrv *http.Server
}

func New(cfg Config) (*Server, error) {
	if cfg.Service == nil {
		return nil, errors.New("server: conversation service is nil")
	}
	if cfg.Registry == nil {
		cfg.Registry = relay.NewRegistry()
	}
	s := &Server{cfg: cfg}
	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) Registry() *relay.Registry { return s.cfg.Registry }

// Handler builds the full route tree with middleware applied.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST "+APIPrefix+"/moderations", handleModerations)
	api.HandleFunc("GET "+APIPrefix+"/conversations", handleConversations)
	api.Handle("POST "+APIPrefix+"/conversation", NewConversationHandler(s.cfg.Service, s.cfg.Registry))
	api.Handle("GET "+APIPrefix+"/conversation/ws", NewConversationWSHandler(s.cfg.Service, s.cfg.Registry, websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}))
	api.HandleFunc("POST "+APIPrefix+"/conversation/gen_title/", handleGenTitle)
	if s.cfg.PublicDir != "" {
		api.Handle("GET /", http.FileServer(http.Dir(s.cfg.PublicDir)))
	}

	var protected http.Handler = api
	if s.cfg.Auth != nil {
		protected = withBasicAuth(s.cfg.Auth, api)
	}

	root := http.NewServeMux()
	root.HandleFunc("GET /healthz", handleHealthz)
	root.Handle("/", protected)
	return withRequestLogging(root)
}

// Run serves until ctx is cancelled or SIGINT/SIGTERM arrives, then shuts
// down gracefully and releases the configured resources.
func (s *Server) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	if s == nil || s.httpSrv == nil {
		return errors.New("server is not initialized")
	}
	eg := errgroup.Group{}
	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()

	if s.cfg.Bus != nil {
		eg.Go(func() error { return s.cfg.Bus.RunLogger(srvCtx) })
	}

	eg.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
			log.Info().Msg("received interrupt signal, shutting down gracefully...")
		case <-srvCtx.Done():
		}
		srvCancel()
		return s.shutdown(context.WithoutCancel(ctx))
	})

	eg.Go(func() error {
		log.Info().Str("addr", s.httpSrv.Addr).Msg("starting chatproxy server")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server listen error")
			srvCancel()
			return err
		}
		return nil
	})

	return eg.Wait()
}

func (s *Server) shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	err := s.httpSrv.Shutdown(shutdownCtx)
	if err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	s.cfg.Registry.CloseAll()
	if s.cfg.Bus != nil {
		if err := s.cfg.Bus.Close(); err != nil {
			log.Error().Err(err).Msg("event bus close error")
		}
	}
	for _, c := range s.cfg.Closers {
		if err := c.Close(); err != nil {
			log.Error().Err(err).Msg("close error")
		}
	}
	log.Info().Msg("server shutdown complete")
	return err
}

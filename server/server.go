// Package server exposes the fetchers over HTTP: every download is streamed
// straight from the remote source into the response.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/beyondstorage/beyond-fetch/config"
	"github.com/beyondstorage/beyond-fetch/fetch"
)

// HTTPServer is where everything is stored.
type HTTPServer struct {
	StartTime time.Time // Time when the server was created

	setting *config.ServerSettings
	sources map[string]source
	adhoc   map[string]fetch.Fetcher
	router  chi.Router

	mu       sync.Mutex
	listener net.Listener
	srv      *http.Server
}

// NewHTTPServer creates a new HTTPServer instance with one fetcher per
// configured source.
func NewHTTPServer(c *config.Config) (*HTTPServer, error) {
	sources := make(map[string]source, len(c.Sources))
	for name, sc := range c.Sources {
		f, err := NewFetcher(sc)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", name, err)
		}
		sources[name] = source{fetcher: f, conf: sc}
	}

	adhoc, err := adhocFetchers()
	if err != nil {
		return nil, err
	}

	s := &HTTPServer{
		StartTime: time.Now().UTC(),
		setting:   config.GetServerSetting(c),
		sources:   sources,
		adhoc:     adhoc,
	}
	s.router = s.routes()
	return s, nil
}

func (s *HTTPServer) Setting() *config.ServerSettings {
	return s.setting
}

func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// Sources returns the configured source names, sorted.
func (s *HTTPServer) Sources() []string {
	names := make([]string, 0, len(s.sources))
	for name := range s.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *HTTPServer) Start() error {
	l, err := net.Listen("tcp", fmt.Sprintf(
		"%s:%d", s.setting.ListenHost, s.setting.ListenPort,
	))
	if err != nil {
		return fmt.Errorf("cannot listen: %w", err)
	}

	s.mu.Lock()
	s.listener = l
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Unlock()

	zap.L().Info("Listening...",
		zap.String("addr", l.Addr().String()),
		zap.Strings("sources", s.Sources()),
		zap.Bool("allow-adhoc", s.setting.AllowAdhoc))
	return nil
}

func (s *HTTPServer) Serve() error {
	s.mu.Lock()
	srv, l := s.srv, s.listener
	s.mu.Unlock()
	if srv == nil {
		return errors.New("server not started")
	}

	err := srv.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop waits up to 30 seconds for running downloads, then closes them.
func (s *HTTPServer) Stop() error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		zap.L().Warn("Graceful shutdown failed", zap.Error(err))
		return srv.Close()
	}
	return nil
}

func (s *HTTPServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *HTTPServer) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(requestID, recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/sources/{source}/files", s.handleSourceFile)
	r.Post("/download", s.handleAdhoc)
	return r
}

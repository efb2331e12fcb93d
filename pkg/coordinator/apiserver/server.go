/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package apiserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// Config wires the HTTP surface. Tokens maps bearer tokens to roles; an empty
// map means every protected route answers 401.
type Config struct {
	Port   int
	Tokens map[string]string
	// RestartAllowList names the services an operator may restart.
	RestartAllowList []string
}

// Server mounts the coordinator API under /api.
type Server struct {
	cfg     Config
	coord   Coordinator
	logger  *zap.SugaredLogger
	limiter *rateLimiter
	srv     *http.Server
}

func New(cfg Config, coord Coordinator, logger *zap.SugaredLogger) *Server {
	s := &Server{
		cfg:     cfg,
		coord:   coord,
		logger:  logger.Named("apiserver"),
		limiter: newRateLimiter(),
	}
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger(s.logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))
	r.Use(s.withIdentity)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/health/live", s.handleLive)
		r.Get("/health/ready", s.handleReady)

		r.Group(func(r chi.Router) {
			r.Use(requireAuth)
			r.Get("/metrics", s.handleMetrics)
			r.Get("/services", s.handleServices)
			r.Get("/opportunities", s.handleOpportunities)
			r.Get("/alerts", s.handleAlerts)
			r.Get("/leader", s.handleLeader)
		})

		r.Group(func(r chi.Router) {
			r.Use(requireAuth)
			r.Use(requireRole(RoleOperator))
			r.Use(s.limiter.middleware)
			r.Post("/services/{service}/restart", s.handleRestart)
			r.Post("/alerts/{alert}/acknowledge", s.handleAcknowledge)
		})
	})
	return r
}

// Handler exposes the routed handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run binds the listener, serves until the context is canceled, then shuts
// down gracefully. A failed bind is returned immediately so startup fails.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("binding api server on %s, %w", s.srv.Addr, err)
	}
	s.logger.Infow("api server listening", "addr", ln.Addr().String())
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return fmt.Errorf("serving api, %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Package api exposes a small HTTP debug surface (health, stats, masked
// configuration) for development builds. It is opt-in and binds to loopback
// only; production hosts never enable it.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/n0needt0/go-goodies/log"

	"github.com/trackingplan/trackingplan-go/services"
)

type Server struct {
	services   *services.Services
	httpServer *http.Server
	startedAt  time.Time
}

func New(services *services.Services) *Server {
	return &Server{services: services}
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/debug/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/debug/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/debug/config", s.handleConfig).Methods(http.MethodGet)
	return r
}

// Start serves the debug endpoints on loopback. It returns immediately; the
// listener runs on its own goroutine.
func (s *Server) Start(port int) {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Addr:           addr,
		Handler:        s.router(),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	go func() {
		err := s.httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			log.Info("Debug server closed")
		} else {
			log.Errorf("Debug server failed and closed: %v", err)
		}
	}()

	log.Infof("Debug server started on %s", addr)
}

// Stop shuts the debug server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Errorf("error shutting down debug server: %v", err)
		return err
	}
	return nil
}

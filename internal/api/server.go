// Package api serves the PiPMirror control API: window listing, mirror
// management and exclusion settings over HTTP, plus a websocket event feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bryanchriswhite/PiPMirror/internal/logger"
	"github.com/bryanchriswhite/PiPMirror/internal/registry"
	"github.com/bryanchriswhite/PiPMirror/internal/target"
	"github.com/bryanchriswhite/PiPMirror/internal/window"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Windows lists capturable windows and manages capture permission
type Windows interface {
	Refresh(ctx context.Context, excluded []string) ([]window.Descriptor, error)
	Applications(ctx context.Context) ([]window.Application, error)
	CheckPermission(ctx context.Context) error
	RequestPermission(ctx context.Context) error
}

// Mirrors manages live mirrors
type Mirrors interface {
	OpenOrFocus(ctx context.Context, tgt target.Target) (registry.Handle, error)
	Close(h registry.Handle) bool
	CloseAll() int
	List() []registry.Info
	Subscribe() <-chan registry.Event
	Unsubscribe(ch <-chan registry.Event)
}

// Picker runs the interactive content picker
type Picker interface {
	Present(ctx context.Context) *target.Target
}

// Settings holds the persisted exclusion set
type Settings interface {
	ExcludedBundleIDs() []string
	HasCustomExclusions() bool
	SetExcludedBundleIDs(ids []string) error
	ResetExcludedBundleIDs() error
}

// Server represents the HTTP API server
type Server struct {
	router   *mux.Router
	windows  Windows
	mirrors  Mirrors
	picker   Picker
	settings Settings
	upgrader websocket.Upgrader
	origins  map[string]bool
	log      *zerolog.Logger
}

// Option customizes a Server
type Option func(*Server)

// WithAllowedOrigins lets browser pages from these origins (for example
// "http://localhost:3000") call the API. No cross-origin caller is
// allowed by default.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) {
		for _, o := range origins {
			if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
				s.origins[strings.ToLower(o)] = true
			}
		}
	}
}

// NewServer creates a new API server. picker may be nil when no picker
// backend is available; /mirrors/pick then answers 501.
func NewServer(windows Windows, mirrors Mirrors, picker Picker, settings Settings, opts ...Option) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		windows:  windows,
		mirrors:  mirrors,
		picker:   picker,
		settings: settings,
		origins:  make(map[string]bool),
		log:      logger.WithComponent("api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.originAllowed}

	s.setupRoutes()
	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	// Discovery
	api.HandleFunc("/windows", s.handleListWindows).Methods("GET")
	api.HandleFunc("/applications", s.handleListApplications).Methods("GET")
	api.HandleFunc("/permission", s.handleCheckPermission).Methods("GET")
	api.HandleFunc("/permission/request", s.handleRequestPermission).Methods("POST")

	// Mirrors
	api.HandleFunc("/mirrors", s.handleListMirrors).Methods("GET")
	api.HandleFunc("/mirrors", s.handleOpenMirror).Methods("POST")
	api.HandleFunc("/mirrors", s.handleCloseAll).Methods("DELETE")
	api.HandleFunc("/mirrors/pick", s.handlePick).Methods("POST")
	api.HandleFunc("/mirrors/{handle}", s.handleCloseMirror).Methods("DELETE")

	// Settings
	api.HandleFunc("/settings/excluded", s.handleGetExcluded).Methods("GET")
	api.HandleFunc("/settings/excluded", s.handleSetExcluded).Methods("PUT")
	api.HandleFunc("/settings/excluded/reset", s.handleResetExcluded).Methods("POST")

	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	s.router.HandleFunc("/events", s.handleEvents)
}

// Handler returns the root handler with CORS applied
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Start serves on port until ctx is cancelled
func (s *Server) Start(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", srv.Addr).Msg("Control API listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

// originAllowed accepts requests without an Origin header, same-host
// pages and allowlisted origins
func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	return s.origins[strings.ToLower(strings.TrimRight(origin, "/"))]
}

// enableCORS refuses foreign origins and answers allowlisted ones with
// their own origin, never a wildcard
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Vary", "Origin")
		if !s.originAllowed(r) {
			s.log.Warn().Str("origin", r.Header.Get("Origin")).Str("path", r.URL.Path).Msg("Refused cross-origin request")
			writeError(w, http.StatusForbidden, errors.New("origin not allowed"))
			return
		}
		if origin := r.Header.Get("Origin"); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// discoveryStatus maps catalog errors onto HTTP status codes
func discoveryStatus(err error) int {
	switch {
	case errors.Is(err, window.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, window.ErrEnumeration):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Package web serves the live bench monitor: a websocket feed of lifecycle
// events and a small JSON API over the current status and campaign history.
package web

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"

	"launcher-ate/internal/events"
	"launcher-ate/internal/store"
)

// History is the campaign history the API reads from.
type History interface {
	ListCampaigns(limit int) ([]*store.CampaignRecord, error)
	GetCampaign(id string) (*store.CampaignRecord, error)
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey requires the X-API-Key header on /api/ requests.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) { s.apiKey = key }
}

// WithAllowedOrigins restricts cross-origin requests and websocket upgrades
// to the given origins. "*" allows any.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) { s.allowedOrigins = origins }
}

// WithHistory exposes stored campaigns under /api/campaigns.
func WithHistory(h History) ServerOption {
	return func(s *Server) { s.history = h }
}

// WithVersion sets the version reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) { s.version = v }
}

// Server is the monitor's HTTP handler.
type Server struct {
	status  *statusTracker
	wsHub   *WSHub
	logger  *slog.Logger
	handler http.Handler

	apiKey         string
	allowedOrigins []string
	history        History
	version        string

	wg    sync.WaitGroup
	unsub func()
}

// NewServer creates a monitor fed by bus. The hub goroutine runs until Stop.
func NewServer(bus *events.Bus, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		status:  newStatusTracker(),
		logger:  logger.With("component", "web"),
		version: "dev",
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger, s.status.snapshot)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	s.unsub = bus.OnAll(func(e events.Event) {
		s.status.handle(e)
		s.wsHub.Broadcast(wsMessage{Type: "event", Event: &e})
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleAPIStatus)
	mux.HandleFunc("GET /api/campaigns", s.handleAPIListCampaigns)
	mux.HandleFunc("GET /api/campaigns/{id}", s.handleAPIGetCampaign)
	mux.HandleFunc("GET /api/version", s.handleAPIVersion)
	mux.HandleFunc("GET /ws", s.handleWS)
	s.handler = s.checkOrigin(s.requireKey(mux))
	return s
}

// Stop detaches from the bus, closes every websocket client and waits for
// the hub to exit.
func (s *Server) Stop() {
	if s.unsub != nil {
		s.unsub()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Status returns the current bench status.
func (s *Server) Status() Status {
	return s.status.snapshot()
}

// checkOrigin rejects cross-origin requests from origins not allowed and
// answers CORS preflights. Without allowed origins it is a no-op.
func (s *Server) checkOrigin(next http.Handler) http.Handler {
	if len(s.allowedOrigins) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !s.originAllowed(origin) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
			w.Header().Set("Access-Control-Max-Age", "3600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireKey guards the API and the websocket feed. Browsers cannot set
// headers on a websocket upgrade, so /ws also accepts the key as ?key=.
func (s *Server) requireKey(next http.Handler) http.Handler {
	if s.apiKey == "" {
		return next
	}
	want := []byte(s.apiKey)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var got string
		switch {
		case strings.HasPrefix(r.URL.Path, "/api/"):
			got = r.Header.Get("X-API-Key")
		case r.URL.Path == "/ws":
			got = r.Header.Get("X-API-Key")
			if got == "" {
				got = r.URL.Query().Get("key")
			}
		default:
			next.ServeHTTP(w, r)
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	return slices.Contains(s.allowedOrigins, "*") || slices.Contains(s.allowedOrigins, origin)
}

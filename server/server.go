// Package server provides the display feed of the read loop: a small HTTP
// API, a WebSocket stream of history entries and status changes, a
// Prometheus text endpoint and the mDNS advertisement.
package server

import (
	"context"
	cryptotls "crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"

	"github.com/dotside-studios/nfc-readloop/buildinfo"
	"github.com/dotside-studios/nfc-readloop/nfc"
	"github.com/dotside-studios/nfc-readloop/protocol"
	"github.com/dotside-studios/nfc-readloop/readloop"
	"github.com/dotside-studios/nfc-readloop/upload"
)

// Controller is the part of readloop.Controller the feed serves.
type Controller interface {
	History() []readloop.ReadEvent
	Errors() []readloop.ReadEvent
	Status() readloop.Status
	Stats() readloop.Stats
	Subscribe(buffer int) (<-chan readloop.Event, func())
	Resume()
	Pause()
}

// UploadStatser reports uploader counters.
type UploadStatser interface {
	Stats() upload.Stats
}

// TagInjector places tags in the field of a virtual radio.
type TagInjector interface {
	Present(uid []byte, techs []nfc.TechType, ndefSize int) (nfc.Tag, error)
	Remove() bool
}

// Config holds the server configuration
type Config struct {
	Controller Controller
	Uploads    UploadStatser // optional
	Virtual    TagInjector   // optional, enables /api/v1/tag

	Host string
	Port int // 0 picks a free port

	TLS  *cryptotls.Config // optional
	CA   http.Handler      // optional, served at /ca.pem
	MDNS bool

	// APISecret guards the WebSocket and the control endpoints when set.
	APISecret string

	Logger *log.Logger
}

// Server manages the HTTP and WebSocket server
type Server struct {
	config Config
	logger *log.Logger
	router *mux.Router
	hub    *hub

	upgrader websocket.Upgrader

	mu          sync.Mutex
	httpServer  *http.Server
	listener    net.Listener
	mdnsServer  *zeroconf.Server
	cancel      context.CancelFunc
	feedDone    chan struct{}
	unsubscribe func()
}

// New creates a new server instance
func New(config Config) *Server {
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[server] ", log.LstdFlags)
	}
	s := &Server{
		config: config,
		logger: logger,
		hub:    newHub(logger),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	s.router = s.routes()
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(enableCORS)

	r.HandleFunc(APIV1Prefix+"/health", s.handleHealthCheck).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc(APIV1Prefix+"/tag", s.guard(s.handleTagInput)).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc(APIV1Prefix+"/tag", s.guard(s.handleTagRemove)).Methods(http.MethodDelete)

	api := r.PathPrefix(APIPrefix).Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/errors", s.handleErrors).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/resume", s.guard(s.handleResume)).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/pause", s.guard(s.handlePause)).Methods(http.MethodPost, http.MethodOptions)

	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	if s.config.CA != nil {
		r.Handle("/ca.pem", s.config.CA).Methods(http.MethodGet)
	}
	r.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(buildinfo.DisplayName + " Server Running"))
	}).Methods(http.MethodGet)

	return r
}

// enableCORS is a middleware that adds CORS headers to responses
func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", CORSAllowOrigin)
		w.Header().Set("Access-Control-Allow-Methods", CORSAllowMethods)
		w.Header().Set("Access-Control-Allow-Headers", CORSAllowHeaders)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// guard rejects requests without the API secret when one is configured.
func (s *Server) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized: Invalid API secret"})
			return
		}
		next(w, r)
	}
}

// authorized accepts the secret as a ?secret= query or a bearer token.
func (s *Server) authorized(r *http.Request) bool {
	if s.config.APISecret == "" {
		return true
	}
	if r.URL.Query().Get("secret") == s.config.APISecret {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+s.config.APISecret
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return errors.New("server already started")
	}

	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if s.config.TLS != nil {
		ln = cryptotls.NewListener(ln, s.config.TLS)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	events, unsubscribe := s.config.Controller.Subscribe(feedBuffer)
	s.unsubscribe = unsubscribe
	s.feedDone = make(chan struct{})
	go s.feed(ctx, events, s.feedDone)

	srv := s.httpServer
	go func() {
		s.logger.Printf("Starting server on %s (%s)", ln.Addr(), s.scheme())
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("HTTP server error: %v", err)
		}
	}()

	if s.config.MDNS {
		if err := s.startMDNS(ln.Addr()); err != nil {
			s.logger.Printf("Warning: Failed to start mDNS service: %v", err)
			s.logger.Printf("Auto-discovery will not be available, but server will continue normally")
		}
	}
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) scheme() string {
	if s.config.TLS != nil {
		return "https"
	}
	return "http"
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mdnsServer != nil {
		s.mdnsServer.Shutdown()
		s.mdnsServer = nil
		s.logger.Printf("mDNS service stopped")
	}

	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.feedDone != nil {
		<-s.feedDone
		s.feedDone = nil
	}
	s.hub.closeAll()

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Printf("Server shutdown error: %v", err)
		}
		s.httpServer = nil
		s.listener = nil
	}
}

// feed broadcasts controller events to WebSocket clients until ctx is done
// or the subscription is closed.
func (s *Server) feed(ctx context.Context, events <-chan readloop.Event, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Entry != nil {
				s.hub.broadcast(newMessage(protocol.WSTypeEntry, ev.Entry.Entry()))
			}
			if ev.Status != nil {
				s.hub.broadcast(newMessage(protocol.WSTypeStatus, ev.Status.Payload()))
			}
		}
	}
}

func newMessage(msgType string, payload any) protocol.WebSocketMessage {
	return protocol.WebSocketMessage{
		ID:      uuid.NewString(),
		Type:    msgType,
		Payload: payload,
	}
}

// startMDNS registers the feed as an mDNS service for auto-discovery
func (s *Server) startMDNS(addr net.Addr) error {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return fmt.Errorf("unexpected listener address %v", addr)
	}

	txtRecords := []string{
		"version=" + buildinfo.Version,
		"protocol=websocket",
		"path=/ws",
		"scheme=" + s.scheme(),
	}

	server, err := zeroconf.Register(MDNSServiceName, MDNSServiceType, MDNSDomain, tcpAddr.Port, txtRecords, nil)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}

	s.mdnsServer = server
	s.logger.Printf("mDNS service registered: %s on port %d", MDNSServiceName, tcpAddr.Port)
	return nil
}

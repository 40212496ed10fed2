// Package dashboard pushes cache and mutation activity to views over
// WebSocket.
//
// A view connects to /ws, optionally scoped with ?team=<id>, and receives
// changes to that team's cached queries, mutation state changes,
// notifications and issue statistics, so it can re-render without polling.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeCache reports a cache key written, invalidated or removed
	MessageTypeCache MessageType = "cache"

	// MessageTypeMutation reports a mutation attempt changing state
	MessageTypeMutation MessageType = "mutation"

	// MessageTypeNotification carries a loading/success/error notification
	MessageTypeNotification MessageType = "notification"

	// MessageTypeStats carries issue counts over the cached lists
	MessageTypeStats MessageType = "stats"
)

// Message is one frame sent to views. Team scopes it; an empty team
// reaches every view.
type Message struct {
	Type      MessageType     `json:"type"`
	Team      string          `json:"team,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage builds a message with data encoded as JSON.
func NewMessage(typ MessageType, team string, data any) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal %s data: %w", typ, err)
	}
	return Message{Type: typ, Team: team, Timestamp: time.Now(), Data: raw}, nil
}

// view is one connected client.
type view struct {
	conn *websocket.Conn
	team string // empty follows every team
}

func (v *view) wants(msg Message) bool {
	return v.team == "" || msg.Team == "" || v.team == msg.Team
}

// Config holds server configuration
type Config struct {
	// Host to bind (default: all interfaces)
	Host string

	// Port to listen on (default: 8081, 0 picks a free port)
	Port int

	// WriteTimeout bounds each frame sent to a view (default: 5s)
	WriteTimeout time.Duration

	// QueueSize is how many messages may wait for delivery before new ones
	// are dropped (default: 100)
	QueueSize int

	// Logger for server activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Port:         8081,
		WriteTimeout: 5 * time.Second,
		QueueSize:    100,
		Logger:       log.Default(),
	}
}

// Server accepts views and fans messages out to them.
type Server struct {
	addr     string
	config   *Config
	listener net.Listener
	http     *http.Server

	mu    sync.RWMutex
	views map[*websocket.Conn]*view

	queue   chan Message
	dropped int

	// greet builds the first message a view receives
	greet   func(team string) Message
	greetMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a dashboard server. It does not listen until Start.
func NewServer(config *Config) *Server {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:   net.JoinHostPort(config.Host, fmt.Sprint(config.Port)),
		config: config,
		views:  make(map[*websocket.Conn]*view),
		queue:  make(chan Message, config.QueueSize),
		greet: func(team string) Message {
			return Message{Type: MessageTypeStats, Team: team, Timestamp: time.Now()}
		},
		ctx:    ctx,
		cancel: cancel,
		logger: config.Logger,
	}
}

// SetGreeting replaces the builder of the first message sent to a view
// following team.
func (s *Server) SetGreeting(fn func(team string) Message) {
	s.greetMu.Lock()
	s.greet = fn
	s.greetMu.Unlock()
}

// Start listens and begins delivering messages.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleIndex)

	s.http = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(2)
	go s.deliverLoop()
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard listening on %s", ln.Addr())
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Stop closes every view and shuts the listener down.
func (s *Server) Stop() error {
	s.cancel()

	s.mu.Lock()
	for conn := range s.views {
		_ = conn.Close(websocket.StatusGoingAway, "dashboard stopping")
	}
	clear(s.views)
	s.mu.Unlock()

	var err error
	if s.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := s.http.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("failed to shut down dashboard: %w", shutdownErr)
		}
	}
	s.wg.Wait()

	s.logger.Printf("Dashboard stopped")
	return err
}

// Broadcast queues msg for delivery. When the queue is full the message is
// dropped and counted.
func (s *Server) Broadcast(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	select {
	case <-s.ctx.Done():
	case s.queue <- msg:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		s.logger.Printf("Queue full, dropped %s message", msg.Type)
	}
}

func (s *Server) deliverLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.queue:
			s.deliver(msg)
		}
	}
}

// deliver writes msg to every view following its team. Views that fail a
// write are disconnected.
func (s *Server) deliver(msg Message) {
	frame, err := json.Marshal(msg)
	if err != nil {
		s.logger.Printf("Failed to encode %s message: %v", msg.Type, err)
		return
	}

	s.mu.RLock()
	targets := make([]*view, 0, len(s.views))
	for _, v := range s.views {
		if v.wants(msg) {
			targets = append(targets, v)
		}
	}
	s.mu.RUnlock()

	for _, v := range targets {
		if err := s.write(v.conn, frame); err != nil {
			s.logger.Printf("Dropping view of team %q: %v", v.team, err)
			s.disconnect(v.conn)
		}
	}
}

func (s *Server) write(conn *websocket.Conn, frame []byte) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.config.WriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, frame)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	v := &view{conn: conn, team: r.URL.Query().Get("team")}

	s.greetMu.RLock()
	greeting := s.greet(v.team)
	s.greetMu.RUnlock()
	frame, err := json.Marshal(greeting)
	if err != nil {
		s.logger.Printf("Failed to encode greeting: %v", err)
		_ = conn.Close(websocket.StatusInternalError, "greeting failed")
		return
	}

	// The greeting goes out before any broadcast reaches the view.
	s.mu.Lock()
	if err := s.write(conn, frame); err != nil {
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusInternalError, "greeting failed")
		return
	}
	s.views[conn] = v
	n := len(s.views)
	s.mu.Unlock()
	s.logger.Printf("View connected for team %q (%d open)", v.team, n)

	// Views only listen; reading detects when they go away.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.disconnect(conn)
		for {
			if _, _, err := conn.Read(s.ctx); err != nil {
				return
			}
		}
	}()
}

func (s *Server) disconnect(conn *websocket.Conn) {
	s.mu.Lock()
	_, ok := s.views[conn]
	delete(s.views, conn)
	n := len(s.views)
	s.mu.Unlock()

	if ok {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("View disconnected (%d open)", n)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	health := struct {
		Status  string `json:"status"`
		Views   int    `json:"views"`
		Dropped int    `json:"dropped"`
	}{"ok", len(s.views), s.dropped}
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(health)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "Linework dashboard\n\nws://%s/ws?team=<team id>  live issue feed\nhttp://%s/health          status\n", r.Host, r.Host)
}

// GetAddr returns the listening address, or the configured one before
// Start.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected views.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.views)
}

// Package web is the HTTP and websocket front-end of the approval
// coordinator. Pending requests are pushed to connected clients; decisions
// come back over the websocket or the REST routes.
package web

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/kir-gadjello/zier-alpha/internal/approval"
	"github.com/kir-gadjello/zier-alpha/internal/consts"
	"github.com/kir-gadjello/zier-alpha/internal/logger"
)

const authTokenLength = 32

// SubmitFunc hands an owner message typed into the web front-end to the
// ingress bus.
type SubmitFunc func(ctx context.Context, text string) error

// Options configure a Server.
type Options struct {
	Addr string
	// Token authenticates every route except /health. Empty generates one.
	Token       string
	Coordinator *approval.Coordinator
	// Metrics is served on /metrics when set.
	Metrics http.Handler
	Submit  SubmitFunc
}

// Server exposes pending approvals over HTTP and websocket.
type Server struct {
	addr       string
	authToken  string
	coord      *approval.Coordinator
	metrics    http.Handler
	submit     SubmitFunc
	router     *httprouter.Router
	httpServer *http.Server
	listener   net.Listener
	hub        *hub
	upgrader   websocket.Upgrader
	log        *logger.Logger
}

// NewServer creates a server; nothing listens until Start. Stop
// disconnects websocket peers even when Start was never called.
func NewServer(opts Options) (*Server, error) {
	if opts.Coordinator == nil {
		return nil, errors.New("web server needs an approval coordinator")
	}
	token := opts.Token
	if token == "" {
		var err error
		token, err = generateAuthToken()
		if err != nil {
			return nil, fmt.Errorf("failed to generate auth token: %w", err)
		}
	}
	addr := opts.Addr
	if addr == "" {
		addr = "127.0.0.1:8936"
	}

	s := &Server{
		addr:      addr,
		authToken: token,
		coord:     opts.Coordinator,
		metrics:   opts.Metrics,
		submit:    opts.Submit,
		router:    httprouter.New(),
		log:       logger.Global().WithPrefix("web"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	s.hub = newHub(s.log)
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/approvals", s.auth(s.handleList))
	s.router.POST("/approvals/:id/approve", s.auth(s.handleDecision(true)))
	s.router.POST("/approvals/:id/deny", s.auth(s.handleDecision(false)))
	s.router.GET("/ws", s.auth(s.handleWebSocket))
	if s.submit != nil {
		s.router.POST("/messages", s.auth(s.handleSubmit))
	}
	if s.metrics != nil {
		metrics := s.metrics
		s.router.GET("/metrics", s.auth(func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
			metrics.ServeHTTP(w, r)
		}))
	}
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Token is the bearer token clients must present.
func (s *Server) Token() string { return s.authToken }

// Addr is the bound address once started.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.NewSlogHandler(s.log), slog.LevelError),
	}

	go func() {
		s.log.Info("approval server listening on %s", ln.Addr())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server error: %v", err)
		}
	}()
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop() error {
	s.hub.close()
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), consts.DefaultShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// OnApprovalRequested implements approval.Presenter by pushing the request
// to every connected client.
func (s *Server) OnApprovalRequested(_ context.Context, p approval.Pending) error {
	s.hub.broadcast(&WebMessage{
		Type:      MessageTypeApprovalRequest,
		CallID:    p.CallID,
		ToolName:  p.ToolName,
		ChatRef:   p.ChatRef,
		Content:   p.ArgsSummary,
		ExpiresAt: p.ExpiresAt,
		Timestamp: time.Now(),
	})
	return nil
}

// Respond pushes an agent reply to every connected client.
func (s *Server) Respond(_ context.Context, source, text string) error {
	s.hub.broadcast(&WebMessage{
		Type:      MessageTypeMessage,
		ChatRef:   source,
		Content:   text,
		Timestamp: time.Now(),
	})
	return nil
}

// NotifyExpired tells clients a request expired; pass it to RunSweeper.
func (s *Server) NotifyExpired(e approval.Expired) {
	s.hub.broadcast(&WebMessage{
		Type:      MessageTypeApprovalExpired,
		CallID:    e.CallID,
		ChatRef:   e.UI.ChatRef,
		Content:   "request expired",
		Timestamp: time.Now(),
	})
}

func (s *Server) resolve(callID string, approved bool, messageID string) bool {
	if messageID != "" {
		s.coord.SetMessageID(callID, messageID)
	}
	d := approval.Deny
	if approved {
		d = approval.Approve
	}
	ui, ok := s.coord.Resolve(callID, d)
	if !ok {
		return false
	}
	s.hub.broadcast(&WebMessage{
		Type:      MessageTypeApprovalResolved,
		CallID:    callID,
		ChatRef:   ui.ChatRef,
		Approved:  &approved,
		Timestamp: time.Now(),
	})
	return true
}

func (s *Server) auth(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		token := r.URL.Query().Get("token")
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			s.log.Warn("rejected %s %s: invalid auth token", r.Method, r.URL.Path)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r, ps)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"pending": s.coord.Len(),
		"clients": s.hub.count(),
	})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.coord.List())
}

func (s *Server) handleDecision(approved bool) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		callID := ps.ByName("id")
		var body decisionRequest
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(w, "invalid JSON body", http.StatusBadRequest)
				return
			}
		}
		if !s.resolve(callID, approved, body.MessageID) {
			http.Error(w, "no pending approval with that id", http.StatusNotFound)
			return
		}
		decision := "deny"
		if approved {
			decision = "approve"
		}
		writeJSON(w, http.StatusOK, decisionResponse{CallID: callID, Decision: decision})
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body submitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Text) == "" {
		http.Error(w, "body must be {\"text\": \"...\"}", http.StatusBadRequest)
		return
	}
	if err := s.submit(r.Context(), body.Text); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("failed to upgrade websocket: %v", err)
		return
	}
	p := newPeer(conn, s)
	if !s.hub.add(p) {
		conn.Close()
		return
	}
	go p.writeLoop()
	go p.readLoop()

	// replay what is already waiting
	for _, pend := range s.coord.List() {
		p.reply(&WebMessage{
			Type:      MessageTypeApprovalRequest,
			CallID:    pend.CallID,
			ToolName:  pend.ToolName,
			ChatRef:   pend.ChatRef,
			Content:   pend.ArgsSummary,
			ExpiresAt: pend.ExpiresAt,
		})
	}
}

// generateAuthToken generates a random auth token
func generateAuthToken() (string, error) {
	bytes := make([]byte, authTokenLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

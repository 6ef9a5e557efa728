// Package api provides the HTTP and WebSocket operator API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"log"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/go-gl/mathgl/mgl64"
	"golang.org/x/image/draw"

	"mapkvm/internal/command"
	"mapkvm/internal/config"
	"mapkvm/internal/driver"
	"mapkvm/internal/network"
	"mapkvm/internal/protocol"
	"mapkvm/internal/session"
)

// maxFrameSide bounds the size a frame may be resampled to.
const maxFrameSide = 4096

// Server provides HTTP API for remote control
type Server struct {
	configMgr  *config.Manager
	dispatcher *command.Dispatcher
	sessions   *session.Manager
	driver     *driver.Driver
	limiters   *limiterSet
	wsMgr      *WSManager

	hubOnce sync.Once
	mu      sync.Mutex
	server  *http.Server
}

// NewServer creates a new API server
func NewServer(configMgr *config.Manager, dispatcher *command.Dispatcher, sessions *session.Manager, drv *driver.Driver) *Server {
	cfg := configMgr.Get()
	s := &Server{
		configMgr:  configMgr,
		dispatcher: dispatcher,
		sessions:   sessions,
		driver:     drv,
		limiters:   newLimiterSet(cfg.General.CommandRate, cfg.General.CommandBurst),
	}
	s.wsMgr = newWSManager(s)
	return s
}

// Hub returns the WebSocket manager. It delivers corrections to actors
// connected over WebSocket.
func (s *Server) Hub() *WSManager {
	return s.wsMgr
}

// Handler returns the routed handler with middleware applied and starts the
// WebSocket hub.
func (s *Server) Handler() http.Handler {
	s.hubOnce.Do(func() { go s.wsMgr.start() })

	mux := http.NewServeMux()
	mux.HandleFunc("/api/command", s.handleCommand)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/actors", s.handleActors)
	mux.HandleFunc("/api/frame", s.handleFrame)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/ws", s.wsMgr.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return s.authMiddleware(s.recoverMiddleware(mux))
}

// Start starts the API server on the specified port. It blocks until the
// server stops.
func (s *Server) Start(port int) error {
	// Use "0.0.0.0:port" and explicitly use tcp4 to avoid IPv6-only binding issues on Windows
	addr := fmt.Sprintf("0.0.0.0:%d", port)

	if ips, err := network.GetLocalIPs(); err == nil {
		for _, ip := range ips {
			log.Printf("API: Reachable at http://%s:%d", ip, port)
		}
	}

	ln, err := net.Listen("tcp4", addr)
	if err != nil {
		log.Printf("ERROR: API server failed to listen on %s: %v", addr, err)
		return err
	}

	server := &http.Server{Handler: s.Handler()}
	s.mu.Lock()
	s.server = server
	s.mu.Unlock()

	log.Printf("API: Listening on %s", addr)
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("ERROR: API server stopped: %v", err)
		return err
	}
	return nil
}

// Shutdown stops the server and the WebSocket hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.wsMgr.stop()
	s.mu.Lock()
	server := s.server
	s.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// recoverMiddleware prevents panics from crashing the whole server
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("API: Recovered from panic: %v", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// authMiddleware checks the API token if configured. The WebSocket
// authenticates in-band with an auth message instead.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}

		if token := s.token(); token != "" {
			if r.Header.Get("Authorization") != "Bearer "+token {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) token() string {
	return s.configMgr.Get().General.APIToken
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// commandRequest is the body of POST /api/command
type commandRequest struct {
	Line     string        `json:"line"`
	Actor    string        `json:"actor,omitempty"`
	Position *protocol.Vec `json:"position,omitempty"`
}

// handleCommand handles POST /api/command
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !s.limiters.get(host).Allow() {
		http.Error(w, "Too many commands", http.StatusTooManyRequests)
		return
	}

	var req commandRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		http.Error(w, "Invalid command request", http.StatusBadRequest)
		return
	}

	log.Printf("API: Command %q from %s", req.Line, r.RemoteAddr)
	writeJSON(w, http.StatusOK, s.execute(req.Actor, req.Line, req.Position))
}

func (s *Server) execute(actor, line string, pos *protocol.Vec) protocol.CommandResultPayload {
	req := command.Request{Actor: actor, Line: line}
	if pos != nil {
		req.Position = mgl64.Vec3{pos.X, pos.Y, pos.Z}
	}
	res := s.dispatcher.Execute(req)

	out := protocol.CommandResultPayload{
		Line:    line,
		Replies: make([]protocol.ReplyPayload, len(res.Replies)),
	}
	for i, r := range res.Replies {
		out.Replies[i] = protocol.ReplyPayload{Level: string(r.Level), Text: r.Text}
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	return out
}

// Status describes the daemon for status responses and broadcasts.
func (s *Server) Status() protocol.StatusPayload {
	st := s.sessions.Facade().Snapshot()
	out := protocol.StatusPayload{
		Width:     st.Width,
		Height:    st.Height,
		MouseX:    st.X,
		MouseY:    st.Y,
		Modifiers: st.ModifierNames(),
		Actors:    []string{},
	}
	if out.Modifiers == nil {
		out.Modifiers = []string{}
	}
	if info, ok := s.sessions.Current(); ok {
		out.Running = true
		out.Session = info.ID
		out.Image = filepath.Base(info.Image)
		out.Medium = info.Medium.String()
		out.RAM = info.RAM
	}
	for _, a := range s.driver.Actors() {
		out.Actors = append(out.Actors, a.ID)
	}
	return out
}

// handleStatus handles GET /api/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.Status())
}

type actorResponse struct {
	ID       string       `json:"id"`
	Profile  int          `json:"profile"`
	Position protocol.Vec `json:"position"`
	Queued   int          `json:"queued"`
}

// handleActors handles GET /api/actors
func (s *Server) handleActors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	actors := s.driver.Actors()
	out := make([]actorResponse, len(actors))
	for i, a := range actors {
		out[i] = actorResponse{
			ID:       a.ID,
			Profile:  a.Profile,
			Position: protocol.Vec{X: a.Position.X(), Y: a.Position.Y(), Z: a.Position.Z()},
			Queued:   a.Queued,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleFrame handles GET /api/frame[?w=<width>&h=<height>] and returns the
// latest frame as PNG.
func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	width, errW := optionalSide(r.URL.Query().Get("w"))
	height, errH := optionalSide(r.URL.Query().Get("h"))
	if errW != nil || errH != nil {
		http.Error(w, "Invalid frame size", http.StatusBadRequest)
		return
	}

	f := s.sessions.LatestFrame()
	if f == nil {
		http.Error(w, "No frame available", http.StatusServiceUnavailable)
		return
	}

	var img image.Image = f.Image()
	if width > 0 && height > 0 && (width != f.Width || height != f.Height) {
		img = scaleFrame(img, width, height)
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("X-Frame-Seq", strconv.FormatUint(f.Seq, 10))
	if err := png.Encode(w, img); err != nil {
		log.Printf("API: Frame encode error: %v", err)
	}
}

func optionalSide(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 || n > maxFrameSide {
		return 0, fmt.Errorf("invalid side %q", v)
	}
	return n, nil
}

func scaleFrame(src image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

// handleConfig handles GET (read) and PATCH (update one field) for configuration.
// Both accept ?path=<dotted.path>; GET without a path returns everything.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")

	switch r.Method {
	case http.MethodGet:
		if path == "" {
			writeJSON(w, http.StatusOK, s.configMgr.Get())
			return
		}
		v, err := s.configMgr.Value(path)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, v.Raw)

	case http.MethodPatch:
		if path == "" {
			http.Error(w, "Missing path parameter", http.StatusBadRequest)
			return
		}
		var value any
		if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&value); err != nil {
			http.Error(w, "Invalid value", http.StatusBadRequest)
			return
		}

		log.Printf("API: Config %s updated by %s", path, r.RemoteAddr)
		if err := s.configMgr.Patch(path, value); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, config.ErrInvalid) {
				status = http.StatusBadRequest
			}
			http.Error(w, err.Error(), status)
			return
		}
		if err := s.configMgr.Save(); err != nil {
			log.Printf("API: Failed to save config: %v", err)
			http.Error(w, "Failed to save configuration", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleHealth handles GET /health (for monitoring and LAN discovery)
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"service": "mapkvm", "status": "ok", "running": false}
	if info, ok := s.sessions.Current(); ok {
		resp["running"] = true
		resp["image"] = filepath.Base(info.Image)
	}
	writeJSON(w, http.StatusOK, resp)
}

// BroadcastStatus pushes the current status to every WebSocket client
func (s *Server) BroadcastStatus() {
	s.wsMgr.Broadcast(protocol.Message{Type: protocol.TypeStatus, Payload: s.Status()})
}

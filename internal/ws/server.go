package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/emribilemir/atlas-ois-tracker/internal/config"
	"github.com/emribilemir/atlas-ois-tracker/internal/grades"
	"github.com/emribilemir/atlas-ois-tracker/internal/monitor"
)

// Origin tags checks requested from the dashboard.
const Origin = "dashboard"

const (
	checkTimeout    = 5 * time.Minute
	maxCommandBytes = 4096
	defaultLogLines = 20
)

// Controller is the monitor surface exposed to dashboard clients.
type Controller interface {
	Check(ctx context.Context) (monitor.CheckResult, error)
	Pause()
	Resume()
	Status() monitor.Status
	Snapshot() (grades.Snapshot, bool)
}

// LogSource returns recent log lines, oldest first.
type LogSource interface {
	Lines(n int) []string
}

type Server struct {
	cfg         config.ServerConfig
	ctl         Controller
	broadcaster *Broadcaster
	logs        LogSource
	authToken   string
	dashboard   http.Handler
}

func NewServer(cfg config.ServerConfig, ctl Controller, broadcaster *Broadcaster, logs LogSource) *Server {
	return &Server{
		cfg:         cfg,
		ctl:         ctl,
		broadcaster: broadcaster,
		logs:        logs,
		authToken:   cfg.AuthToken,
	}
}

// ServeDashboard mounts h at the root path. Static assets are public; the
// page passes its ?token= on to /ws.
func (s *Server) ServeDashboard(h http.Handler) {
	s.dashboard = h
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	if s.dashboard != nil {
		mux.Handle("/", s.dashboard)
	}
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/grades", s.handleGrades)
	mux.HandleFunc("/api/logs", s.handleLogs)
	mux.HandleFunc("/api/commands/", s.handleCommand)
}

// Handler returns the routes wrapped with security headers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return securityHeaders(mux)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	c, err := s.broadcaster.AddClient(conn)
	if err != nil {
		log.Printf("[ws] rejecting %s: %v", r.RemoteAddr, err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	log.Printf("[ws] client connected: %s", r.RemoteAddr)

	go func() {
		defer func() {
			s.broadcaster.RemoveClient(c)
			log.Printf("[ws] client disconnected: %s", r.RemoteAddr)
		}()
		conn.SetReadLimit(maxCommandBytes)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req CommandRequest
			if err := json.Unmarshal(data, &req); err != nil || req.Type != MsgCommand {
				s.broadcaster.sendTo(c, WSMessage{Type: MsgError, Payload: ErrorPayload{Message: "expected {\"type\":\"command\",\"command\":...}"}})
				continue
			}
			// Checks can take a while; keep reading meanwhile.
			go func(cmd string) {
				ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
				defer cancel()
				s.broadcaster.sendTo(c, WSMessage{Type: MsgCommandResult, Payload: s.execute(ctx, cmd)})
			}(req.Command)
		}
	}()
}

// execute runs a named command against the monitor.
func (s *Server) execute(ctx context.Context, cmd string) CommandResultPayload {
	res := CommandResultPayload{Command: cmd, OK: true}
	switch cmd {
	case CmdStart:
		s.ctl.Resume()
		res.Message = "monitoring started"
	case CmdStop:
		s.ctl.Pause()
		res.Message = "monitoring stopped"
	case CmdStatus:
		st := s.ctl.Status()
		res.Status = &st
	case CmdCheck:
		check, err := s.ctl.Check(monitor.WithOrigin(ctx, Origin))
		if err != nil {
			res.OK = false
			res.Message = err.Error()
			if errors.Is(err, monitor.ErrPaused) {
				res.Message = "monitoring is paused; start it first"
			}
			break
		}
		res.Check = &check
		res.Message = fmt.Sprintf("%d records, %d changes", check.Records, len(check.Changes))
	default:
		res.OK = false
		res.Message = fmt.Sprintf("unknown command %q", cmd)
	}
	return res
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, s.ctl.Status())
}

func (s *Server) handleGrades(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	snap, ok := s.ctl.Snapshot()
	writeJSON(w, http.StatusOK, GradesPayload{
		CapturedAt: snap.CapturedAt,
		Baseline:   ok,
		Records:    snap.Sorted(),
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	n := defaultLogLines
	if v := r.URL.Query().Get("n"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &n); err != nil || n <= 0 {
			http.Error(w, "invalid n", http.StatusBadRequest)
			return
		}
	}
	var lines []string
	if s.logs != nil {
		lines = s.logs.Lines(n)
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, LogsPayload{Lines: lines})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cmd := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/commands/"), "/")
	switch cmd {
	case CmdStart, CmdStop, CmdCheck:
	default:
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	res := s.execute(r.Context(), cmd)
	status := http.StatusOK
	if !res.OK {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[ws] encode response: %v", err)
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get("X-OIS-Tracker-Token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

// checkOrigin allows same-host and loopback origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	host := parsed.Host
	if host == r.Host {
		return true
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[ws] listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.broadcaster.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// Package server exposes the execution engine's control surface over HTTP:
// blocking runs, detached jobs with polled output, and interactive PTY
// sessions with live input, plus a WebSocket attach bridge.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"

	"golang.org/x/net/websocket"

	"github.com/omeriko9/shellgpt/internal/approve"
	"github.com/omeriko9/shellgpt/internal/engine"
)

// Server maps HTTP requests onto engine operations.
type Server struct {
	engine     *engine.Engine
	approver   approve.Approver
	schemaPath string
}

// Config configures a Server.
type Config struct {
	Engine   *engine.Engine
	Approver approve.Approver
	// SchemaPath is an optional OpenAPI document served at /openapi.json.
	SchemaPath string
}

// New creates a Server from cfg.
func New(cfg Config) *Server {
	s := &Server{
		engine:     cfg.Engine,
		approver:   cfg.Approver,
		schemaPath: cfg.SchemaPath,
	}
	if s.approver == nil {
		s.approver = approve.Auto{}
	}
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /run", s.handleRun)
	mux.HandleFunc("POST /start", s.handleStart)
	mux.HandleFunc("GET /output/{id}", s.handleOutput)
	mux.HandleFunc("POST /kill/{id}", s.handleKill)
	mux.HandleFunc("POST /interactive/start", s.handleInteractiveStart)
	mux.HandleFunc("GET /interactive/output/{session_id}", s.handleInteractiveOutput)
	mux.HandleFunc("POST /interactive/input/{session_id}", s.handleInteractiveInput)
	mux.HandleFunc("POST /interactive/kill/{session_id}", s.handleInteractiveKill)
	mux.Handle("GET /interactive/attach/{session_id}", websocket.Handler(s.handleAttach))
	mux.HandleFunc("GET /jobs", s.handleJobs)
	mux.HandleFunc("DELETE /jobs/{id}", s.handlePurge)
	mux.HandleFunc("GET /openapi.json", s.handleSchema)
	return mux
}

// commandRequest is the body of /run and /start.
type commandRequest struct {
	Command string `json:"command"`
	Stdin   string `json:"stdin"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeEngineError maps the engine's error taxonomy onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	var execErr *engine.ExecError
	switch {
	case errors.Is(err, engine.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, engine.ErrSessionClosed):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.As(err, &execErr):
		http.Error(w, execErr.Error(), http.StatusBadGateway)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// approved runs the confirmation gate. A denial ends the request with 403;
// the engine only ever sees pre-approved commands.
func (s *Server) approved(w http.ResponseWriter, command string) bool {
	if s.approver.Approve(command) {
		return true
	}
	log.Printf("rejected: %s", command)
	http.Error(w, "command rejected by operator", http.StatusForbidden)
	return false
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Command == "" {
		http.Error(w, "command required", http.StatusBadRequest)
		return
	}
	if !s.approved(w, req.Command) {
		return
	}

	log.Printf("run: %s", req.Command)
	res, err := s.engine.RunBlocking(req.Command, req.Stdin)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, map[string]any{
		"stdout":    res.Stdout,
		"stderr":    res.Stderr,
		"exit_code": res.ExitCode,
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Command == "" {
		http.Error(w, "command required", http.StatusBadRequest)
		return
	}
	if !s.approved(w, req.Command) {
		return
	}

	id, err := s.engine.StartDetached(req.Command, req.Stdin)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	log.Printf("start %s: %s", id, req.Command)

	writeJSON(w, map[string]string{"id": id})
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Output(r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, map[string]any{
		"stdout":    res.Stdout,
		"stderr":    res.Stderr,
		"running":   res.Running,
		"exit_code": res.ExitCode,
	})
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	code, err := s.engine.Kill(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	log.Printf("kill %s: exit code %d", id, code)

	writeJSON(w, map[string]any{
		"message":   fmt.Sprintf("process %s terminated", id),
		"exit_code": code,
	})
}

func (s *Server) handleInteractiveStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Cmd string `json:"cmd"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	cmd := req.Cmd
	if cmd == "" {
		cmd = s.engine.Shell()
	}
	if !s.approved(w, cmd) {
		return
	}

	id, err := s.engine.StartInteractive(cmd)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	log.Printf("interactive start %s", id)

	writeJSON(w, map[string]string{"session_id": id})
}

func (s *Server) handleInteractiveOutput(w http.ResponseWriter, r *http.Request) {
	output, err := s.engine.InteractiveOutput(r.PathValue("session_id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, map[string]string{"output": output})
}

func (s *Server) handleInteractiveInput(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Input string `json:"input"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Input == "" {
		http.Error(w, "input required", http.StatusBadRequest)
		return
	}

	n, err := s.engine.InteractiveInput(r.PathValue("session_id"), req.Input)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, map[string]any{"ack": true, "bytes": n})
}

func (s *Server) handleInteractiveKill(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("session_id")
	code, err := s.engine.InteractiveKill(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	log.Printf("interactive kill %s: exit code %d", id, code)

	writeJSON(w, map[string]any{"ack": true, "exit_code": code})
}

// handleAttach bridges a WebSocket to a live interactive session: PTY output
// tees to the socket, socket messages go verbatim to the PTY master. The
// poll cursor is unaffected.
func (s *Server) handleAttach(ws *websocket.Conn) {
	defer ws.Close()

	id := ws.Request().PathValue("session_id")
	ch, detach, err := s.engine.Attach(id)
	if err != nil {
		log.Printf("attach %s: %v", id, err)
		return
	}
	defer detach()

	go func() {
		for chunk := range ch {
			if err := websocket.Message.Send(ws, string(chunk)); err != nil {
				return
			}
		}
		// Session ended; drop the client.
		ws.Close()
	}()

	for {
		var msg string
		if err := websocket.Message.Receive(ws, &msg); err != nil {
			return
		}
		if _, err := s.engine.InteractiveInput(id, msg); err != nil {
			return
		}
	}
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.engine.List())
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.Purge(id); err != nil {
		writeEngineError(w, err)
		return
	}
	log.Printf("purge %s", id)

	writeJSON(w, map[string]string{"status": "purged"})
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	if s.schemaPath == "" {
		http.NotFound(w, r)
		return
	}
	if _, err := os.Stat(s.schemaPath); err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	http.ServeFile(w, r, s.schemaPath)
}

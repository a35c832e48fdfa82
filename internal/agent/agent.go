// Package agent runs build commands on a worker machine on behalf of the
// master over HTTP.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog/log"
)

// Recorder receives one observation per executed command.
type Recorder interface {
	AgentExec(status string, d time.Duration)
}

type Server struct {
	Version string
	Token   string
	Shell   string
	Metrics Recorder
	srv     *http.Server
}

func (s *Server) shell() string {
	if s.Shell == "" {
		return "/bin/sh"
	}
	return s.Shell
}

func (s *Server) authorized(r *http.Request) bool {
	if s.Token == "" {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+s.Token || r.Header.Get("X-Auth-Token") == s.Token
}

// Routes for the server
func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("/v0/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		_ = r.Body.Close()
		host, _ := os.Hostname()
		h := HeartbeatResponse{Time: time.Now(), Host: host, Version: s.Version}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(h)
	})
	mux.HandleFunc("/v0/exec", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !s.authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		defer r.Body.Close()

		var req ExecRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Command == "" {
			http.Error(w, "command required", http.StatusBadRequest)
			return
		}

		ctx := r.Context()
		if req.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(req.Timeout)*time.Second)
			defer cancel()
		}

		cmd := exec.CommandContext(ctx, s.shell(), "-c", req.Command)
		if req.WorkDir != "" {
			cmd.Dir = req.WorkDir
		}
		if len(req.Env) > 0 {
			cmd.Env = append(os.Environ(), req.Env...)
		}

		log.Info().Str("command", req.Command).Msg("exec")
		start := time.Now()
		out, err := cmd.CombinedOutput()
		elapsed := time.Since(start)

		resp := ExecResponse{Output: string(out), Duration: elapsed.Milliseconds()}
		status := "success"
		if err != nil {
			status = "error"
			var exit *exec.ExitError
			if errors.As(err, &exit) {
				resp.ExitCode = exit.ExitCode()
			} else {
				resp.ExitCode = 1
				resp.Output += err.Error()
			}
			log.Warn().Err(err).Str("command", req.Command).Int("exit_code", resp.ExitCode).Msg("exec failed")
		}
		if s.Metrics != nil {
			s.Metrics.AgentExec(status, elapsed)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
}

// Handler returns the agent routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)
	return mux
}

// ListenAndServe starts the server
func (s *Server) ListenAndServe(addr string) error {
	s.srv = &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	return s.srv.ListenAndServe()
}

// Shutdown the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return fmt.Errorf("server not running")
	}
	return s.srv.Shutdown(ctx)
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/justinmoon/playground/internal/playground"
	"github.com/justinmoon/playground/internal/runtime"
)

// API response helpers

func jsonResponse(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func apiError(w http.ResponseWriter, message string, status int) {
	jsonResponse(w, map[string]string{"error": message}, status)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func wantWait(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	return v
}

// Terminal session API handlers

func (s *Server) apiSessionStatus(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.bridge.Status(), http.StatusOK)
}

func (s *Server) apiSessionStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.bridge.Registry().Stop(id) {
		apiError(w, "Session not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, map[string]string{"status": "stopping", "session_id": id}, http.StatusAccepted)
}

func (s *Server) apiSessionHistory(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		apiError(w, "Session history requires a database", http.StatusServiceUnavailable)
		return
	}
	records, err := s.db.RecentSessions(r.Context(), r.URL.Query().Get("container"), queryInt(r, "limit", 50))
	if err != nil {
		apiError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, records, http.StatusOK)
}

// Container API handlers

func (s *Server) apiContainerList(w http.ResponseWriter, r *http.Request) {
	list, err := s.manager.List(r.Context())
	if err != nil {
		apiError(w, err.Error(), http.StatusBadGateway)
		return
	}
	jsonResponse(w, list, http.StatusOK)
}

func (s *Server) apiContainerGet(w http.ResponseWriter, r *http.Request) {
	pg, err := s.manager.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.containerError(w, err)
		return
	}
	jsonResponse(w, pg, http.StatusOK)
}

func (s *Server) apiContainerStart(w http.ResponseWriter, r *http.Request) {
	s.submitOperation(w, r, s.manager.Start)
}

func (s *Server) apiContainerStop(w http.ResponseWriter, r *http.Request) {
	s.submitOperation(w, r, s.manager.Stop)
}

func (s *Server) apiContainerRestart(w http.ResponseWriter, r *http.Request) {
	s.submitOperation(w, r, s.manager.Restart)
}

// submitOperation queues a lifecycle operation. With ?wait=true the
// response is held until the operation finishes.
func (s *Server) submitOperation(w http.ResponseWriter, r *http.Request, submit func(string) (playground.Operation, error)) {
	op, err := submit(chi.URLParam(r, "name"))
	if err != nil {
		s.containerError(w, err)
		return
	}
	if !wantWait(r) {
		jsonResponse(w, op, http.StatusAccepted)
		return
	}

	done, err := s.manager.Wait(r.Context(), op.ID)
	if err != nil {
		apiError(w, err.Error(), http.StatusGatewayTimeout)
		return
	}
	status := http.StatusOK
	if done.Status == playground.StatusFailed {
		status = http.StatusInternalServerError
	}
	jsonResponse(w, done, status)
}

func (s *Server) apiContainerStopAll(w http.ResponseWriter, r *http.Request) {
	s.submitBatch(w, r, s.manager.StopAll)
}

func (s *Server) apiContainerRestartAll(w http.ResponseWriter, r *http.Request) {
	s.submitBatch(w, r, s.manager.RestartAll)
}

func (s *Server) submitBatch(w http.ResponseWriter, r *http.Request, submit func(context.Context) ([]playground.Operation, error)) {
	ops, err := submit(r.Context())
	if err != nil {
		apiError(w, err.Error(), http.StatusBadGateway)
		return
	}
	if !wantWait(r) {
		jsonResponse(w, ops, http.StatusAccepted)
		return
	}

	for i, op := range ops {
		done, err := s.manager.Wait(r.Context(), op.ID)
		if err != nil {
			apiError(w, err.Error(), http.StatusGatewayTimeout)
			return
		}
		ops[i] = done
	}
	jsonResponse(w, ops, http.StatusOK)
}

func (s *Server) apiContainerLogs(w http.ResponseWriter, r *http.Request) {
	out, err := s.manager.Logs(r.Context(), chi.URLParam(r, "name"), queryInt(r, "tail", s.cfg.Docker.LogTail))
	if err != nil {
		s.containerError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(out)
}

func (s *Server) containerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, playground.ErrUnknownPlayground):
		apiError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, runtime.ErrNotFound):
		apiError(w, "Container not running", http.StatusNotFound)
	default:
		apiError(w, err.Error(), http.StatusBadGateway)
	}
}

// Operation API handlers

func (s *Server) apiOperationList(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.manager.Operations(), http.StatusOK)
}

func (s *Server) apiOperationGet(w http.ResponseWriter, r *http.Request) {
	op, ok := s.manager.Operation(chi.URLParam(r, "id"))
	if !ok {
		apiError(w, "Operation not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, op, http.StatusOK)
}

func (s *Server) apiOperationHistory(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		apiError(w, "Operation history requires a database", http.StatusServiceUnavailable)
		return
	}
	records, err := s.db.RecentOperations(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		apiError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, records, http.StatusOK)
}

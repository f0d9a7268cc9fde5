package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/MailPipe/internal/messaging"
	"github.com/BTreeMap/MailPipe/internal/models"
)

// enqueueHandler handles POST /messages.
func (s *Server) enqueueHandler(w http.ResponseWriter, r *http.Request) {
	var req models.SendRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		slog.Warn("Server.enqueueHandler: invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	id, err := s.svc.Enqueue(r.Context(), req)
	if err != nil {
		var verr *messaging.ValidationError
		if errors.As(err, &verr) {
			slog.Debug("Server.enqueueHandler: request rejected", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error(verr.Error()))
			return
		}
		slog.Error("Server.enqueueHandler: enqueue failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to enqueue message"))
		return
	}
	writeJSONResponse(w, http.StatusAccepted, models.Queued(id))
}

// statusHandler handles GET /messages/{id}/status.
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := s.svc.Status(r.Context(), id)
	if err != nil {
		slog.Error("Server.statusHandler: lookup failed", "error", err, "id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load message status"))
		return
	}
	if st == nil {
		writeJSONResponse(w, http.StatusOK, models.Success(nil))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(st))
}

// getHandler handles GET /messages/{id}.
func (s *Server) getHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	detail, err := s.svc.Get(r.Context(), id)
	if err != nil {
		slog.Error("Server.getHandler: lookup failed", "error", err, "id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load message"))
		return
	}
	if detail == nil {
		writeJSONResponse(w, http.StatusOK, models.Success(nil))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(detail))
}

// eventsHandler handles GET /messages/{id}/events.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	events, err := s.svc.Events(r.Context(), id)
	if err != nil {
		slog.Error("Server.eventsHandler: lookup failed", "error", err, "id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load message events"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(events))
}

// cancelHandler handles POST /messages/{id}/cancel.
func (s *Server) cancelHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.svc.Cancel(r.Context(), id)
	switch {
	case err == nil:
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Email cancelled", nil))
	case errors.Is(err, messaging.ErrMessageNotFound):
		writeJSONResponse(w, http.StatusNotFound, models.Error(err.Error()))
	case errors.Is(err, messaging.ErrNotCancellable):
		writeJSONResponse(w, http.StatusConflict, models.Error(err.Error()))
	default:
		slog.Error("Server.cancelHandler: cancel failed", "error", err, "id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to cancel message"))
	}
}

// notificationHandler handles POST /webhooks/notifications.
func (s *Server) notificationHandler(w http.ResponseWriter, r *http.Request) {
	if s.webhookToken != "" {
		token := r.URL.Query().Get("token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.webhookToken)) != 1 {
			slog.Warn("Server.notificationHandler: invalid webhook token", "remoteAddr", r.RemoteAddr)
			writeJSONResponse(w, http.StatusUnauthorized, models.Error("Unauthorized"))
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		slog.Warn("Server.notificationHandler: failed to read body", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Failed to read request body"))
		return
	}

	// The notification is applied even if the sender hangs up.
	status, resp := s.notify.Process(context.WithoutCancel(r.Context()), body)
	writeJSONResponse(w, status, resp)
}

// healthHandler handles GET /healthz.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			slog.Warn("Server.healthHandler: health check failed", "error", err)
			writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("unhealthy"))
			return
		}
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("healthy", nil))
}

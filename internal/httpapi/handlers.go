package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/agusibrahim/fcm-worker/internal/credstore"
	"github.com/agusibrahim/fcm-worker/internal/logstore"
	"github.com/agusibrahim/fcm-worker/internal/model"
	"github.com/agusibrahim/fcm-worker/internal/pool"
)

// createCredentialRequest is the request body for POST /credentials.
type createCredentialRequest struct {
	Name           string            `json:"name"`
	APIKey         string            `json:"api_key"`
	AppID          string            `json:"app_id"`
	ProjectID      string            `json:"project_id"`
	WebhookURL     string            `json:"webhook_url"`
	WebhookHeaders map[string]string `json:"webhook_headers"`
	Topics         []string          `json:"topics"`
	IsActive       bool              `json:"is_active"`
}

func (s *Server) handleCreateCredential(w http.ResponseWriter, r *http.Request) {
	var req createCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	cred := &model.Credential{
		Name:           req.Name,
		APIKey:         req.APIKey,
		AppID:          req.AppID,
		ProjectID:      req.ProjectID,
		WebhookURL:     req.WebhookURL,
		WebhookHeaders: req.WebhookHeaders,
		Topics:         req.Topics,
		IsActive:       req.IsActive,
	}

	if err := s.creds.Create(r.Context(), cred); err != nil {
		s.writeCredentialError(w, err)
		return
	}
	respond(w, http.StatusCreated, cred)
}

func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	creds, err := s.creds.List(r.Context(), activeOnly)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	respond(w, http.StatusOK, creds)
}

func (s *Server) handleGetCredential(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cred, err := s.creds.Get(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if cred == nil {
		respondError(w, http.StatusNotFound, "not_found", "credential not found")
		return
	}
	respond(w, http.StatusOK, cred)
}

// updateCredentialRequest is the request body for PATCH /credentials/{id}.
type updateCredentialRequest struct {
	Name           *string           `json:"name"`
	WebhookURL     *string           `json:"webhook_url"`
	WebhookHeaders map[string]string `json:"webhook_headers"`
	IsActive       *bool             `json:"is_active"`
	APIKey         *string           `json:"api_key"`
	AppID          *string           `json:"app_id"`
	ProjectID      *string           `json:"project_id"`
}

func (s *Server) handleUpdateCredential(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req updateCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	cred, err := s.creds.Update(r.Context(), id, model.CredentialPatch{
		Name:           req.Name,
		WebhookURL:     req.WebhookURL,
		WebhookHeaders: req.WebhookHeaders,
		IsActive:       req.IsActive,
		APIKey:         req.APIKey,
		AppID:          req.AppID,
		ProjectID:      req.ProjectID,
	})
	if err != nil {
		s.writeCredentialError(w, err)
		return
	}
	respond(w, http.StatusOK, cred)
}

func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	_ = s.pool.StopWorker(id) // best-effort: stop before delete, ignore WorkerNotRunning
	if err := s.creds.Delete(r.Context(), id); err != nil {
		s.writeCredentialError(w, err)
		return
	}
	respond(w, http.StatusNoContent, nil)
}

func (s *Server) handleSuspendCredential(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.creds.Suspend(r.Context(), id); err != nil {
		s.writeCredentialError(w, err)
		return
	}
	_ = s.pool.StopWorker(id)
	respond(w, http.StatusOK, map[string]string{"status": "suspended"})
}

func (s *Server) handleUnsuspendCredential(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.creds.Unsuspend(r.Context(), id); err != nil {
		s.writeCredentialError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "unsuspended"})
}

func (s *Server) handleSetTopics(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Topics []string `json:"topics"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if err := s.creds.SetTopics(r.Context(), id, req.Topics); err != nil {
		s.writeCredentialError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStartWorker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cred, err := s.creds.Get(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if cred == nil {
		respondError(w, http.StatusNotFound, "not_found", "credential not found")
		return
	}
	if err := s.pool.StartWorker(*cred); err != nil {
		if errors.Is(err, pool.ErrWorkerAlreadyRunning) {
			respondError(w, http.StatusConflict, "worker_already_running", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) handleStopWorker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.pool.StopWorker(id); err != nil {
		if errors.Is(err, pool.ErrWorkerNotRunning) {
			respondError(w, http.StatusConflict, "worker_not_running", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleRestartWorker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cred, err := s.creds.Get(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if cred == nil {
		respondError(w, http.StatusNotFound, "not_found", "credential not found")
		return
	}
	if err := s.pool.RestartWorker(*cred); err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "restarted"})
}

func (s *Server) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	respond(w, http.StatusOK, map[string]bool{"is_running": s.pool.IsRunning(id)})
}

func (s *Server) handleActiveCount(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]int{"active_count": s.pool.ActiveCount()})
}

func (s *Server) handleShutdownAll(w http.ResponseWriter, r *http.Request) {
	if err := s.pool.ShutdownAll(r.Context()); err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "shutdown"})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	var credentialID *string
	if v := r.URL.Query().Get("credential_id"); v != "" {
		credentialID = &v
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	logs, err := s.logs.List(r.Context(), credentialID, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	total, err := s.logs.Count(r.Context(), credentialID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	respond(w, http.StatusOK, map[string]any{"messages": logs, "total": total})
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	msg, err := s.logs.Get(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if msg == nil {
		respondError(w, http.StatusNotFound, "not_found", "message log not found")
		return
	}
	respond(w, http.StatusOK, msg)
}

func (s *Server) handleClearMessages(w http.ResponseWriter, r *http.Request) {
	credentialID := r.URL.Query().Get("credential_id")
	if credentialID == "" {
		respondError(w, http.StatusBadRequest, "bad_request", "credential_id query param required")
		return
	}
	n, err := s.logs.Clear(r.Context(), credentialID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	respond(w, http.StatusOK, map[string]int64{"deleted": n})
}

// handleRetryMessage re-sends a previously-stored payload: it's `send`
// over the stored MessageLog.payload (spec §4.4 retry_message), used by
// the control plane's explicit retry endpoint.
func (s *Server) handleRetryMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	msg, err := s.logs.Get(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if msg == nil {
		respondError(w, http.StatusNotFound, "not_found", "message log not found")
		return
	}
	cred, err := s.creds.Get(r.Context(), msg.CredentialID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if cred == nil {
		respondError(w, http.StatusNotFound, "not_found", "owning credential not found")
		return
	}
	if err := s.sender.RetryMessage(r.Context(), cred.WebhookURL, msg.Payload, cred.WebhookHeaders, msg.ID, s.logs); err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "retried"})
}

func (s *Server) writeCredentialError(w http.ResponseWriter, err error) {
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		respondError(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, credstore.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, logstore.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

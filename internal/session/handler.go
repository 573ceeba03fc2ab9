package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-session-go/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-session-go/internal/identity"
	"github.com/ovaphlow/pitchfork/service-session-go/internal/profile/entity"
)

// Handler exposes the session view and credential operations over HTTP.
type Handler struct {
	store  *Store
	creds  *Credentials
	logger *zap.SugaredLogger
}

func NewHandler(store *Store, creds *Credentials, logger *zap.SugaredLogger) *Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{store: store, creds: creds, logger: logger}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name,omitempty"`
}

type passwordRequest struct {
	Password string `json:"password"`
}

type recoverRequest struct {
	Email string `json:"email"`
	Token string `json:"token,omitempty"`
}

func (h *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.store.Snapshot())
}

// Stream sends every snapshot change as a server-sent event until the client
// goes away or the store is sealed.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ch, cancel := h.store.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			b, err := json.Marshal(snap)
			if err != nil {
				h.logger.Errorw("encode snapshot", "err", err)
				return
			}
			if _, err := fmt.Fprintf(w, "event: session\ndata: %s\n\n", b); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !h.decode(w, r, &req) {
		return
	}
	prof, err := h.creds.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		h.fail(w, "sign-in failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, prof)
}

func (h *Handler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !h.decode(w, r, &req) {
		return
	}
	p, err := h.creds.SignUp(r.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		h.fail(w, "sign-up failed", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) SignOut(w http.ResponseWriter, r *http.Request) {
	if err := h.creds.SignOut(r.Context()); err != nil {
		h.fail(w, "sign-out failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) UpdatePassword(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.creds.UpdatePassword(r.Context(), req.Password); err != nil {
		h.fail(w, "password update failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req recoverRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.creds.RequestPasswordReset(r.Context(), req.Email); err != nil {
		h.fail(w, "password reset request failed", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// VerifyRecovery redeems the token from a reset message and signs in.
func (h *Handler) VerifyRecovery(w http.ResponseWriter, r *http.Request) {
	var req recoverRequest
	if !h.decode(w, r, &req) {
		return
	}
	prof, err := h.creds.RecoverSession(r.Context(), req.Email, req.Token)
	if err != nil {
		h.fail(w, "recovery failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, prof)
}

func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var patch entity.Patch
	if !h.decode(w, r, &patch) {
		return
	}
	prof, err := h.creds.UpdateProfile(r.Context(), patch)
	if err != nil {
		h.fail(w, "profile update failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, prof)
}

func (h *Handler) AdminSignIn(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !h.decode(w, r, &req) {
		return
	}
	prof, err := h.creds.AdminSignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		h.fail(w, "admin sign-in failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, prof)
}

func (h *Handler) AdminCheck(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]bool{"is_admin": h.creds.IsAdmin(r.Context())})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.logger.Debugw("invalid payload", "path", r.URL.Path, "err", err)
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Warnw(msg, "err", err)
	} else {
		h.logger.Debugw(msg, "err", err)
	}
	h.writeJSON(w, status, map[string]string{"error": publicMessage(err)})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrInvalidCredentials), errors.Is(err, apperr.ErrSessionUnavailable):
		return http.StatusUnauthorized
	case errors.Is(err, apperr.ErrUnauthorizedAdminAccess):
		return http.StatusForbidden
	case errors.Is(err, identity.ErrEmailTaken):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrWeakPassword), errors.Is(err, apperr.ErrPolicyViolation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, apperr.ErrNetworkUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, apperr.ErrProfileFetchFailed),
		errors.Is(err, apperr.ErrProfileCreateFailed),
		errors.Is(err, apperr.ErrProfileUpdateFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage keeps policy details, which the user can act on, and hides
// everything else behind the error kind.
func publicMessage(err error) string {
	kinds := []error{
		apperr.ErrInvalidCredentials,
		apperr.ErrSessionUnavailable,
		apperr.ErrUnauthorizedAdminAccess,
		apperr.ErrNetworkUnavailable,
		apperr.ErrProfileFetchFailed,
		apperr.ErrProfileCreateFailed,
		apperr.ErrProfileUpdateFailed,
	}
	if errors.Is(err, apperr.ErrWeakPassword) || errors.Is(err, apperr.ErrPolicyViolation) {
		return err.Error()
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k.Error()
		}
	}
	return "internal error"
}

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/clinivia/agendabot/internal/admin"
	"github.com/clinivia/agendabot/internal/messaging"
	"github.com/clinivia/agendabot/pkg/logging"
)

// AdminHandler exposes the admin control surface over HTTP. The router
// mounts it behind the admin JWT middleware.
type AdminHandler struct {
	svc    *admin.Service
	logger *logging.Logger
}

// NewAdminHandler builds the admin HTTP handler.
func NewAdminHandler(svc *admin.Service, logger *logging.Logger) *AdminHandler {
	if svc == nil {
		panic("handlers: admin service cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminHandler{svc: svc, logger: logger}
}

// Status returns the system health snapshot.
func (h *AdminHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Snapshot(r.Context()))
}

// Reset discards one phone's conversation state.
func (h *AdminHandler) Reset(w http.ResponseWriter, r *http.Request) {
	phone := chi.URLParam(r, "phone")
	if err := h.svc.Reset(r.Context(), phone); err != nil {
		if errors.Is(err, messaging.ErrInvalidPhone) {
			http.Error(w, "invalid phone", http.StatusBadRequest)
			return
		}
		h.logger.Error("admin reset failed", "error", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

type sendTestRequest struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

// SendTest delivers a test message through the messaging client.
func (h *AdminHandler) SendTest(w http.ResponseWriter, r *http.Request) {
	var req sendTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.Phone == "" || req.Message == "" {
		http.Error(w, "phone and message are required", http.StatusBadRequest)
		return
	}
	if err := h.svc.SendTest(r.Context(), req.Phone, req.Message); err != nil {
		h.logger.Error("admin test send failed", "error", err)
		http.Error(w, "send failed", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

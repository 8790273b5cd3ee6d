package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/teilomillet/shopfront/server/session"
	"github.com/teilomillet/shopfront/server/validation"
	"go.uber.org/zap"
)

// ChatReply is the reply to a chat message.
type ChatReply struct {
	SessionID string          `json:"session_id"`
	Message   session.Message `json:"message"`
}

// ChatRouter serves chat sessions relative to its mount point:
//
//	POST   /                create a session
//	GET    /{id}            session history
//	DELETE /{id}            end a session
//	POST   /{id}/messages   send a message
//	DELETE /{id}/messages   clear the history
func (h *Handlers) ChatRouter() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.CreateSession)
	r.Get("/{id}", h.GetSession)
	r.Delete("/{id}", h.DeleteSession)
	r.Post("/{id}/messages", h.SendMessage)
	r.Delete("/{id}/messages", h.ClearSession)
	return r
}

// CreateSession starts a chat. The body is optional; without a model the
// configured default is used.
func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req validation.CreateSessionRequest
	if r.ContentLength != 0 {
		if err := h.validator.Decode(r, &req); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	snap, err := h.sessions.Create(req.Model)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.requestLogger(r).Info("chat session created",
		zap.String("session_id", snap.ID),
		zap.String("model", snap.Model),
	)
	w.Header().Set("Location", strings.TrimSuffix(r.URL.Path, "/")+"/"+snap.ID)
	writeJSON(w, http.StatusCreated, snap)
}

func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := h.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Delete(chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SendMessage runs one chat turn. A turn sent while another is in flight
// is rejected with 409.
func (h *Handlers) SendMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req validation.ChatMessageRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	reply, err := h.sessions.Send(r.Context(), id, req.Text)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ChatReply{SessionID: id, Message: reply})
}

// ClearSession resets the history to the welcome message.
func (h *Handlers) ClearSession(w http.ResponseWriter, r *http.Request) {
	snap, err := h.sessions.Clear(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

package handlers

import (
	"net/http"

	"github.com/teilomillet/shopfront/server/processing"
	"github.com/teilomillet/shopfront/server/validation"
)

// Enhancements asks the model to improve a seller's product description
// and returns the formatted reply.
func (h *Handlers) Enhancements(w http.ResponseWriter, r *http.Request) {
	var req validation.EnhanceRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	resp, err := h.processor.ProcessRequest(r.Context(), &processing.Request{
		Type: processing.TypeEnhance,
		Text: req.Text,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

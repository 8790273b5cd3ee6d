package handlers

import (
	"net/http"

	"github.com/teilomillet/shopfront/server/formatting"
	"github.com/teilomillet/shopfront/server/validation"
)

// FormatResponse is the structured rendering of a block of model text.
type FormatResponse struct {
	Document formatting.Document `json:"document"`
	HTML     string              `json:"html,omitempty"`
}

// Format turns raw text into a Document, and optionally its HTML rendering.
func (h *Handlers) Format(w http.ResponseWriter, r *http.Request) {
	var req validation.FormatRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := FormatResponse{Document: h.format(req.Text)}
	if req.HTML {
		resp.HTML = resp.Document.HTML()
	}
	writeJSON(w, http.StatusOK, resp)
}

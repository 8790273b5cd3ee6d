package handlers

import (
	"net/http"

	"github.com/teilomillet/shopfront/server/fanout"
	"github.com/teilomillet/shopfront/server/processing"
	"github.com/teilomillet/shopfront/server/validation"
	"go.uber.org/zap"
)

// DescriptionResponse is the non-streaming reply of the descriptions
// endpoint. Translations lists the description itself first, labelled with
// the source language.
type DescriptionResponse struct {
	Description  VariantResult `json:"description"`
	Translations Summary       `json:"translations"`
}

// Translations fans the text out to one model call per language. Results
// stream as "settled" events followed by a "done" summary.
func (h *Handlers) Translations(w http.ResponseWriter, r *http.Request) {
	var req validation.TranslationRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.checkSession(req.SessionID); err != nil {
		h.writeError(w, r, err)
		return
	}

	agg, err := h.startTranslations(r, req.Text, req.Languages, req.SessionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if !wantsStream(r) {
		h.await(w, r, agg, nil)
		return
	}
	h.relay(r, newEventStream(w), agg)
}

// Descriptions writes a product description from image labels, then
// translates it. The description is sent first as a "description" event
// and leads the "done" summary under the source language.
func (h *Handlers) Descriptions(w http.ResponseWriter, r *http.Request) {
	var req validation.DescriptionRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.checkSession(req.SessionID); err != nil {
		h.writeError(w, r, err)
		return
	}

	desc, err := h.processor.ProcessRequest(r.Context(), &processing.Request{
		Type:   processing.TypeDescribe,
		Labels: req.Labels,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.requestLogger(r).Debug("description generated",
		zap.Strings("labels", req.Labels),
		zap.Int("length", len(desc.Content)),
	)

	agg, err := h.startTranslations(r, desc.Content, req.Languages, req.SessionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	source := h.sourceResult(desc)
	if !wantsStream(r) {
		h.await(w, r, agg, func(s Summary) interface{} {
			return DescriptionResponse{Description: source, Translations: s}
		}, source)
		return
	}

	es := newEventStream(w)
	if err := es.send(EventDescription, source); err != nil {
		h.requestLogger(r).Info("stream write failed, discarding aggregation", zap.Error(err))
		agg.Discard()
		return
	}
	h.relay(r, es, agg, source)
}

// sourceResult presents the untranslated description as a settled result
// labelled with the source language.
func (h *Handlers) sourceResult(desc *processing.Response) VariantResult {
	return VariantResult{
		Label:    h.translation.SourceLanguage,
		State:    fanout.StateSucceeded.String(),
		Text:     desc.Content,
		Document: desc.Document,
	}
}

// startTranslations begins a translation fan-out of text. Without explicit
// languages the configured defaults are used. When sessionID is set the
// aggregation replaces the session's previous one.
func (h *Handlers) startTranslations(r *http.Request, text string, languages []string, sessionID string) (*fanout.Aggregation, error) {
	if len(languages) == 0 {
		languages = h.translation.Languages
	}

	agg, err := h.aggregator.FanOut(r.Context(), processing.TranslationVariants(text, languages), h.processor.Invoke)
	if err != nil {
		return nil, err
	}

	if sessionID != "" {
		if err := h.sessions.Attach(sessionID, agg); err != nil {
			agg.Discard()
			return nil, err
		}
	}

	h.requestLogger(r).Debug("translations started",
		zap.String("aggregation_id", agg.ID()),
		zap.Strings("languages", languages),
	)
	return agg, nil
}

func (h *Handlers) checkSession(id string) error {
	if id == "" {
		return nil
	}
	_, err := h.sessions.Get(id)
	return err
}

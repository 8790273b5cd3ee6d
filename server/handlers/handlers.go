// Package handlers implements the storefront HTTP API: formatting model
// output, translation and description fan-outs streamed as server-sent
// events, chat sessions and health.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/teilomillet/shopfront/config"
	"github.com/teilomillet/shopfront/errors"
	"github.com/teilomillet/shopfront/server/fanout"
	"github.com/teilomillet/shopfront/server/formatting"
	"github.com/teilomillet/shopfront/server/metrics"
	"github.com/teilomillet/shopfront/server/middleware"
	"github.com/teilomillet/shopfront/server/processing"
	"github.com/teilomillet/shopfront/server/provider"
	"github.com/teilomillet/shopfront/server/session"
	"github.com/teilomillet/shopfront/server/validation"
	"go.uber.org/zap"
)

// HealthReporter exposes provider health. *provider.Manager implements it.
type HealthReporter interface {
	Names() []string
	GetHealthStatus(name string) provider.HealthStatus
}

// Deps are the components the handlers call into.
type Deps struct {
	Processor   *processing.Processor
	Aggregator  *fanout.Aggregator
	Sessions    *session.Store
	Validator   *validation.Validator
	Translation config.TranslationConfig
	Health      HealthReporter
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

// Handlers serves the API. Build one with New and mount Routes.
type Handlers struct {
	processor   *processing.Processor
	aggregator  *fanout.Aggregator
	sessions    *session.Store
	validator   *validation.Validator
	formatter   *formatting.Formatter
	translation config.TranslationConfig
	health      HealthReporter
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// New creates Handlers. Metrics and Logger may be nil.
func New(d Deps) *Handlers {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := d.Metrics
	if m == nil {
		m = metrics.NewMetrics()
	}
	return &Handlers{
		processor:   d.Processor,
		aggregator:  d.Aggregator,
		sessions:    d.Sessions,
		validator:   d.Validator,
		formatter:   formatting.New(logger),
		translation: d.Translation,
		health:      d.Health,
		metrics:     m,
		logger:      logger,
	}
}

// Routes maps the handler names used in the routes configuration to their
// handlers.
func (h *Handlers) Routes() map[string]http.Handler {
	return map[string]http.Handler{
		"format":       http.HandlerFunc(h.Format),
		"translations": http.HandlerFunc(h.Translations),
		"descriptions": http.HandlerFunc(h.Descriptions),
		"enhancements": http.HandlerFunc(h.Enhancements),
		"chat":         h.ChatRouter(),
		"health":       http.HandlerFunc(h.Health),
		"metrics":      h.metrics.Handler(),
	}
}

// VariantResult is the client view of one settled (or pending) variant.
type VariantResult struct {
	Label    string                `json:"label"`
	State    string                `json:"state"`
	Text     string                `json:"text,omitempty"`
	Document formatting.Document   `json:"document,omitempty"`
	Error    *errors.ErrorResponse `json:"error,omitempty"`
}

// Summary lists every variant of an aggregation in submission order.
type Summary struct {
	AggregationID string          `json:"aggregation_id"`
	Results       []VariantResult `json:"results"`
	Discarded     bool            `json:"discarded,omitempty"`
}

func (h *Handlers) variantResult(label string, o fanout.Outcome) VariantResult {
	res := VariantResult{Label: label, State: o.State.String()}
	switch o.State {
	case fanout.StateSucceeded:
		res.Text = o.Text
		res.Document = h.format(o.Text)
	case fanout.StateFailed:
		res.Error = errors.ToResponse(o.Err)
	}
	return res
}

// format formats text and records the resulting block kinds.
func (h *Handlers) format(text string) formatting.Document {
	doc := h.formatter.Format(text)
	kinds := make([]string, len(doc))
	for i, b := range doc {
		switch {
		case b.Kind == formatting.BlockParagraph:
			kinds[i] = "paragraph"
		case b.Ordered:
			kinds[i] = "numbered"
		default:
			kinds[i] = "bulleted"
		}
	}
	h.metrics.ObserveDocument(kinds)
	return doc
}

// summary lists lead first, then the aggregation's variants.
func (h *Handlers) summary(agg *fanout.Aggregation, lead ...VariantResult) Summary {
	outcomes := agg.Outcomes()
	results := make([]VariantResult, 0, len(lead)+len(outcomes))
	results = append(results, lead...)
	for _, r := range outcomes {
		results = append(results, h.variantResult(r.Label, r.Outcome))
	}
	return Summary{
		AggregationID: agg.ID(),
		Results:       results,
		Discarded:     agg.Discarded(),
	}
}

// requestLogger returns a logger carrying the request ID.
func (h *Handlers) requestLogger(r *http.Request) *zap.Logger {
	return h.logger.With(zap.String("request_id", middleware.GetRequestID(r.Context())))
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError writes err as a ShopfrontError. Errors of any other kind come
// from the model call and are reported as provider errors.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := middleware.GetRequestID(r.Context())

	var se *errors.ShopfrontError
	if !errors.As(err, &se) {
		se = errors.NewProviderError(requestID, "Model call failed", err)
	} else if se.RequestID == "" {
		cp := *se
		cp.RequestID = requestID
		se = &cp
	}

	if se.Code >= http.StatusInternalServerError {
		errors.LogError(h.logger, err, requestID)
	} else {
		h.logger.Debug("request rejected",
			zap.String("request_id", requestID),
			zap.String("type", string(se.Type)),
			zap.String("message", se.Message),
		)
	}
	errors.WriteError(w, se)
}

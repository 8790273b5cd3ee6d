package handlers

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/teilomillet/shopfront/server/fanout"
	"go.uber.org/zap"
)

// Server-sent event names.
const (
	EventDescription = "description"
	EventSettled     = "settled"
	EventDone        = "done"
)

// eventStream writes server-sent events and flushes after each one.
type eventStream struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newEventStream(w http.ResponseWriter) *eventStream {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	rc := http.NewResponseController(w)
	// Streams outlive the server's write timeout.
	rc.SetWriteDeadline(time.Time{})
	w.WriteHeader(http.StatusOK)
	return &eventStream{w: w, rc: rc}
}

func (s *eventStream) send(event string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil && !stderrors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

// wantsStream reports whether the client asked for server-sent events.
// Streaming is the default; ?stream=false returns one JSON document.
func wantsStream(r *http.Request) bool {
	return r.URL.Query().Get("stream") != "false"
}

// relay forwards settlement events until the aggregation is done, then
// sends the ordered summary, led by lead. A client that goes away discards
// the aggregation.
func (h *Handlers) relay(r *http.Request, es *eventStream, agg *fanout.Aggregation, lead ...VariantResult) {
	logger := h.requestLogger(r).With(zap.String("aggregation_id", agg.ID()))
	h.metrics.StreamsActive.Inc()
	defer h.metrics.StreamsActive.Dec()

	events := agg.Events()
	for {
		select {
		case ev, ok := <-events:
			if r.Context().Err() != nil {
				logger.Info("client disconnected, discarding aggregation")
				agg.Discard()
				return
			}
			if !ok {
				if err := es.send(EventDone, h.summary(agg, lead...)); err != nil {
					logger.Debug("done event not delivered", zap.Error(err))
				}
				return
			}
			if err := es.send(EventSettled, h.variantResult(ev.Label, ev.Outcome)); err != nil {
				logger.Info("stream write failed, discarding aggregation", zap.Error(err))
				agg.Discard()
				return
			}
		case <-r.Context().Done():
			logger.Info("client disconnected, discarding aggregation")
			agg.Discard()
			return
		}
	}
}

// await waits for every variant to settle and writes the summary, led by
// lead, as JSON.
func (h *Handlers) await(w http.ResponseWriter, r *http.Request, agg *fanout.Aggregation, wrap func(Summary) interface{}, lead ...VariantResult) {
	if err := agg.Wait(r.Context()); err != nil {
		h.requestLogger(r).Info("client disconnected, discarding aggregation",
			zap.String("aggregation_id", agg.ID()),
		)
		agg.Discard()
		return
	}
	summary := h.summary(agg, lead...)
	var body interface{} = summary
	if wrap != nil {
		body = wrap(summary)
	}
	writeJSON(w, http.StatusOK, body)
}

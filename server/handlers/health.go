package handlers

import (
	"net/http"
	"time"
)

// ProviderHealth is the client view of one provider's health.
type ProviderHealth struct {
	Healthy          bool      `json:"healthy"`
	LastCheck        time.Time `json:"last_check"`
	ConsecutiveFails int       `json:"consecutive_fails"`
	LatencyMS        int64     `json:"latency_ms"`
	Requests         int64     `json:"requests"`
	Errors           int64     `json:"errors"`
}

// HealthResponse reports gateway health.
type HealthResponse struct {
	Status    string                    `json:"status"`
	Providers map[string]ProviderHealth `json:"providers"`
	Sessions  int                       `json:"sessions"`
}

// Health returns 200 while at least one provider is healthy and 503
// otherwise. With no providers configured it reports ok.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Providers: map[string]ProviderHealth{}}
	if h.sessions != nil {
		resp.Sessions = h.sessions.Len()
	}

	healthy := 0
	if h.health != nil {
		for _, name := range h.health.Names() {
			st := h.health.GetHealthStatus(name)
			resp.Providers[name] = ProviderHealth{
				Healthy:          st.Healthy,
				LastCheck:        st.LastCheck,
				ConsecutiveFails: st.ConsecutiveFails,
				LatencyMS:        st.Latency.Milliseconds(),
				Requests:         st.RequestCount,
				Errors:           st.ErrorCount,
			}
			if st.Healthy {
				healthy++
			}
		}
	}

	code := http.StatusOK
	if len(resp.Providers) > 0 && healthy == 0 {
		resp.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

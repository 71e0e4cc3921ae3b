package api

import (
	"bytes"
	"io"
	"net/http"

	"github.com/prometheus/common/expfmt"
	"github.com/rs/zerolog"

	"github.com/threadline/threadline/internal/metrics"
)

// MetricsSource is the read side of metrics.Collector.
type MetricsSource interface {
	Snapshot() metrics.Snapshot
	WriteExposition(w io.Writer) error
}

type MetricsHandler struct {
	Source MetricsSource
}

// GET /metrics.json
func (h *MetricsHandler) JSON(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Source.Snapshot())
}

// GET /metrics
func (h *MetricsHandler) Prometheus(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := h.Source.WriteExposition(&buf); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("metrics exposition failed")
		respondError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error")
		return
	}
	w.Header().Set("Content-Type", string(expfmt.NewFormat(expfmt.TypeTextPlain)))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

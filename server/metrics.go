package server

import (
	"net/http"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/dotside-studios/nfc-readloop/readloop"
	"github.com/dotside-studios/nfc-readloop/upload"
)

const metricPrefix = "nfc_readloop_"

// handleMetrics serves the counters in the Prometheus text format.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	families := readLoopFamilies(s.config.Controller.Stats(), s.config.Controller.Status())
	if s.config.Uploads != nil {
		families = append(families, uploadFamilies(s.config.Uploads.Stats(), time.Now())...)
	}

	format := expfmt.NewFormat(expfmt.TypeTextPlain)
	w.Header().Set("Content-Type", string(format))
	enc := expfmt.NewEncoder(w, format)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			s.logger.Printf("metrics encode error: %v", err)
			return
		}
	}
}

func readLoopFamilies(st readloop.Stats, status readloop.Status) []*dto.MetricFamily {
	return []*dto.MetricFamily{
		counterFamily("events_total", "Events counted by the on-screen read counter.", st.Counter),
		counterFamily("discoveries_total", "Tags reported by the radio.", st.Discoveries),
		counterFamily("discovery_errors_total", "Discovery callbacks without a usable tag.", st.DiscoveryErrors),
		counterFamily("reads_total", "Successful read ticks.", st.Reads),
		counterFamily("read_errors_total", "Unexpected session faults.", st.ReadErrors),
		counterFamily("departures_total", "Sessions ended by the tag leaving the field.", st.Departures),
		counterFamily("rearms_total", "Discovery re-arm cycles.", st.Rearms),
		counterFamily("resets_total", "Radio resets started.", st.Resets),
		counterFamily("resets_attempted_total", "Radio resets that reached the power cycler.", st.ResetsAttempted),
		gaugeFamily("session_active", "Whether a tag session is active.", boolValue(status.Active)),
		gaugeFamily("polling", "Whether discovery is enabled.", boolValue(status.Polling)),
	}
}

func uploadFamilies(st upload.Stats, now time.Time) []*dto.MetricFamily {
	jobs := &dto.MetricFamily{
		Name: strPtr(metricPrefix + "upload_jobs_total"),
		Help: strPtr("Upload jobs by outcome."),
		Type: dto.MetricType_COUNTER.Enum(),
	}
	for _, o := range []struct {
		name  string
		value int64
	}{
		{"submitted", st.Submitted},
		{"suppressed", st.Suppressed},
		{"dropped", st.Dropped},
		{"delivered", st.Delivered},
		{"failed", st.Failed},
	} {
		jobs.Metric = append(jobs.Metric, counterMetric(o.value, label("outcome", o.name)))
	}

	attempts := &dto.MetricFamily{
		Name: strPtr(metricPrefix + "upload_attempts_total"),
		Help: strPtr("Delivery attempts by strategy and result."),
		Type: dto.MetricType_COUNTER.Enum(),
	}
	names := make([]string, 0, len(st.Strategies))
	for name := range st.Strategies {
		names = append(names, string(name))
	}
	sort.Strings(names)
	for _, name := range names {
		ss := st.Strategies[upload.Strategy(name)]
		attempts.Metric = append(attempts.Metric,
			counterMetric(ss.Successes, label("strategy", name), label("result", "success")),
			counterMetric(ss.Attempts-ss.Successes, label("strategy", name), label("result", "failure")),
		)
	}

	var remaining float64
	if st.Deadline.After(now) {
		remaining = st.Deadline.Sub(now).Seconds()
	}

	families := []*dto.MetricFamily{jobs}
	if len(attempts.Metric) > 0 {
		families = append(families, attempts)
	}
	return append(families, &dto.MetricFamily{
		Name:   strPtr(metricPrefix + "upload_backoff_seconds"),
		Help:   strPtr("Seconds until uploads are attempted again."),
		Type:   dto.MetricType_GAUGE.Enum(),
		Metric: []*dto.Metric{{Gauge: &dto.Gauge{Value: &remaining}}},
	})
}

func counterFamily(name, help string, v int64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   strPtr(metricPrefix + name),
		Help:   strPtr(help),
		Type:   dto.MetricType_COUNTER.Enum(),
		Metric: []*dto.Metric{counterMetric(v)},
	}
}

func gaugeFamily(name, help string, v float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   strPtr(metricPrefix + name),
		Help:   strPtr(help),
		Type:   dto.MetricType_GAUGE.Enum(),
		Metric: []*dto.Metric{{Gauge: &dto.Gauge{Value: &v}}},
	}
}

func counterMetric(v int64, labels ...*dto.LabelPair) *dto.Metric {
	f := float64(v)
	return &dto.Metric{
		Label:   labels,
		Counter: &dto.Counter{Value: &f},
	}
}

func label(name, value string) *dto.LabelPair {
	return &dto.LabelPair{Name: strPtr(name), Value: strPtr(value)}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func strPtr(s string) *string { return &s }

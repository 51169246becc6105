package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counterValue reads a counter from the default registry by name and labels.
func counterValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			matched := 0
			for _, lp := range m.GetLabel() {
				if v, ok := labels[lp.GetName()]; ok && v == lp.GetValue() {
					matched++
				}
			}
			if matched == len(labels) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/alertes/{alerteID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	labels := map[string]string{"method": "GET", "path": "/alertes/{alerteID}", "status": "418"}
	before := counterValue(t, "http_requests_total", labels)

	for _, id := range []string{"a", "b", "c"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/alertes/"+id, nil))
		assert.Equal(t, http.StatusTeapot, rec.Code)
	}

	after := counterValue(t, "http_requests_total", labels)
	assert.Equal(t, float64(3), after-before)
}

func TestRecordAttachmentUpload(t *testing.T) {
	labels := map[string]string{"kind": "image", "outcome": "failed"}
	before := counterValue(t, "attachment_uploads_total", labels)

	RecordAttachmentUpload("image", false)

	after := counterValue(t, "attachment_uploads_total", labels)
	assert.Equal(t, float64(1), after-before)
}

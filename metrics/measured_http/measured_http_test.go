package measured_http

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
	io_prometheus_client "github.com/prometheus/client_model/go"

	"github.com/pumice-ca/pumice/test"
)

// sleepyHandler advances the fake clock before responding so the recorded
// latency is deterministic.
type sleepyHandler struct {
	clk  clock.FakeClock
	code int
}

func (h sleepyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.clk.Sleep(999 * time.Second)
	w.WriteHeader(h.code)
}

func sum(hist *io_prometheus_client.Histogram) float64 {
	return hist.GetSampleSum()
}

type fixedMux struct {
	handler http.Handler
	pattern string
}

func (m fixedMux) Handler(*http.Request) (http.Handler, string) {
	return m.handler, m.pattern
}

func collect(t *testing.T, stat *prometheus.HistogramVec) *io_prometheus_client.Metric {
	t.Helper()
	ch := make(chan prometheus.Metric, 10)
	stat.Collect(ch)
	m := <-ch
	var iom io_prometheus_client.Metric
	err := m.Write(&iom)
	test.AssertNotError(t, err, "writing metric")
	return &iom
}

func TestMeasuring(t *testing.T) {
	clk := clock.NewFake()
	h := New(fixedMux{sleepyHandler{clk, 302}, "/foo"}, clk, prometheus.NewRegistry())

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/foo", nil))

	iom := collect(t, h.stat)
	test.AssertEquals(t, sum(iom.Histogram), 999.0)

	expectedLabels := map[string]string{
		"endpoint": "/foo",
		"method":   "GET",
		"code":     "302",
	}
	for _, labelPair := range iom.Label {
		expected := expectedLabels[labelPair.GetName()]
		test.AssertEquals(t, labelPair.GetValue(), expected)
	}
	test.AssertEquals(t, len(iom.Label), len(expectedLabels))
}

func TestDefaultCode(t *testing.T) {
	clk := clock.NewFake()
	h := New(fixedMux{http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}), "/ok"}, clk, prometheus.NewRegistry())

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/ok", nil))

	iom := collect(t, h.stat)
	for _, labelPair := range iom.Label {
		if labelPair.GetName() == "code" {
			test.AssertEquals(t, labelPair.GetValue(), "200")
		}
	}
}

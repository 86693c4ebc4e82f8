package observability

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"go.opentelemetry.io/otel"
)

func TestSimCollector_RecordsTickAndFailures(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewSimCollector(reg)
	if err != nil {
		t.Fatalf("NewSimCollector: %v", err)
	}
	c.ObserveTick(20*time.Millisecond, 7)
	c.ObserveBridgeWait(5*time.Millisecond, 3)
	c.IncAgentFailure("decide")
	c.IncAgentFailure("decide")
	c.IncBridgeTimeout()
	c.SetPendingCleanup(4)

	if got := testutil.ToFloat64(c.Ticks); got != 1 {
		t.Fatalf("ticks=%v", got)
	}
	if got := testutil.ToFloat64(c.Step); got != 7 {
		t.Fatalf("step=%v", got)
	}
	if got := testutil.ToFloat64(c.AgentFailures.WithLabelValues("decide")); got != 2 {
		t.Fatalf("failures=%v", got)
	}
	if got := testutil.ToFloat64(c.PendingCleanup); got != 4 {
		t.Fatalf("pending=%v", got)
	}
	if n := histogramSampleCount(t, reg, "townsim_bridge_wait_seconds"); n != 1 {
		t.Fatalf("bridge wait samples=%d", n)
	}
}

func TestSimCollector_ReRegisterReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := NewSimCollector(reg)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	b, err := NewSimCollector(reg)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	a.ObserveTick(time.Millisecond, 1)
	if got := testutil.ToFloat64(b.Ticks); got != 1 {
		t.Fatalf("shared ticks=%v", got)
	}
}

func TestSimCollector_HandlerExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewSimCollector(reg)
	if err != nil {
		t.Fatalf("NewSimCollector: %v", err)
	}
	if err := c.RegisterGaugeFunc(reg, "townsim_index_queue_depth", "depth", func() float64 { return 9 }); err != nil {
		t.Fatalf("RegisterGaugeFunc: %v", err)
	}
	c.ObserveTick(time.Millisecond, 1)

	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	body := rr.Body.String()
	for _, name := range []string{"townsim_ticks_total", "townsim_tick_duration_seconds", "townsim_step", "townsim_index_queue_depth 9"} {
		if !strings.Contains(body, name) {
			t.Fatalf("missing %q in:\n%s", name, body)
		}
	}
}

func TestInitTracing_StdoutExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	ctx := context.Background()
	shutdown, err := InitTracing(ctx, TracingConfig{Enabled: true, Exporter: "stdout", SampleRatio: 1, Writer: &buf}, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	_, span := otel.Tracer("test").Start(ctx, "world.tick")
	span.End()
	if err := shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !strings.Contains(buf.String(), "world.tick") {
		t.Fatalf("span not exported: %s", buf.String())
	}

	if _, err := InitTracing(ctx, TracingConfig{Enabled: false}, nil); err != nil {
		t.Fatalf("disabled: %v", err)
	}
	if _, err := InitTracing(ctx, TracingConfig{Enabled: true, Exporter: "carrier"}, nil); err == nil {
		t.Fatalf("expected unsupported exporter error")
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string) uint64 {
	t.Helper()
	mfs, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if h := firstHistogram(mfs, name); h != nil {
		return h.GetSampleCount()
	}
	return 0
}

func firstHistogram(mfs []*dto.MetricFamily, name string) *dto.Histogram {
	for _, mf := range mfs {
		if mf.GetName() != name || mf.GetType() != dto.MetricType_HISTOGRAM {
			continue
		}
		for _, m := range mf.Metric {
			if h := m.GetHistogram(); h != nil {
				return h
			}
		}
	}
	return nil
}

package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"postpilot/internal/post"
)

func TestObserveCycle(t *testing.T) {
	t.Parallel()

	m := New()
	now := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	m.ObserveCycle(post.CycleReport{Now: now, Due: 3, Published: 2, Failed: 1, Duration: time.Second}, nil)
	m.ObserveCycle(post.CycleReport{Now: now.Add(time.Minute)}, errors.New("store down"))

	if got := testutil.ToFloat64(m.Cycles.WithLabelValues("ok")); got != 1 {
		t.Fatalf("ok cycles=%v", got)
	}
	if got := testutil.ToFloat64(m.Cycles.WithLabelValues("error")); got != 1 {
		t.Fatalf("error cycles=%v", got)
	}
	if got := testutil.ToFloat64(m.CyclePosts.WithLabelValues("published")); got != 2 {
		t.Fatalf("published=%v", got)
	}
	if got := testutil.ToFloat64(m.LastCycle); got != float64(now.Add(time.Minute).Unix()) {
		t.Fatalf("last cycle=%v", got)
	}
}

func TestObservePublish(t *testing.T) {
	t.Parallel()

	m := New()
	m.ObservePublish("facebook", "published", 200*time.Millisecond)
	m.ObservePublish("facebook", "failed", time.Second)
	m.ObservePublish("facebook", "published", time.Millisecond)

	if got := testutil.ToFloat64(m.Publishes.WithLabelValues("facebook", "published")); got != 2 {
		t.Fatalf("published=%v", got)
	}
	if n := testutil.CollectAndCount(m.PublishDuration); n != 1 {
		t.Fatalf("histogram series=%d", n)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.ObservePublish("x", "published", time.Second)
	m.ObserveCycle(post.CycleReport{}, nil)
	if m.Registry() != nil {
		t.Fatalf("expected nil registry")
	}
}

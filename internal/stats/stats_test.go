package stats

import (
	"sync/atomic"
	"testing"
)

type captureSink struct {
	counters map[string]uint64
	gauges   map[string]uint64
}

func newCaptureSink() *captureSink {
	return &captureSink{counters: map[string]uint64{}, gauges: map[string]uint64{}}
}

func (c *captureSink) EmitCounter(name string, delta uint64) { c.counters[name] += delta }
func (c *captureSink) EmitGauge(name string, value uint64)   { c.gauges[name] = value }

func TestCounterLatchesDeltaSinceLastFlush(t *testing.T) {
	s := New()
	c := s.Counter("requests")
	atomic.AddUint64(c, 5)

	sink := newCaptureSink()
	s.Flush([]Sink{sink})
	if sink.counters["requests"] != 5 {
		t.Fatalf("want 5, got %d", sink.counters["requests"])
	}

	atomic.AddUint64(c, 3)
	sink2 := newCaptureSink()
	s.Flush([]Sink{sink2})
	if sink2.counters["requests"] != 3 {
		t.Fatalf("want delta 3, got %d", sink2.counters["requests"])
	}
}

func TestGaugeReportsCurrentValue(t *testing.T) {
	s := New()
	g := s.Gauge("connections")
	atomic.StoreUint64(g, 42)

	sink := newCaptureSink()
	s.Flush([]Sink{sink})
	if sink.gauges["connections"] != 42 {
		t.Fatalf("want 42, got %d", sink.gauges["connections"])
	}
}

func TestUnusedMetricNeverFlushed(t *testing.T) {
	s := New()
	s.mu.Lock()
	s.counters["never-touched"] = &metric{}
	s.mu.Unlock()

	sink := newCaptureSink()
	s.Flush([]Sink{sink})
	if _, ok := sink.counters["never-touched"]; ok {
		t.Fatal("unused counter should be skipped")
	}
}

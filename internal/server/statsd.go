package server

import (
	"fmt"
	"net"
)

// statsdSink is a minimal statsd-over-UDP Sink (spec.md §4.6 Phase 2
// step 15's "statsd UDP ... sink"). Wire format for external stats
// systems is explicitly out of scope (spec.md §1); this exists only so
// the stats-flush timer has a concrete second sink to exercise besides
// the log sink, using the conventional statsd line format
// ("name:value|c" for counters, "name:value|g" for gauges) since that's
// the one wire convention every statsd-compatible collector accepts
// without further configuration.
type statsdSink struct {
	conn net.Conn
}

func newStatsdSink(addr string) (*statsdSink, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("server: dial statsd %s: %w", addr, err)
	}
	return &statsdSink{conn: conn}, nil
}

func (s *statsdSink) EmitCounter(name string, delta uint64) {
	if delta == 0 {
		return
	}
	fmt.Fprintf(s.conn, "%s:%d|c\n", name, delta)
}

func (s *statsdSink) EmitGauge(name string, value uint64) {
	fmt.Fprintf(s.conn, "%s:%d|g\n", name, value)
}

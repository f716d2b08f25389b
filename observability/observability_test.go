package observability

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/hazyhaar/gridsync/fanout"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "warn", "json")
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "cells", 3)
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"cells":3`) {
		t.Fatalf("log output = %s", out)
	}

	if _, err := NewLogger(&buf, "loud", "json"); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if _, err := NewLogger(&buf, "info", "xml"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestMetrics_Observers(t *testing.T) {
	m := NewMetrics()

	m.Mutation("place", time.Millisecond, nil)
	m.Mutation("place", time.Millisecond, errors.New("disk"))
	if got := testutil.ToFloat64(m.Mutations.WithLabelValues("place", "error")); got != 1 {
		t.Fatalf("place errors = %v", got)
	}

	m.Outcome(fanout.Delivered)
	m.Outcome(fanout.Dropped)
	m.Outcome(fanout.Dropped)
	if got := testutil.ToFloat64(m.Deliveries.WithLabelValues("dropped")); got != 2 {
		t.Fatalf("dropped = %v", got)
	}

	m.Recovered()
	m.Degraded()
	if testutil.ToFloat64(m.ReplayShared) != 0 || testutil.ToFloat64(m.ReplayDegraded) != 1 {
		t.Fatal("replay gauges not updated")
	}

	if _, err := m.Registry.Gather(); err != nil {
		t.Fatal(err)
	}
}

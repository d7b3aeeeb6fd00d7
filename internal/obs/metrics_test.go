package obs

import (
	"testing"
	"time"
)

func TestMetricsCountersAndUptime(t *testing.T) {
	now := time.Unix(100, 0)
	m := NewMetrics(func() time.Time { return now })

	m.IncRequest()
	m.IncRequest()
	m.IncError()

	if m.RequestsTotal() != 2 {
		t.Fatalf("requests = %d, want 2", m.RequestsTotal())
	}
	if m.ErrorsTotal() != 1 {
		t.Fatalf("errors = %d, want 1", m.ErrorsTotal())
	}

	now = now.Add(90 * time.Second)
	if m.Uptime() != 90*time.Second {
		t.Fatalf("uptime = %v", m.Uptime())
	}
}

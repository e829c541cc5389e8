package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func TestReleaseCounter_Increments(t *testing.T) {
	MilestonesReleasedTotal.Reset()

	MilestonesReleasedTotal.WithLabelValues("automatic").Inc()
	MilestonesReleasedTotal.WithLabelValues("automatic").Inc()
	MilestonesReleasedTotal.WithLabelValues("manual").Inc()

	m := &dto.Metric{}
	counter, err := MilestonesReleasedTotal.GetMetricWithLabelValues("automatic")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues failed: %v", err)
	}
	_ = counter.Write(m)

	if m.Counter.GetValue() != 2.0 {
		t.Errorf("expected counter value 2, got %f", m.Counter.GetValue())
	}
}

func TestStatusBucket(t *testing.T) {
	cases := map[int]string{
		100: "1xx",
		200: "2xx",
		204: "2xx",
		301: "3xx",
		404: "4xx",
		409: "4xx",
		500: "5xx",
	}
	for code, want := range cases {
		if got := statusBucket(code); got != want {
			t.Errorf("statusBucket(%d) = %s, want %s", code, got, want)
		}
	}
}

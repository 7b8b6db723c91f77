package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corestack/upath/pkg/descriptor"
)

func TestNewTCPInfoCollectorBuildsFieldsFromTags(t *testing.T) {
	c := NewTCPInfoCollector("upath", []string{"worker_id"}, nil, nil)
	require.NotEmpty(t, c.fields, "at least one tcpi-tagged field should have produced a descriptor")

	descs := make(chan *prometheus.Desc, len(c.fields)+1)
	c.Describe(descs)
	close(descs)
	count := 0
	for range descs {
		count++
	}
	assert.Equal(t, len(c.fields), count)
}

func TestCollectorDescribeAndCollectDoNotPanic(t *testing.T) {
	col := NewCollector("upath", nil)
	descs := make(chan *prometheus.Desc, 8)
	col.Describe(descs)
	close(descs)
	assert.NotEmpty(t, descs)

	metricsCh := make(chan prometheus.Metric, 8)
	assert.NotPanics(t, func() {
		col.Collect(metricsCh)
		close(metricsCh)
	})
}

// TestCollectorReportsLiveWriteDropCount confirms write_drops_total is
// not a disguised no-op: it must track pkg/descriptor's running total,
// which TXPump increments on partial acceptance (see descriptor_test.go's
// TestTXPumpPartialAcceptanceRecordsWriteDrop).
func TestCollectorReportsLiveWriteDropCount(t *testing.T) {
	before := descriptor.WriteDropsTotal()
	col := NewCollector("upath", nil)

	ch := make(chan prometheus.Metric, 8)
	col.Collect(ch)
	close(ch)

	var got float64
	found := false
	for m := range ch {
		var pb dto.Metric
		require.NoError(t, m.Write(&pb))
		if pb.Counter != nil && m.Desc() == col.writeDropsTotal {
			got = pb.Counter.GetValue()
			found = true
		}
	}
	require.True(t, found, "write_drops_total metric should be emitted")
	assert.Equal(t, float64(before), got, "collector should report descriptor's live total, not a static zero")
}

package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Modified("default", 3)
	m.Modified("default", 2)
	m.Expired("default", 1)
	m.Resynced("default")
	m.Dropped("default")
	m.SubscriberAdded("default")
	m.SubscriberAdded("default")
	m.SubscriberRemoved("default")
	m.Request("add", nil)
	m.Request("add", errors.New("x"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.modifications.WithLabelValues("default")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.rules.WithLabelValues("default")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.expirations.WithLabelValues("default")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.resyncs.WithLabelValues("default")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dropped.WithLabelValues("default")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.subscribers.WithLabelValues("default")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("add", "error")))

	n, err := testutil.GatherAndCount(reg)
	assert.NoError(t, err)
	assert.Equal(t, 8, n)
}

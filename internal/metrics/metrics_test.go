package metrics

import (
	"testing"
	"time"

	"github.com/amirphl/mexc-bracket/internal/exchange"
	"github.com/amirphl/mexc-bracket/internal/order"
	"github.com/amirphl/mexc-bracket/internal/position"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

var (
	_ exchange.Observer = (*Metrics)(nil)
	_ position.Observer = (*Metrics)(nil)
)

func TestMetricsCount(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	m := New(reg)

	m.ObserveRequest("placeOrder", "ok", 40*time.Millisecond)
	m.ObserveRequest("placeOrder", "ok", 60*time.Millisecond)
	m.ObserveRetry("queryOrder", "status_503")
	m.ObserveBudget(17)
	m.ObserveTransition("PENDING_ENTRY", "ENTRY_FILLED")
	m.ObserveOrder("placed", order.RoleStopLoss)
	m.PositionStarted()
	m.PositionStarted()
	m.PositionFinished()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("placeOrder", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retries.WithLabelValues("queryOrder", "status_503")))
	assert.Equal(t, 17.0, testutil.ToFloat64(m.budget))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("PENDING_ENTRY", "ENTRY_FILLED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.orders.WithLabelValues("placed", string(order.RoleStopLoss))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.active))
	assert.Equal(t, 1, testutil.CollectAndCount(m.latency))

	n, err := testutil.GatherAndCount(reg)
	assert.NoError(t, err)
	assert.Equal(t, 7, n)
}

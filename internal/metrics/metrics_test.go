package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersEverySeriesExactlyOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)
	require.NotNil(t, c)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestCollector_OrdersPlaced_IncrementsByLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.OrdersPlaced.WithLabelValues("BTC-USDC", "bid").Inc()
	c.OrdersPlaced.WithLabelValues("BTC-USDC", "bid").Inc()
	c.OrdersPlaced.WithLabelValues("BTC-USDC", "ask").Inc()

	var m dto.Metric
	require.NoError(t, c.OrdersPlaced.WithLabelValues("BTC-USDC", "bid").Write(&m))
	assert.Equal(t, float64(2), m.GetCounter().GetValue())
}

func TestNew_PanicsOnDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) }, "registering a second Collector against the same registry must conflict")
}

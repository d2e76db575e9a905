package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/kgengine/backend/pkg/circuitbreaker"
)

func TestBreakerStateChanged(t *testing.T) {
	BreakerStateChanged("milvus", circuitbreaker.StateClosed, circuitbreaker.StateOpen)
	assert.Equal(t, 2.0, testutil.ToFloat64(BreakerState.WithLabelValues("milvus")))

	BreakerStateChanged("milvus", circuitbreaker.StateOpen, circuitbreaker.StateHalfOpen)
	assert.Equal(t, 1.0, testutil.ToFloat64(BreakerState.WithLabelValues("milvus")))
}

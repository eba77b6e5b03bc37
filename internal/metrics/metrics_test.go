package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestHelpersCountOnceRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	InitWith(reg)

	IncSubmitted("slave", "rule")
	IncSubmitted("slave", "rule")
	ObserveClaim("slave", 3, 1, 20*time.Millisecond)
	IncResult("master", "failed")
	AddRecovery("master", RecoveryExhausted, 2)
	AddRecovery("master", RecoveryRequeued, 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(commandsSubmitted.WithLabelValues("slave", "rule")))
	assert.Equal(t, 3.0, testutil.ToFloat64(commandsClaimed.WithLabelValues("slave")))
	assert.Equal(t, 1.0, testutil.ToFloat64(claimRacesLost.WithLabelValues("slave")))
	assert.Equal(t, 1.0, testutil.ToFloat64(commandResults.WithLabelValues("master", "failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(recoveryOutcomes.WithLabelValues("master", RecoveryExhausted)))

	// a second registration is a no-op
	assert.NotPanics(t, func() { InitWith(reg) })
}

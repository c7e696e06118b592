package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	// Register should be safe to call multiple times
	Register()
	Register()

	assert.NotPanics(t, func() {
		IncEnqueued()
		IncEnqueueError()
		AddDelivered(3)
		IncRetry("transient")
		IncDeadLettered()
		SetQueueDepth("pending", 7)
		SetBackoff(1.5)
	})
}

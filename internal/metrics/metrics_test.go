package metrics

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecordOutcome(t *testing.T) {
	before := operationCounter("webhook", "STRIPE", OutcomeDuplicate).Get()

	RecordOutcome("webhook", "STRIPE", OutcomeDuplicate)
	RecordOutcome("webhook", "STRIPE", OutcomeDuplicate)

	assert.Equal(t, before+2, operationCounter("webhook", "STRIPE", OutcomeDuplicate).Get())
}

func TestRecordOutcome_EmptyGateway(t *testing.T) {
	RecordOutcome("events_publish", "", OutcomeDropped)

	var buf bytes.Buffer
	WritePrometheus(&buf)
	assert.Contains(t, buf.String(), `payment_operations_total{operation="events_publish",gateway="none",outcome="dropped"}`)
}

func TestObserveDuration(t *testing.T) {
	ObserveDuration(CategoryRefund, time.Now().Add(-15*time.Millisecond))

	var buf bytes.Buffer
	WritePrometheus(&buf)
	assert.Contains(t, buf.String(), `payment_operation_duration_milliseconds_bucket{category="refund"`)
}

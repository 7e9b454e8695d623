package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// auditRetryCap bounds backoff for audit-log writes. Those writes run
// in a goroutine behind the coordinator's own 5-second write timeout
// (see coordinator.recordGrant/recordEvent), so a generic 60s cap
// would mean most attempts never get a chance to retry at all before
// the caller's context expires; this keeps the schedule inside that
// budget instead of inheriting a bound tuned for a different caller.
const auditRetryCap = 2 * time.Second

// Retry executes fn with exponential backoff and full jitter, up to
// attempts times, capped at 60s per attempt. op labels the
// attempt/success/fail counters (e.g. "record_grant", "record_event")
// so a dashboard can separate a flaky audit store from a flaky
// dispatcher write instead of reading one blind federation-wide rate.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, op string, fn func() (T, error)) (T, error) {
	return retry(ctx, attempts, delay, 60*time.Second, op, fn)
}

// RetryAudit is Retry tuned for the audit log's background writes: the
// same exponential-jitter schedule, capped at auditRetryCap instead of
// 60s so retries stay inside the write's own deadline.
func RetryAudit[T any](ctx context.Context, attempts int, delay time.Duration, op string, fn func() (T, error)) (T, error) {
	return retry(ctx, attempts, delay, auditRetryCap, op, fn)
}

func retry[T any](ctx context.Context, attempts int, delay, ceiling time.Duration, op string, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}
	cur := delay
	var lastErr error
	meter := otel.Meter("rti-coordinator")
	attemptCounter, _ := meter.Int64Counter("rti_resilience_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("rti_resilience_retry_success_total")
	failCounter, _ := meter.Int64Counter("rti_resilience_retry_fail_total")
	attrs := metric.WithAttributes(attribute.String("operation", op))
	for i := 0; i < attempts; i++ {
		v, err := fn()
		attemptCounter.Add(ctx, 1, attrs)
		if err == nil {
			successCounter.Add(ctx, 1, attrs)
			return v, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		if cur > ceiling {
			cur = ceiling
		}
		sleep := time.Duration(rand.Int63n(int64(cur) + 1))
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1, attrs)
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
		cur *= 2
	}
	failCounter.Add(ctx, 1, attrs)
	return zero, lastErr
}

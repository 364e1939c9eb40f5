package provisioning

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/dbaas/dbaas/pkg/drivers"
	"github.com/dbaas/dbaas/pkg/models"
	"github.com/dbaas/dbaas/pkg/telemetry"
)

// calculateBackoff returns the delay before retry number attempt+1:
// base * 2^attempt, capped at max, plus up to 25% jitter.
func calculateBackoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	delay := max
	if d := float64(base) * math.Pow(2, float64(attempt)); d < float64(max) {
		delay = time.Duration(d)
	}

	jitter := int64(float64(delay) * 0.25)
	if jitter > 0 {
		delay += time.Duration(rand.Int64N(jitter))
	}
	return delay
}

// retry runs step until it succeeds, fails with a non-retryable error or
// MaxAttempts is reached. fn receives the zero-based attempt number.
func (o *Orchestrator) retry(ctx context.Context, step string, fn func(attempt int) error) error {
	logger := telemetry.FromContext(ctx)

	var err error
	for attempt := 0; attempt < o.cfg.MaxAttempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		if !drivers.IsRetryable(err) || attempt == o.cfg.MaxAttempts-1 {
			break
		}

		backoff := calculateBackoff(o.cfg.BaseBackoff, o.cfg.MaxBackoff, attempt)
		o.tel.Metrics.RecordRetry(step)
		logger.WithError(err).WithFields(map[string]interface{}{
			"step":    step,
			"attempt": attempt + 1,
			"backoff": backoff.String(),
		}).Warn("Retrying after failure")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return drivers.NewConnectionError(fmt.Sprintf("%s interrupted while waiting to retry", step), ctx.Err()).
				WithOperation(step)
		}
	}
	return err
}

// call runs one engine call under the per-engine timeout. A call still
// running when the deadline passes is abandoned and reported as a
// ConnectionError, whether or not the driver honours its context.
func (o *Orchestrator) call(ctx context.Context, infra *models.Infra, op string, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.TimeoutFor(infra.Engine))
	defer cancel()

	return telemetry.RecordDriverCall(callCtx, infra.Engine, op, func(ctx context.Context) error {
		done := make(chan error, 1)
		go func() {
			done <- fn(ctx)
		}()

		var err error
		select {
		case err = <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		return drivers.ClassifyTransport(op, err)
	})
}

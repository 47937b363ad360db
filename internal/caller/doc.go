/*
Package caller runs remote operations with bounded concurrency and retries.

A Caller holds a weighted semaphore sized to MaxConcurrency. Each attempt
acquires a slot, runs, and releases it before any backoff, so sleeping retries
never hold capacity. Failures are classified by a Policy:

  - cancellation, timeouts, breaker rejections, validation and protocol errors
    are returned at once
  - failures without an HTTP status are retried
  - failures with a status are retried when the status is in the policy set
    (429, 500, 502, 503, 504 by default)

Backoff is exponential with jitter between MinBackoff and MaxBackoff. A
Retry-After header raises the delay, capped at MaxRetryAfter.

# Usage

	c, err := caller.New(caller.DefaultOptions())
	if err != nil {
		return err
	}
	runs, err := caller.Do(ctx, c, func(ctx context.Context) ([]Run, error) {
		return api.ListRuns(ctx, project)
	})
*/
package caller

/*
Package resilience implements the circuit breaker that guards calls to the
tracing backend.

A breaker starts closed. Once Settings.Trip reports true after a failure, it
opens and rejects every call for Settings.Cooldown. Then it half-opens and
admits Settings.Probes calls. If that many succeed in a row, it closes again.
A single probe failure reopens it.

	Closed --[Trip]--> Open --[Cooldown]--> Half-Open --[Probes ok]--> Closed
	                    ^                       |
	                    +-------[failure]-------+

Calls go through Execute, or through Allow when the outcome is reported
separately:

	done, err := breaker.Allow()
	if err != nil {
		return err // *RejectedError; errors.Is matches ErrOpen or ErrProbeLimit
	}
	err = transport.PostBatch(ctx, body)
	done(err)

Settings.IsFailure decides which errors count against the breaker. The
caller package counts only transport errors and 5xx responses, so a backend
that answers 4xx stays closed.
*/
package resilience

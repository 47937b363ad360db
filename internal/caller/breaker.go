package caller

import (
	"time"

	"github.com/GriffinCanCode/runtrace/internal/infrastructure/logging"
	"github.com/GriffinCanCode/runtrace/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/runtrace/internal/shared/errs"
	"go.uber.org/zap"
)

// NewBreaker builds a circuit breaker for backend calls. Only transport
// errors and 5xx responses count as failures; 4xx (including 429) mean the
// backend is up and answering.
func NewBreaker(name string, consecutiveFailures uint32, openTimeout time.Duration, logger *zap.Logger) *resilience.Breaker {
	logger = logging.OrNop(logger)
	if consecutiveFailures == 0 {
		consecutiveFailures = 10
	}
	return resilience.New(name, resilience.Settings{
		Cooldown: openTimeout,
		Trip:     func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= consecutiveFailures
		},
		IsFailure: func(err error) bool {
			if err == nil || errs.IsAbort(err) {
				return false
			}
			status, ok := errs.StatusCode(err)
			return !ok || status >= 500
		},
		OnStateChange: func(name string, from, to resilience.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		},
	})
}

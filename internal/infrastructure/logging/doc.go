// Package logging provides structured logging using uber/zap.
//
// Production output is sampled JSON on stderr; development output is a
// colored console. Library components (caller, ingest, eval) take a
// *zap.Logger and treat nil as a no-op logger, so embedding applications
// decide where logs go. Delivery failures are logged at error level; they
// never terminate the host process.
//
// Example Usage:
//
//	logger, err := logging.New(logging.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	logger.Info("flush complete", zap.Int("runs", 42))
package logging

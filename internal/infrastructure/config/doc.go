// Package config provides 12-factor configuration for runtrace.
//
// Configuration is loaded from environment variables with defaults. The CLI
// may overlay a YAML or TOML file on top.
//
// Configuration Sections:
//   - API: endpoint, api key, project, request timeout
//   - Batch: items and bytes per batch, flush interval, queue ceiling, wire mode
//   - Retry: retry budget, concurrency gate, retryable statuses, backoff bounds
//   - Breaker: optional circuit breaker around delivery
//   - Eval: target and evaluator concurrency
//   - Logging: log level and output format
//
// Example Usage:
//
//	cfg, err := config.Load()
//	if err != nil {
//		return err
//	}
//	fmt.Println(cfg.API.Endpoint)
//
// Environment Variables:
//   - RUNTRACE_ENDPOINT, RUNTRACE_API_KEY, RUNTRACE_PROJECT, RUNTRACE_TIMEOUT
//   - RUNTRACE_BATCH_SIZE, RUNTRACE_BATCH_BYTES, RUNTRACE_FLUSH_INTERVAL
//   - RUNTRACE_MAX_QUEUE_BYTES, RUNTRACE_MULTIPART, RUNTRACE_COMPRESS
//   - RUNTRACE_MAX_RETRIES, RUNTRACE_MAX_CONCURRENCY, RUNTRACE_RETRY_STATUSES
//   - LOG_LEVEL, LOG_DEV
package config

// Package middleware provides the gin middleware of the in-memory backend.
//
//   - CORS lets browser clients send trace propagation headers and read
//     Retry-After.
//   - RateLimit and GlobalRateLimit answer 429 with a Retry-After in whole
//     seconds, limiting per API key (falling back to client IP) or globally.
package middleware

/*
Package transport is the HTTP client for the tracing backend.

It wraps resty over a pooled transport, stamps every request with a request
id and the API key, and turns failures into the shared error taxonomy: a
request that never got a response becomes an errs.TransportError, and a
status of 400 or above becomes an errs.ResponseError carrying the headers so
Retry-After can be honored upstream.

Client does not retry. Callers wrap its methods in a caller.Caller.
*/
package transport

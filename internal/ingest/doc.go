/*
Package ingest batches run operations and delivers them to the backend.

A Client implements runtree.Sink. Operations wait in a queue until a flush
cycle runs: on BatchSize or BatchBytes, every FlushInterval, or on Flush.
A cycle:

 1. takes the whole queue at once
 2. coalesces each run's operations into one (create + updates = create)
 3. sorts creates before updates, each by dotted order
 4. keeps back creates whose tracked parent has not been created yet
 5. splits the rest into requests and delivers them one after another

Delivery goes through a caller.Caller, so retries, backoff and the
concurrency gate apply. A failed request is logged, counted and passed to
the OnError hook; the runs themselves stay valid and can be posted again.

Admission is bounded by MaxQueueBytes. Submit returns ErrQueueFull rather
than queueing past it.
*/
package ingest

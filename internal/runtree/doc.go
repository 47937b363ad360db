/*
Package runtree builds traces: trees of runs that can be reassembled by the
backend from independently delivered records.

# Dotted order

Every run carries a dotted order, the concatenation of one segment per
ancestor and one for itself:

	20240501T120000123000Z<root-id>.20240501T120000125001Z<child-id>

A segment is the UTC start time to the millisecond, a three digit tie-break
block and the run id. Children starting in the same millisecond under one
parent take blocks 0, 1, 2, ... in creation order; a root uses the
sub-millisecond part of its start time. Sorting dotted orders as strings
therefore sorts runs by start time along each branch and puts every parent
before its descendants, with no coordination between processes.

# Lifecycle

	root, err := runtree.Begin(runtree.Config{Name: "pipeline", Sink: client})
	child, err := root.CreateChild(runtree.Config{Name: "retrieve", RunType: runtree.RunTypeRetriever})
	child.AddEvent(runtree.Event{Name: "cache_miss"})
	_ = child.End(map[string]any{"docs": docs}, nil)
	_ = root.End(map[string]any{"answer": answer}, nil)

With a Sink attached, Begin submits a create and Patch/End submit updates.
Ending twice returns a ProtocolError.

# Propagation

ToHeaders and FromHeaders carry a run's position across process boundaries
in the langsmith-trace header plus W3C baggage for tags, metadata and the
project name.

# Streaming

TraceStream wraps an iter.Seq2 of chunks; outputs are written once, when the
stream closes.
*/
package runtree

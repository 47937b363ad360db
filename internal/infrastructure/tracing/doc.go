/*
Package tracing continues run trees across process boundaries.

A Tracer starts one run per incoming HTTP request or gRPC call. When the
request carries a langsmith-trace header (or the same key in gRPC metadata)
the run becomes a child of the remote parent it names, and baggage tags,
metadata and project flow to it. Otherwise the run is a child of the run
already in the context, or the root of a new trace.

# Usage

	tracer := tracing.New(ingestClient, tracing.WithProject("checkout"))

	router.Use(tracer.HTTPMiddleware())

	server := grpc.NewServer(
		grpc.UnaryInterceptor(tracer.GRPCUnaryInterceptor()),
		grpc.StreamInterceptor(tracer.GRPCStreamInterceptor()),
	)

	conn, err := grpc.NewClient(addr,
		grpc.WithUnaryInterceptor(tracer.GRPCClientInterceptor()),
	)

Outgoing HTTP requests propagate the current run with Inject, which also
fits transport.Options.Decorate.
*/
package tracing

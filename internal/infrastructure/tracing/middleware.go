package tracing

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/GriffinCanCode/runtrace/internal/runtree"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// HTTPMiddleware traces each request as a run named after its route. The
// run is stored in the request context and its trace header is echoed on
// the response.
func (t *Tracer) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.FullPath()
		if name == "" {
			name = "unmatched"
		}
		name = c.Request.Method + " " + name

		run, ctx, err := t.Continue(c.Request.Context(), c.Request.Header, runtree.Config{
			Name: name,
			Inputs: map[string]any{
				"method": c.Request.Method,
				"path":   c.Request.URL.Path,
				"query":  c.Request.URL.RawQuery,
			},
			Metadata: map[string]any{"host": c.Request.Host},
		})
		if err != nil {
			t.logger.Warn("request not traced", zap.String("route", name), zap.Error(err))
			c.Next()
			return
		}

		c.Request = c.Request.WithContext(ctx)
		c.Header(runtree.TraceHeader, run.DottedOrder())

		c.Next()

		code := c.Writer.Status()
		var runErr error
		if len(c.Errors) > 0 {
			runErr = c.Errors.Last()
		} else if code >= http.StatusInternalServerError {
			runErr = fmt.Errorf("http status %d", code)
		}
		t.finish(run, map[string]any{"status": code}, runErr)
	}
}

// GRPCUnaryInterceptor traces unary calls, continuing traces carried in
// incoming metadata.
func (t *Tracer) GRPCUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		run, ctx, err := t.Continue(ctx, incomingHeaders(ctx), runtree.Config{
			Name:     info.FullMethod,
			Metadata: map[string]any{"rpc.system": "grpc"},
		})
		if err != nil {
			t.logger.Warn("call not traced", zap.String("method", info.FullMethod), zap.Error(err))
			return handler(ctx, req)
		}

		resp, err := handler(ctx, req)
		t.finish(run, map[string]any{"code": status.Code(err).String()}, err)
		return resp, err
	}
}

// GRPCStreamInterceptor traces streaming calls.
func (t *Tracer) GRPCStreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		run, ctx, err := t.Continue(ss.Context(), incomingHeaders(ss.Context()), runtree.Config{
			Name:     info.FullMethod,
			Metadata: map[string]any{"rpc.system": "grpc", "rpc.streaming": true},
		})
		if err != nil {
			t.logger.Warn("stream not traced", zap.String("method", info.FullMethod), zap.Error(err))
			return handler(srv, ss)
		}

		err = handler(srv, &tracedServerStream{ServerStream: ss, ctx: ctx})
		t.finish(run, map[string]any{"code": status.Code(err).String()}, err)
		return err
	}
}

// tracedServerStream wraps grpc.ServerStream with the traced context
type tracedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *tracedServerStream) Context() context.Context {
	return s.ctx
}

// GRPCClientInterceptor records outgoing unary calls as children of the run
// in ctx and propagates the child to the server through metadata. Calls made
// outside a run pass through untouched.
func (t *Tracer) GRPCClientInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		parent := runtree.FromContext(ctx)
		if parent == nil {
			return invoker(ctx, method, req, reply, cc, opts...)
		}
		run, err := parent.CreateChild(runtree.Config{
			Name:     method,
			RunType:  runtree.RunTypeTool,
			Metadata: map[string]any{"rpc.system": "grpc", "span.kind": "client"},
		})
		if err != nil {
			t.logger.Warn("call not traced", zap.String("method", method), zap.Error(err))
			return invoker(ctx, method, req, reply, cc, opts...)
		}

		var pairs []string
		for k, vs := range run.ToHeaders() {
			for _, v := range vs {
				pairs = append(pairs, strings.ToLower(k), v)
			}
		}
		ctx = metadata.AppendToOutgoingContext(ctx, pairs...)

		err = invoker(ctx, method, req, reply, cc, opts...)
		t.finish(run, map[string]any{"code": status.Code(err).String()}, err)
		return err
	}
}

// incomingHeaders lifts the propagation keys out of gRPC metadata.
func incomingHeaders(ctx context.Context) http.Header {
	h := http.Header{}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return h
	}
	for _, key := range []string{runtree.TraceHeader, runtree.BaggageHeader} {
		if vals := md.Get(key); len(vals) > 0 {
			h.Set(key, vals[0])
		}
	}
	return h
}

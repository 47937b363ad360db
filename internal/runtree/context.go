package runtree

import "context"

type contextKey struct{}

// ContextWithRun returns a context carrying r as the current run.
func ContextWithRun(ctx context.Context, r *Run) context.Context {
	return context.WithValue(ctx, contextKey{}, r)
}

// FromContext returns the current run, or nil.
func FromContext(ctx context.Context) *Run {
	r, _ := ctx.Value(contextKey{}).(*Run)
	return r
}

// Start begins a child of the run in ctx, or a root run when ctx has none,
// and returns a context carrying the new run.
func Start(ctx context.Context, cfg Config) (*Run, context.Context, error) {
	var (
		r   *Run
		err error
	)
	if parent := FromContext(ctx); parent != nil && cfg.Parent == nil {
		r, err = parent.CreateChild(cfg)
	} else {
		r, err = Begin(cfg)
	}
	if err != nil {
		return nil, ctx, err
	}
	return r, ContextWithRun(ctx, r), nil
}

package tenant

import "context"

type contextKey struct{}

// WithContext attaches a resolved tenant context.
func WithContext(ctx context.Context, tc *Context) context.Context {
	if tc == nil {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, tc)
}

// FromContext returns the tenant context attached by WithContext.
func FromContext(ctx context.Context) (*Context, bool) {
	tc, ok := ctx.Value(contextKey{}).(*Context)
	return tc, ok && tc != nil
}

package functions

import "context"

// Caller identifies the conversation a function runs for.
type Caller struct {
	UserID string
	ChatID string
}

type callerKey struct{}

// WithCaller attaches the conversation identity to ctx.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the identity attached by WithCaller.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok && c.UserID != ""
}

package pipeline

import (
	"context"
	"sync/atomic"
)

// Token is a cooperative cancellation flag checked once per frame. Each
// top-level operation gets a fresh token.
type Token struct {
	cancelled atomic.Bool
}

// NewToken returns an uncancelled token
func NewToken() *Token {
	return &Token{}
}

// Cancel requests that the operation stop at the next frame boundary
func (t *Token) Cancel() {
	t.cancelled.Store(true)
}

// Cancelled reports whether Cancel was called
func (t *Token) Cancelled() bool {
	return t.cancelled.Load()
}

// Bind cancels the token when ctx is done. The returned func detaches it.
func (t *Token) Bind(ctx context.Context) (stop func() bool) {
	return context.AfterFunc(ctx, t.Cancel)
}

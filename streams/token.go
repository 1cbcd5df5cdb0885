package streams

import (
	"context"
	"errors"
)

// Token is a cancellation signal shared by a producer and a consumer.
// Cancellation is one way: once cancelled, a token stays cancelled.
//
// A token is derived from a context, so cancelling the parent context also
// cancels the token.
type Token struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// NewToken returns a token that is cancelled when parent is done or when
// Cancel is called.
func NewToken(parent context.Context) *Token {
	ctx, cancel := context.WithCancelCause(parent)
	return &Token{ctx: ctx, cancel: cancel}
}

// Cancel triggers the token. The cause is kept and reported by Err; a nil
// cause means plain ErrCancelled. Calling Cancel more than once has no
// further effect.
func (t *Token) Cancel(cause error) {
	t.cancel(cancelled(cause))
}

// Cancelled reports whether the token has been triggered.
func (t *Token) Cancelled() bool {
	return t.ctx.Err() != nil && !errors.Is(context.Cause(t.ctx), errReleased)
}

// Err returns nil if the token has not been triggered. Otherwise it returns
// an error that matches ErrCancelled and wraps the cancellation cause.
func (t *Token) Err() error {
	if !t.Cancelled() {
		return nil
	}
	return cancelled(context.Cause(t.ctx))
}

// Context returns a context that is done once the token is cancelled (or
// released, after its stream completed).
func (t *Token) Context() context.Context {
	return t.ctx
}

// Done is shorthand for t.Context().Done().
func (t *Token) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Register arranges for fn to be called, on its own goroutine, once the
// token is cancelled. Each registered function runs at most once. The
// returned stop function unregisters fn; it reports false if fn has already
// been started.
//
// Functions registered on a token that is only released (because its stream
// completed normally) are never called.
func (t *Token) Register(fn func()) (stop func() bool) {
	return context.AfterFunc(t.ctx, func() {
		if t.Cancelled() {
			fn()
		}
	})
}

// release frees the resources associated with the token without
// cancelling it.
func (t *Token) release() {
	t.cancel(errReleased)
}

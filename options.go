package grpchub

import (
	"go.uber.org/zap"
)

// SessionOption is an option for configuring the behavior of a client
// session.
type SessionOption interface {
	apply(*sessionOpts)
}

// WithLogger returns an option that makes the session log to the given
// logger. By default, sessions do not log.
func WithLogger(logger *zap.Logger) SessionOption {
	return sessionOptFunc(func(opts *sessionOpts) {
		opts.logger = logger
	})
}

// WithMetrics returns an option that records the session's activity in the
// given metrics.
func WithMetrics(m *Metrics) SessionOption {
	return sessionOptFunc(func(opts *sessionOpts) {
		opts.metrics = m
	})
}

// WithStreamWindow sets the flow control window of streams invoked by the
// session: the number of items the hub may send ahead of the consumer,
// which is also the capacity of the stream's buffer. The default is 32.
func WithStreamWindow(items int) SessionOption {
	return sessionOptFunc(func(opts *sessionOpts) {
		if items > 0 {
			opts.streamWindow = uint32(items)
		}
	})
}

// WithDisableFlowControl returns an option that stops the session from
// limiting how many items the hub sends ahead: stream buffers become
// unbounded. The session still honors the credit granted by the hub for
// uploads.
//
// NOTE: This should NOT be used in application code. It is intended for
// tests that exercise the hub without backpressure.
func WithDisableFlowControl() SessionOption {
	return sessionOptFunc(func(opts *sessionOpts) {
		opts.disableFlowControl = true
	})
}

// OnStateChange returns an option that registers a listener for changes to
// the session's state. Any number of listeners can be registered. They are
// called synchronously, in registration order, and must not block.
func OnStateChange(fn func(SessionState)) SessionOption {
	return sessionOptFunc(func(opts *sessionOpts) {
		opts.stateListeners = append(opts.stateListeners, fn)
	})
}

type sessionOpts struct {
	logger             *zap.Logger
	metrics            *Metrics
	streamWindow       uint32
	disableFlowControl bool
	stateListeners     []func(SessionState)
}

func newSessionOpts(opts []SessionOption) *sessionOpts {
	so := &sessionOpts{
		logger:       zap.NewNop(),
		streamWindow: defaultStreamWindow,
	}
	for _, opt := range opts {
		opt.apply(so)
	}
	if so.logger == nil {
		so.logger = zap.NewNop()
	}
	return so
}

// window is the credit advertised when invoking a stream. Zero means the
// hub need not wait for credit.
func (so *sessionOpts) window() uint32 {
	if so.disableFlowControl {
		return 0
	}
	return so.streamWindow
}

func (so *sessionOpts) notify(state SessionState) {
	for _, fn := range so.stateListeners {
		fn(state)
	}
}

type sessionOptFunc func(*sessionOpts)

func (f sessionOptFunc) apply(opts *sessionOpts) {
	f(opts)
}

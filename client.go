package grpchub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jhump/grpchub/hubpb"
	"github.com/jhump/grpchub/streams"
)

// SessionState is the state of a client session.
type SessionState int32

const (
	// Disconnected is the state of a session that is not connected, either
	// because it has not connected yet or because it was closed.
	Disconnected SessionState = iota
	// Connecting is the state of a session while its stream is being opened.
	Connecting
	// Connected is the state of a session that can invoke methods.
	Connected
	// Faulted is the state of a session whose stream failed.
	Faulted
)

func (s SessionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Session is the client end of a session with a hub. Any number of
// invocations, of any shape, can be in flight at once; they are all carried
// over the session's one stream.
//
// See Connect and NewSession.
type Session struct {
	id       string
	stream   FrameStream
	ctx      context.Context
	cancel   context.CancelFunc
	tearDown func() error
	opts     *sessionOpts
	log      *zap.Logger
	writer   frameWriter

	state atomic.Int32

	mu       sync.RWMutex
	calls    map[int64]*clientCall
	lastID   int64
	err      error
	finished bool
}

// Connect opens a session with the hub served at the other end of cc. The
// session lasts until it is closed, ctx is done, or the stream fails.
func Connect(ctx context.Context, cc grpc.ClientConnInterface, opts ...SessionOption) (*Session, error) {
	so := newSessionOpts(opts)
	so.notify(Connecting)
	ctx, cancel := context.WithCancel(ctx)
	stream, err := hubpb.NewHubServiceClient(cc).Connect(ctx)
	if err != nil {
		cancel()
		so.notify(Faulted)
		return nil, err
	}
	return newSession(stream, func() error {
		err := stream.CloseSend()
		cancel()
		return err
	}, so), nil
}

// NewSession returns a session that runs over the given stream. Closing the
// session does not close the stream; that is up to the caller, typically by
// cancelling the stream's context.
func NewSession(stream FrameStream, opts ...SessionOption) *Session {
	return newSession(stream, nil, newSessionOpts(opts))
}

func newSession(stream FrameStream, tearDown func() error, so *sessionOpts) *Session {
	ctx, cancel := context.WithCancel(stream.Context())
	id := uuid.NewString()
	s := &Session{
		id:       id,
		stream:   stream,
		ctx:      ctx,
		cancel:   cancel,
		tearDown: tearDown,
		opts:     so,
		log:      so.logger.With(zap.String("session", id)),
		writer:   frameWriter{stream: stream},
		calls:    map[int64]*clientCall{},
	}
	s.setState(Connected)
	so.metrics.sessionOpened()
	go s.recvLoop()
	return s
}

// ID returns the session's ID, which is only meaningful locally.
func (s *Session) ID() string {
	return s.id
}

// State returns the current state of the session.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) setState(state SessionState) {
	if SessionState(s.state.Swap(int32(state))) == state {
		return
	}
	s.log.Debug("session state changed", zap.Stringer("state", state))
	s.opts.notify(state)
}

// Context returns the context for this session. It is derived from the
// context of the underlying stream, and is done once the session is closed.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Done returns a channel that can be used to await the session closing.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Err returns the error that caused the session to close. It is nil if the
// session is still open, or if it was closed normally.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err == io.EOF {
		return nil
	}
	return s.err
}

// Close shuts down the session, cancelling any outstanding invocations and
// making it unavailable for subsequent ones.
func (s *Session) Close() {
	s.close(nil)
}

func (s *Session) recvLoop() {
	for {
		msg, err := s.stream.Recv()
		if err != nil {
			s.close(err)
			return
		}
		f, err := frameFromProto(msg)
		if err != nil {
			s.close(err)
			return
		}
		call, err := s.getCall(f.id)
		if err != nil {
			s.close(err)
			return
		}
		call.accept(f)
	}
}

func (s *Session) close(err error) bool {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return false
	}
	s.finished = true
	if err == nil {
		err = io.EOF
	}
	s.err = err
	calls := s.calls
	s.calls = nil
	s.mu.Unlock()

	// no more sends once the writer is closed, so the stream can be torn down
	s.writer.close()
	if s.tearDown != nil {
		_ = s.tearDown()
	}
	defer s.cancel()

	reason := sessionEnded(err)
	for _, call := range calls {
		call.finish(nil, reason)
	}
	s.opts.metrics.sessionClosed()
	if err == io.EOF {
		s.log.Info("session closed")
		s.setState(Disconnected)
	} else {
		s.log.Warn("session failed", zap.Error(err))
		s.setState(Faulted)
	}
	return true
}

func (s *Session) getCall(id int64) (*clientCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	target, ok := s.calls[id]
	if !ok {
		if id <= s.lastID {
			// used and disposed of invocation; ignore subsequent frames
			return nil, nil
		}
		// invocation never created!
		return nil, status.Errorf(codes.Internal, "received frame for invocation %d: invocation never created", id)
	}
	return target, nil
}

func (s *Session) removeCall(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls != nil {
		delete(s.calls, id)
	}
}

// start allocates an invocation and sends its invoke frame. The invocation
// is registered before the frame is sent, so that no reply can be missed.
func (s *Session) start(call *clientCall, f *frame) error {
	err := func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.finished {
			return sessionEnded(s.err)
		}
		if s.lastID >= maxFrameID {
			return errors.New("all invocation IDs exhausted (must create a new session)")
		}
		s.lastID++
		call.id = s.lastID
		call.sess = s
		s.calls[call.id] = call
		return nil
	}()
	if err != nil {
		return err
	}

	f.id = call.id
	f.kind = frameInvoke
	f.method = call.method
	if err := s.writer.send(f); err != nil {
		s.removeCall(call.id)
		return err
	}
	s.opts.metrics.invoked(call.method, call.shape)
	s.log.Debug("invocation started",
		zap.Int64("invocation", call.id), zap.String("method", call.method), zap.String("shape", call.shape))
	return nil
}

// Cancel cancels the invocation with the given ID: the hub is told to stop
// serving it, and it ends locally with an error matching
// streams.ErrCancelled. It returns false if no such invocation is in flight.
func (s *Session) Cancel(id int64) bool {
	s.mu.RLock()
	call := s.calls[id]
	s.mu.RUnlock()
	if call == nil {
		return false
	}
	call.abort(nil)
	return true
}

// clientCall is one invocation started by the session.
type clientCall struct {
	id     int64
	method string
	shape  string
	sess   *Session

	// set for streams: items from the hub
	in  *inbound
	tok *streams.Token
	// set for uploads: items to the hub
	out sender

	finished atomic.Bool
	done     chan struct{}
	result   *structpb.Value
	err      error
}

func newClientCall(method, shape string) *clientCall {
	return &clientCall{method: method, shape: shape, done: make(chan struct{})}
}

func (c *clientCall) accept(f *frame) {
	if c == nil {
		// can happen if the session decided that the invocation ID was recently
		// used yet inactive -- it returns nil error but also nil call, which
		// just discards incoming frames (we assume they arrive late, racing
		// with the invocation finishing)
		return
	}

	switch f.kind {
	case frameItem:
		if c.in == nil {
			c.abort(status.Errorf(codes.Internal, "hub sent items for %s invocation of %s", c.shape, c.method))
			return
		}
		c.sess.opts.metrics.item(directionReceived)
		if err := c.in.ingest(f.item); err != nil {
			c.abort(err)
		}

	case frameComplete:
		var err error
		if f.status != nil {
			err = fromStatus(f.status)
		}
		c.finish(f.result, err)

	case frameWindow:
		if c.out != nil {
			c.out.updateWindow(f.credit)
		}

	default:
		c.abort(status.Errorf(codes.Internal, "unexpected %s frame for invocation %d", f.kind, c.id))
	}
}

// abort ends the invocation locally, with the given cause, and tells the hub
// to stop serving it.
func (c *clientCall) abort(cause error) {
	err := cause
	switch {
	case err == nil:
		err = streams.ErrCancelled
	case streams.IsCancellation(err) && !errors.Is(err, streams.ErrCancelled):
		err = fmt.Errorf("%w: %w", streams.ErrCancelled, err)
	}
	if c.finish(nil, err) {
		_ = c.sess.writer.send(&frame{id: c.id, kind: frameCancel})
	}
}

// finish records the outcome of the invocation. It reports whether this was
// the first outcome recorded.
func (c *clientCall) finish(result *structpb.Value, err error) bool {
	if !c.finished.CompareAndSwap(false, true) {
		return false
	}
	c.sess.removeCall(c.id)
	c.sess.opts.metrics.completed(c.shape, err)
	c.sess.log.Debug("invocation finished",
		zap.Int64("invocation", c.id),
		zap.String("method", c.method),
		zap.Stringer("state", completionState(err)),
		zap.Error(err))

	c.result, c.err = result, err
	if c.in != nil {
		if completionState(err) == streams.StateCancelled {
			// cancellation discards the items still buffered
			c.tok.Cancel(err)
		}
		c.in.close(err)
	}
	close(c.done)
	return true
}

// Invoke calls a unary method of the hub and waits for its result, which is
// decoded into res the way encoding/json would. If res is nil, the result is
// discarded. If ctx is done first, the invocation is cancelled.
func (s *Session) Invoke(ctx context.Context, method string, res any, args ...any) error {
	argVals, err := encodeValues(args)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "cannot encode arguments of %s: %v", method, err)
	}
	call := newClientCall(method, shapeUnary)
	if err := s.start(call, &frame{args: argVals}); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		call.abort(context.Cause(ctx))
	})
	<-call.done
	stop()
	if call.err != nil {
		return call.err
	}
	if res == nil {
		return nil
	}
	if err := decodeInto(call.result, res); err != nil {
		return status.Errorf(codes.Internal, "cannot decode result of %s: %v", method, err)
	}
	return nil
}

// InvokeAs is like Session.Invoke, but returns the result as a T.
func InvokeAs[T any](ctx context.Context, s *Session, method string, args ...any) (T, error) {
	var res T
	err := s.Invoke(ctx, method, &res, args...)
	return res, err
}

// Download is a stream of items sent by the hub for one invocation of a
// stream method.
type Download[T any] struct {
	*streams.Stream[T]
	id int64
}

// ID returns the ID of the invocation, which can be passed to
// Session.Cancel.
func (d *Download[T]) ID() int64 {
	return d.id
}

// Stream invokes a stream method of the hub. It returns as soon as the
// invocation has been sent, with a stream of the items the hub sends. The
// hub sends items ahead of the consumer only as far as the session's stream
// window allows.
//
// Cancelling the returned stream, or ctx being done, cancels the invocation.
func Stream[T any](ctx context.Context, s *Session, method string, args ...any) (*Download[T], error) {
	argVals, err := encodeValues(args)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "cannot encode arguments of %s: %v", method, err)
	}
	call := newClientCall(method, shapeStream)
	call.tok = streams.NewToken(ctx)
	window := s.opts.window()
	items, in := newInbound[T](call.tok, window, func(credit uint32) {
		_ = s.writer.send(&frame{id: call.id, kind: frameWindow, credit: credit})
	})
	call.in = in
	if err := s.start(call, &frame{args: argVals, stream: true, window: window}); err != nil {
		call.tok.Cancel(err)
		return nil, err
	}
	// never called once the download completes normally
	call.tok.Register(func() {
		call.abort(call.tok.Err())
	})
	return &Download[T]{Stream: items, id: call.id}, nil
}

// Upload invokes an upload method of the hub, sending it the items of the
// given stream. It waits for the hub to finish the invocation, sending items
// only as the hub grants credit.
//
// If items faults or is cancelled, the hub is told so, and Upload returns the
// stream's error once the hub has finished. If the hub finishes before all
// items are sent, items is cancelled and Upload returns the hub's error, if
// any. If ctx is done first, the invocation is cancelled.
func Upload[T any](ctx context.Context, s *Session, method string, items *streams.Stream[T], args ...any) error {
	argVals, err := encodeValues(args)
	if err != nil {
		items.Cancel()
		return status.Errorf(codes.InvalidArgument, "cannot encode arguments of %s: %v", method, err)
	}
	call := newClientCall(method, shapeUpload)
	call.out = newSender(0, func(item *structpb.Value) error {
		s.opts.metrics.item(directionSent)
		return s.writer.send(&frame{id: call.id, kind: frameItem, item: item})
	})
	if err := s.start(call, &frame{args: argVals, upload: true}); err != nil {
		items.Cancel()
		return err
	}

	// sending stops when the hub finishes the call or ctx is done
	sendCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		select {
		case <-call.done:
			cancel(errHubFinished)
		case <-sendCtx.Done():
		}
	}()

	c := streams.Drain(sendCtx, items, func(item T) error {
		v, err := encodeValue(item)
		if err != nil {
			return status.Errorf(codes.InvalidArgument, "cannot encode item of %s: %v", method, err)
		}
		return call.out.send(sendCtx, v)
	})

	var local error
	switch {
	case errors.Is(context.Cause(sendCtx), errHubFinished):
		<-call.done
		return call.err
	case c.State == streams.StateCompleted:
		_ = s.writer.send(&frame{id: call.id, kind: frameComplete})
	default:
		local = c.Err
		_ = s.writer.send(&frame{id: call.id, kind: frameComplete, status: toStatus(c.Err)})
	}

	select {
	case <-call.done:
	case <-ctx.Done():
		call.abort(context.Cause(ctx))
	}
	if local != nil {
		return local
	}
	return call.err
}

var errHubFinished = fmt.Errorf("%w: hub finished the invocation", streams.ErrCancelled)

package grpchub

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jhump/grpchub/streams"
)

// hubSession is the hub's end of one session. It reads frames from the
// stream, starts an invocation for each invoke frame, and routes all other
// frames to the invocation they belong to.
type hubSession struct {
	info         *SessionInfo
	stream       FrameStream
	hub          *Hub
	log          *zap.Logger
	metrics      *Metrics
	uploadWindow uint32
	isStopping   func() bool

	writer frameWriter
	calls  sync.WaitGroup

	mu       sync.RWMutex
	active   map[int64]*serverCall
	lastSeen int64
}

// frameWriter serializes sends on a stream. Once closed, it drops frames.
type frameWriter struct {
	mu     sync.Mutex
	stream FrameStream
	closed bool
}

func (w *frameWriter) send(f *frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return io.ErrClosedPipe
	}
	return w.stream.Send(f.toProto())
}

func (w *frameWriter) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
}

func (s *hubSession) serve() (err error) {
	ctx, cancel := context.WithCancelCause(s.stream.Context())
	defer func() {
		// stop all invocations and wait for them, so nothing is sent after
		// the stream is done
		cancel(sessionEnded(err))
		s.calls.Wait()
		s.writer.close()
	}()

	for {
		msg, err := s.stream.Recv()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		f, err := frameFromProto(msg)
		if err != nil {
			return err
		}

		if f.kind == frameInvoke {
			if err, ok := s.createCall(ctx, f); err != nil {
				if !ok {
					return err
				}
				s.log.Debug("rejected invocation",
					zap.Int64("invocation", f.id), zap.String("method", f.method), zap.Error(err))
				_ = s.writer.send(&frame{id: f.id, kind: frameComplete, status: toStatus(err)})
			}
			continue
		}

		call, err := s.getCall(f.id)
		if err != nil {
			return err
		}
		call.accept(f)
	}
}

func (s *hubSession) createCall(ctx context.Context, f *frame) (error, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.active[f.id]; ok {
		// invocation already active!
		return status.Errorf(codes.InvalidArgument, "cannot create invocation %d: already exists", f.id), false
	}
	if f.id <= s.lastSeen {
		return status.Errorf(codes.InvalidArgument, "cannot create invocation %d: that ID has already been used", f.id), false
	}
	s.lastSeen = f.id

	if s.isStopping() {
		return status.Error(codes.Unavailable, "hub is shutting down"), true
	}
	hd := s.hub.lookup(f.method)
	if hd == nil {
		return status.Errorf(codes.Unimplemented, "method %s not implemented", f.method), true
	}
	shape := shapeUnary
	if f.stream {
		shape = shapeStream
	} else if f.upload {
		shape = shapeUpload
	}
	if shape != hd.shape {
		return status.Errorf(codes.InvalidArgument, "method %s is a %s method, but was invoked as a %s", hd.name, hd.shape, shape), true
	}

	ctx, cancel := context.WithCancelCause(withInvocation(ctx, s.info, f.id))
	call := &serverCall{
		id:     f.id,
		method: hd.name,
		shape:  shape,
		sess:   s,
		ctx:    ctx,
		cancel: cancel,
	}
	if shape == shapeStream {
		sendItem := func(item *structpb.Value) error {
			s.metrics.item(directionSent)
			return s.writer.send(&frame{id: f.id, kind: frameItem, item: item})
		}
		if f.window > 0 {
			call.out = newSender(f.window, sendItem)
		} else {
			call.out = newSenderWithoutFlowControl(sendItem)
		}
	}
	s.active[f.id] = call

	s.log.Debug("invocation started",
		zap.Int64("invocation", f.id), zap.String("method", hd.name), zap.String("shape", shape))
	s.metrics.invoked(hd.name, shape)
	hd.start(call, Args{values: f.args})
	return nil, true
}

func (s *hubSession) getCall(id int64) (*serverCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	target, ok := s.active[id]
	if !ok {
		if id <= s.lastSeen {
			// used and disposed of invocation; ignore subsequent frames
			return nil, nil
		}
		// invocation never created!
		return nil, status.Errorf(codes.InvalidArgument, "received frame for invocation %d: invocation never created", id)
	}
	return target, nil
}

func (s *hubSession) removeCall(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, id)
}

// serverCall is one invocation being served by the hub.
type serverCall struct {
	id     int64
	method string
	shape  string
	sess   *hubSession
	ctx    context.Context
	cancel context.CancelCauseFunc

	// set for uploads: items from the client
	in *inbound
	// set for streams: items to the client
	out sender

	// why the client's misuse ended the invocation, if it did
	failure    atomic.Pointer[error]
	finishOnce sync.Once
}

func (c *serverCall) accept(f *frame) {
	if c == nil {
		// can happen if the session decided that the invocation ID was recently
		// used yet inactive -- it returns nil error but also nil call, which
		// just discards incoming frames (we assume they arrive late, racing
		// with the invocation finishing)
		return
	}

	switch f.kind {
	case frameCancel:
		c.cancel(errCancelledByClient)

	case frameItem:
		if c.in == nil {
			c.fail(status.Errorf(codes.InvalidArgument, "method %s does not accept items", c.method))
			return
		}
		c.sess.metrics.item(directionReceived)
		if err := c.in.ingest(f.item); err != nil {
			c.fail(err)
		}

	case frameComplete:
		if c.in == nil {
			c.fail(status.Errorf(codes.InvalidArgument, "method %s does not accept items", c.method))
			return
		}
		var err error
		if f.status != nil {
			err = fromStatus(f.status)
		}
		c.in.close(err)

	case frameWindow:
		if c.out != nil {
			c.out.updateWindow(f.credit)
		}

	default:
		c.fail(status.Errorf(codes.InvalidArgument, "unexpected %s frame for invocation %d", f.kind, c.id))
	}
}

var errCancelledByClient = fmt.Errorf("%w: cancelled by client", streams.ErrCancelled)

// goRun runs the handler of the invocation on its own goroutine and sends
// the complete frame when it returns.
func (c *serverCall) goRun(fn func(ctx context.Context) (*structpb.Value, error)) {
	c.sess.calls.Add(1)
	go func() {
		defer c.sess.calls.Done()

		var res *structpb.Value
		var err error
		panicked := true // pessimistic assumption

		defer func() {
			if panicked {
				r := recover()
				c.sess.log.Error("hub method panicked",
					zap.Int64("invocation", c.id), zap.String("method", c.method), zap.Any("panic", r))
				err = status.Errorf(codes.Internal, "panic: %v", r)
			}
			c.finish(res, err)
		}()

		res, err = fn(c.ctx)
		// if we get here, we did not panic
		panicked = false
	}()
}

func (c *serverCall) sendItem(ctx context.Context, item *structpb.Value) error {
	return c.out.send(ctx, item)
}

// grant hands the client credit to upload more items.
func (c *serverCall) grant(credit uint32) {
	_ = c.sess.writer.send(&frame{id: c.id, kind: frameWindow, credit: credit})
}

// fail ends the invocation early, because the client misused it. A stream
// is completed by its handler's goroutine once it stops sending, so that no
// item can follow the complete frame.
func (c *serverCall) fail(err error) {
	c.failure.CompareAndSwap(nil, &err)
	c.cancel(err)
	if c.in != nil {
		c.in.close(err)
	}
	if c.out == nil {
		c.finish(nil, err)
	}
}

func (c *serverCall) finish(res *structpb.Value, err error) {
	c.finishOnce.Do(func() {
		if failure := c.failure.Load(); failure != nil {
			res, err = nil, *failure
		}
		c.sess.removeCall(c.id)
		st := toStatus(err)
		if sendErr := c.sess.writer.send(&frame{id: c.id, kind: frameComplete, result: res, status: st}); sendErr != nil {
			c.sess.log.Debug("could not send completion",
				zap.Int64("invocation", c.id), zap.Error(sendErr))
		}
		c.cancel(context.Canceled)

		c.sess.metrics.completed(c.shape, err)
		c.sess.log.Debug("invocation finished",
			zap.Int64("invocation", c.id),
			zap.String("method", c.method),
			zap.Stringer("state", completionState(err)),
			zap.Error(err))
	})
}

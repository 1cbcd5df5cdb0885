package grpchub

import (
	"context"
	"math"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jhump/grpchub/streams"
)

// Flow control is counted in items. The receiving side of a stream grants
// credit equal to the capacity of its inbound buffer, and grants more as
// its consumer dequeues items. The sending side may only send an item while
// it holds credit. So a well-behaved sender never overflows the receiver's
// buffer, and a misbehaving one is detected.
//
// A receiver whose buffer is unbounded grants unlimitedCredit, or, when it
// invokes a stream, advertises a window of zero, which means the sender
// need not wait for credit at all.

const (
	defaultStreamWindow = 32
	defaultUploadWindow = 16

	unlimitedCredit = math.MaxInt32
)

var errFlowControlWindowExceeded = status.Errorf(codes.ResourceExhausted, "flow control window exceeded")

// sender is responsible for sending a stream's items and honoring the
// receiver's credit.
type sender interface {
	send(ctx context.Context, item *structpb.Value) error
	updateWindow(add uint32)
}

type defaultSender struct {
	sendFunc      func(*structpb.Value) error
	windowUpdates chan struct{}
	currentWindow atomic.Uint32

	// does not protect any fields, just used to prevent concurrent calls to send
	// (so items are sent FIFO and not incorrectly interleaved)
	mu sync.Mutex
}

func newSender(initialWindow uint32, sendFunc func(*structpb.Value) error) sender {
	s := &defaultSender{
		sendFunc:      sendFunc,
		windowUpdates: make(chan struct{}, 1),
	}
	s.currentWindow.Store(initialWindow)
	return s
}

func (s *defaultSender) updateWindow(add uint32) {
	if add == 0 {
		return
	}
	for {
		prev := s.currentWindow.Load()
		next := prev + add
		if next < prev {
			next = math.MaxUint32
		}
		if s.currentWindow.CompareAndSwap(prev, next) {
			if prev == 0 {
				select {
				case s.windowUpdates <- struct{}{}:
				default:
				}
			}
			return
		}
	}
}

func (s *defaultSender) send(ctx context.Context, item *structpb.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		windowSz := s.currentWindow.Load()
		if windowSz == 0 {
			// must wait for window size update before we can send more
			select {
			case <-s.windowUpdates:
			case <-ctx.Done():
				return context.Cause(ctx)
			}
			continue
		}
		if s.currentWindow.CompareAndSwap(windowSz, windowSz-1) {
			return s.sendFunc(item)
		}
	}
}

type noFlowControlSender struct {
	sendFunc func(*structpb.Value) error

	// does not protect any fields, just used to prevent concurrent calls to send
	mu sync.Mutex
}

func newSenderWithoutFlowControl(sendFunc func(*structpb.Value) error) sender {
	return &noFlowControlSender{sendFunc: sendFunc}
}

func (s *noFlowControlSender) send(ctx context.Context, item *structpb.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return s.sendFunc(item)
}

func (s *noFlowControlSender) updateWindow(_ uint32) {
	// the receiver does not expect us to wait for credit
}

// inbound is the receiving side of one stream. The session's receive loop
// feeds it the peer's items, which are decoded into the buffer of a local
// stream.
type inbound struct {
	ingest func(*structpb.Value) error
	close  func(error)
}

// newInbound returns a buffered stream, cancelled by tok, for the items of
// one invocation. A window of zero makes the buffer unbounded. Otherwise the
// buffer holds exactly window items and grant is called to hand credit back
// to the sender as they are consumed.
func newInbound[T any](tok *streams.Token, window uint32, grant func(uint32)) (*streams.Stream[T], *inbound) {
	var opts []streams.BufferOption
	if window > 0 && grant != nil {
		c := &creditor{window: window, grant: grant}
		opts = append(opts, streams.OnDequeue(c.dequeued))
	}
	capacity := streams.Unbounded
	if window > 0 && window < unlimitedCredit {
		capacity = int(window)
	}
	buf := streams.NewBuffer[T](capacity, opts...)
	in := &inbound{
		ingest: func(v *structpb.Value) error {
			item, err := decodeValue[T](v)
			if err != nil {
				return status.Errorf(codes.InvalidArgument, "cannot decode item: %v", err)
			}
			switch err := buf.TryEnqueue(item); err {
			case streams.ErrBufferFull:
				return errFlowControlWindowExceeded
			case streams.ErrBufferClosed:
				// late item, racing with the end of the stream
				return nil
			default:
				return err
			}
		},
		close: func(err error) {
			_ = buf.Close(err)
		},
	}
	return streams.FromBuffer(tok, buf), in
}

// creditor batches the credit handed back to a sender, so that a window
// frame is not sent for every item consumed.
type creditor struct {
	window  uint32
	grant   func(uint32)
	pending atomic.Uint32
}

func (c *creditor) dequeued() {
	n := c.pending.Add(1)
	if uint64(n)*2 <= uint64(c.window) {
		return
	}
	if c.pending.CompareAndSwap(n, 0) {
		c.grant(n)
	}
}

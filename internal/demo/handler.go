// Package demo drives the sample weather methods from the client side, the
// way an interactive client would: every step is reported as a prompt.
package demo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jhump/grpchub"
	"github.com/jhump/grpchub/streams"
)

// ErrNotConnected is returned by the handler's operations before Connect
// succeeds, and after the session ends.
var ErrNotConnected = errors.New("not connected to hub")

var errCancelledByUser = fmt.Errorf("%w by user", streams.ErrCancelled)

// Dialer opens a session with the hub.
type Dialer func(ctx context.Context) (*grpchub.Session, error)

// Options customize a StreamingHandler.
type Options struct {
	// Delay is how long the counter waits between items, and how long the
	// uploads wait before sending each item. The default is 333ms.
	Delay time.Duration
	// Count is how many items the counter streams. The default is 12.
	Count int
}

// StreamingHandler runs the demo operations over one session. Operations can
// run concurrently. Cancel stops all of them.
type StreamingHandler struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	delay  time.Duration
	count  int

	mu      sync.Mutex
	sess    *grpchub.Session
	prompts []func(string)
}

// NewStreamingHandler returns a handler that is not yet connected.
func NewStreamingHandler(opts Options) *StreamingHandler {
	ctx, cancel := context.WithCancelCause(context.Background())
	h := &StreamingHandler{ctx: ctx, cancel: cancel, delay: opts.Delay, count: opts.Count}
	if h.delay <= 0 {
		h.delay = 333 * time.Millisecond
	}
	if h.count <= 0 {
		h.count = 12
	}
	return h
}

// OnPrompt adds an observer of the handler's prompts.
func (h *StreamingHandler) OnPrompt(fn func(message string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prompts = append(h.prompts, fn)
}

func (h *StreamingHandler) prompt(format string, args ...any) {
	h.mu.Lock()
	prompts := h.prompts
	h.mu.Unlock()
	msg := fmt.Sprintf(format, args...)
	for _, fn := range prompts {
		fn(msg)
	}
}

// Connect opens the handler's session and reports whether it succeeded.
func (h *StreamingHandler) Connect(ctx context.Context, dial Dialer) bool {
	sess, err := dial(ctx)
	if err != nil {
		h.prompt("Exception: %v", err)
		return false
	}
	h.mu.Lock()
	h.sess = sess
	h.mu.Unlock()
	h.prompt("Hub is started. Waiting for signals.")
	return true
}

// Connected reports whether the handler has a live session.
func (h *StreamingHandler) Connected() bool {
	_, err := h.Session()
	return err == nil
}

// Session returns the handler's session, or ErrNotConnected if it has none or
// it has ended.
func (h *StreamingHandler) Session() (*grpchub.Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sess == nil || h.sess.State() != grpchub.Connected {
		return nil, ErrNotConnected
	}
	return h.sess, nil
}

// scope returns a context that ends with ctx or when the handler is
// cancelled, whichever comes first.
func (h *StreamingHandler) scope(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(h.ctx, func() {
		cancel(context.Cause(h.ctx))
	})
	return ctx, func() {
		stop()
		cancel(nil)
	}
}

// ReadStreamChannel reads the counter in bursts, taking every item that has
// arrived before waiting for more.
func (h *StreamingHandler) ReadStreamChannel(ctx context.Context) error {
	return h.download(ctx, "COMPLETED", streams.Drain[int])
}

// StartDownloadStream reads the counter one item at a time.
func (h *StreamingHandler) StartDownloadStream(ctx context.Context) error {
	return h.download(ctx, "Completed", streams.Range[int])
}

func (h *StreamingHandler) download(ctx context.Context, done string, consume func(context.Context, *streams.Stream[int], func(int) error) streams.Completion) error {
	sess, err := h.Session()
	if err != nil {
		return err
	}
	ctx, stop := h.scope(ctx)
	defer stop()
	d, err := grpchub.Stream[int](ctx, sess, "CounterEnumerable", h.count, h.delay.Milliseconds())
	if err != nil {
		return err
	}
	c := consume(ctx, d.Stream, func(n int) error {
		h.prompt("Received %d", n)
		return nil
	})
	if c.Err != nil {
		h.prompt("%s: %v", c.State, c.Err)
		return c.Err
	}
	h.prompt("%s", done)
	return nil
}

// SendStreamBasic uploads two strings, written into a buffer up front.
func (h *StreamingHandler) SendStreamBasic(ctx context.Context) error {
	h.prompt("SendStreamBasic")
	return h.upload(ctx, "UploadTextChannel", func(ctx context.Context) *streams.Stream[string] {
		return streams.Go(ctx, 10, func(_ context.Context, w *streams.Writer[string]) error {
			if err := w.Write("some data"); err != nil {
				return err
			}
			return w.Write("some more data")
		})
	})
}

// SendStreamChannel uploads seven strings from a producer that writes one
// every Delay into a bounded buffer.
func (h *StreamingHandler) SendStreamChannel(ctx context.Context) error {
	h.prompt("SendStreamChannel")
	return h.upload(ctx, "UploadTextChannel", func(ctx context.Context) *streams.Stream[string] {
		return streams.Go(ctx, 10, func(ctx context.Context, w *streams.Writer[string]) error {
			pace := streams.Delay(h.delay)
			for i := 1; i < 8; i++ {
				s := fmt.Sprintf("Some data %d", i)
				h.prompt("Sending -> %s", s)
				if err := w.Write(s); err != nil {
					return err
				}
				if err := pace.Wait(ctx); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// SendStreamEnumerable uploads eight strings, each computed when the session
// is ready to send it.
func (h *StreamingHandler) SendStreamEnumerable(ctx context.Context) error {
	h.prompt("SendStreamEnumerable")
	return h.upload(ctx, "UploadStreamEnumerable", func(ctx context.Context) *streams.Stream[string] {
		return streams.Generate(ctx, func(ctx context.Context, i int) (string, error) {
			s := fmt.Sprintf("Some data %d", i)
			h.prompt("Sending -> %s", s)
			if err := streams.Delay(h.delay).Wait(ctx); err != nil {
				return "", err
			}
			return s, nil
		}, streams.Count(8))
	})
}

func (h *StreamingHandler) upload(ctx context.Context, method string, items func(context.Context) *streams.Stream[string]) error {
	sess, err := h.Session()
	if err != nil {
		return err
	}
	ctx, stop := h.scope(ctx)
	defer stop()
	if err := grpchub.Upload(ctx, sess, method, items(ctx)); err != nil {
		h.prompt("Failed: %v", err)
		return err
	}
	h.prompt("Completed")
	return nil
}

// Cancel stops every running operation, and any started later.
func (h *StreamingHandler) Cancel() {
	h.cancel(errCancelledByUser)
	h.prompt("CANCEL")
}

// Close cancels all operations and closes the session.
func (h *StreamingHandler) Close() {
	h.cancel(errCancelledByUser)
	h.mu.Lock()
	sess := h.sess
	h.mu.Unlock()
	if sess != nil {
		sess.Close()
	}
}

// SendStreams runs every upload and both downloads at the same time over the
// handler's session. It fails as soon as one of them fails.
func SendStreams(ctx context.Context, h *StreamingHandler) error {
	grp, ctx := errgroup.WithContext(ctx)
	for _, op := range []func(context.Context) error{
		h.ReadStreamChannel,
		h.StartDownloadStream,
		h.SendStreamBasic,
		h.SendStreamChannel,
		h.SendStreamEnumerable,
	} {
		grp.Go(func() error {
			return op(ctx)
		})
	}
	return grp.Wait()
}

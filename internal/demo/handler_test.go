package demo

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"

	"github.com/jhump/grpchub"
	"github.com/jhump/grpchub/hubpb"
	"github.com/jhump/grpchub/internal"
	"github.com/jhump/grpchub/streams"
	"github.com/jhump/grpchub/weather"
)

type prompts struct {
	mu   sync.Mutex
	msgs []string
}

func (p *prompts) add(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
}

func (p *prompts) all() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.msgs)
}

func (p *prompts) count(msg string) int {
	n := 0
	for _, m := range p.all() {
		if m == msg {
			n++
		}
	}
	return n
}

func startHub(t *testing.T) (Dialer, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.InfoLevel)
	hub := grpchub.NewHub()
	weather.Register(hub, weather.Options{Logger: zap.New(core), Delay: time.Millisecond})
	handler := grpchub.NewHubServiceHandler(hub, grpchub.HubServiceHandlerOptions{})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	gs := grpc.NewServer()
	hubpb.RegisterHubServiceServer(gs, handler.Service())
	go func() {
		_ = gs.Serve(l)
	}()
	t.Cleanup(gs.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cc, err := internal.BlockingDial(ctx, l.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = cc.Close()
	})
	return func(ctx context.Context) (*grpchub.Session, error) {
		return grpchub.Connect(ctx, cc)
	}, logs
}

func newHandler(t *testing.T, dial Dialer, opts Options) (*StreamingHandler, *prompts) {
	t.Helper()
	h := NewStreamingHandler(opts)
	t.Cleanup(h.Close)
	p := &prompts{}
	h.OnPrompt(p.add)
	require.True(t, h.Connect(context.Background(), dial))
	require.True(t, h.Connected())
	return h, p
}

func TestStreamingHandler(t *testing.T) {
	dial, logs := startHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	t.Run("downloads", func(t *testing.T) {
		h, p := newHandler(t, dial, Options{Delay: time.Millisecond})
		require.NoError(t, h.ReadStreamChannel(ctx))
		require.NoError(t, h.StartDownloadStream(ctx))
		var want []string
		for i := 0; i < 12; i++ {
			want = append(want, fmt.Sprintf("Received %d", i))
		}
		want = append(want, "COMPLETED")
		for i := 0; i < 12; i++ {
			want = append(want, fmt.Sprintf("Received %d", i))
		}
		want = append(want, "Completed")
		assert.Equal(t, want, p.all()[1:])
	})
	t.Run("uploads", func(t *testing.T) {
		h, p := newHandler(t, dial, Options{Delay: time.Millisecond})
		logs.TakeAll()
		require.NoError(t, h.SendStreamBasic(ctx))
		require.NoError(t, h.SendStreamChannel(ctx))
		require.NoError(t, h.SendStreamEnumerable(ctx))
		assert.Equal(t, 3, p.count("Completed"))
		assert.Equal(t, 7+8, len(slices.DeleteFunc(p.all(), func(m string) bool {
			return len(m) < 8 || m[:8] != "Sending "
		})))
		assert.Equal(t, 2+7+8, logs.FilterMessage("from client").Len())
	})
	t.Run("all at once", func(t *testing.T) {
		h, p := newHandler(t, dial, Options{Delay: time.Millisecond, Count: 5})
		require.NoError(t, SendStreams(ctx, h))
		assert.Equal(t, 1, p.count("COMPLETED"))
		assert.Equal(t, 4, p.count("Completed"))
		assert.Equal(t, 2, p.count("Received 4"))
	})
	t.Run("cancel", func(t *testing.T) {
		h, p := newHandler(t, dial, Options{Delay: 20 * time.Millisecond, Count: 1000})
		received := make(chan struct{})
		var once sync.Once
		h.OnPrompt(func(msg string) {
			if msg == "Received 0" {
				once.Do(func() { close(received) })
			}
		})
		errs := make(chan error, 2)
		go func() {
			errs <- h.StartDownloadStream(ctx)
		}()
		go func() {
			errs <- h.SendStreamEnumerable(ctx)
		}()
		select {
		case <-received:
		case <-ctx.Done():
			t.Fatal("nothing received")
		}
		h.Cancel()
		for i := 0; i < 2; i++ {
			err := <-errs
			assert.True(t, errors.Is(err, streams.ErrCancelled), "unexpected error: %v", err)
		}
		assert.Contains(t, p.all(), "CANCEL")

		err := h.StartDownloadStream(ctx)
		assert.True(t, errors.Is(err, streams.ErrCancelled), "unexpected error: %v", err)
	})
	t.Run("not connected", func(t *testing.T) {
		h := NewStreamingHandler(Options{})
		assert.False(t, h.Connected())
		assert.ErrorIs(t, h.ReadStreamChannel(ctx), ErrNotConnected)
		assert.ErrorIs(t, h.SendStreamBasic(ctx), ErrNotConnected)

		p := &prompts{}
		h.OnPrompt(p.add)
		ok := h.Connect(ctx, func(context.Context) (*grpchub.Session, error) {
			return nil, errors.New("no route")
		})
		assert.False(t, ok)
		assert.Equal(t, []string{"Exception: no route"}, p.all())

		h, _ = newHandler(t, dial, Options{})
		h.Close()
		assert.False(t, h.Connected())
		assert.ErrorIs(t, h.StartDownloadStream(ctx), ErrNotConnected)
	})
}

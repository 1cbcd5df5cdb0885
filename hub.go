package grpchub

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jhump/grpchub/streams"
)

// Hub is a registry of methods that sessions can invoke by name. Method names
// are matched without regard to case.
//
// A method has one of three shapes, which determines how it is registered
// and how clients invoke it:
//   - unary methods (HandleUnary) return a single result;
//   - stream methods (HandleStream) return a stream of items, which is sent to
//     the client as it is produced;
//   - upload methods (HandleUpload) consume a stream of items sent by the
//     client.
type Hub struct {
	mu      sync.RWMutex
	methods map[string]*handler
}

type handler struct {
	name  string
	shape string
	// start begins serving an invocation. It is called from the session's
	// receive loop, so it must not block. Once it returns, the invocation
	// must be ready to accept frames.
	start func(call *serverCall, args Args)
}

// NewHub returns a hub with no methods.
func NewHub() *Hub {
	return &Hub{methods: map[string]*handler{}}
}

func (h *Hub) register(hd *handler) {
	key := strings.ToLower(hd.name)
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.methods[key]; ok {
		panic(fmt.Sprintf("hub method %s registered twice", hd.name))
	}
	h.methods[key] = hd
}

func (h *Hub) lookup(name string) *handler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.methods[strings.ToLower(name)]
}

// Methods returns the names of the registered methods, sorted.
func (h *Hub) Methods() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.methods))
	for _, hd := range h.methods {
		names = append(names, hd.name)
	}
	sort.Strings(names)
	return names
}

// HandleUnary registers a unary method. The result is sent to the client
// when fn returns.
func HandleUnary[Res any](h *Hub, name string, fn func(ctx context.Context, args Args) (Res, error)) {
	h.register(&handler{name: name, shape: shapeUnary, start: func(call *serverCall, args Args) {
		call.goRun(func(ctx context.Context) (*structpb.Value, error) {
			res, err := fn(ctx, args)
			if err != nil {
				return nil, err
			}
			v, err := encodeValue(res)
			if err != nil {
				return nil, status.Errorf(codes.Internal, "cannot encode result of %s: %v", name, err)
			}
			return v, nil
		})
	}})
}

// HandleStream registers a stream method. fn should return promptly, with a
// stream whose items are produced as they are consumed (streams.Generate) or
// by a producer running on its own (streams.Go, streams.Buffered). Items are
// sent as the client grants credit. The stream is cancelled if the client
// cancels the invocation or the session ends.
func HandleStream[Out any](h *Hub, name string, fn func(ctx context.Context, args Args) (*streams.Stream[Out], error)) {
	h.register(&handler{name: name, shape: shapeStream, start: func(call *serverCall, args Args) {
		call.goRun(func(ctx context.Context) (*structpb.Value, error) {
			s, err := fn(ctx, args)
			if err != nil {
				return nil, err
			}
			c := streams.Drain(ctx, s, func(item Out) error {
				v, err := encodeValue(item)
				if err != nil {
					return status.Errorf(codes.Internal, "cannot encode item of %s: %v", name, err)
				}
				return call.sendItem(ctx, v)
			})
			return nil, c.Err
		})
	}})
}

// HandleUpload registers an upload method. fn receives the client's items
// as a buffered stream, whose capacity is the hub's upload window. If fn
// returns before the stream ends, the rest of the upload is cancelled.
func HandleUpload[In any](h *Hub, name string, fn func(ctx context.Context, args Args, items *streams.Stream[In]) error) {
	h.register(&handler{name: name, shape: shapeUpload, start: func(call *serverCall, args Args) {
		window := call.sess.uploadWindow
		items, in := newInbound[In](streams.NewToken(call.ctx), window, call.grant)
		call.in = in
		if window == 0 {
			window = unlimitedCredit
		}
		call.grant(window)
		call.goRun(func(ctx context.Context) (*structpb.Value, error) {
			defer items.Cancel()
			return nil, fn(ctx, args, items)
		})
	}})
}

// Args are the arguments of an invocation. The accessors return an
// InvalidArgument status error when an argument is missing or has the wrong
// type, which handlers can return as is.
type Args struct {
	values []*structpb.Value
}

// NewArgs returns arguments holding the given values, encoded the way the
// session encodes them. It is mostly useful for testing handlers.
func NewArgs(values ...any) (Args, error) {
	vs, err := encodeValues(values)
	if err != nil {
		return Args{}, err
	}
	return Args{values: vs}, nil
}

// Len returns the number of arguments.
func (a Args) Len() int {
	return len(a.values)
}

// Expect checks that there are exactly n arguments.
func (a Args) Expect(n int) error {
	if len(a.values) != n {
		return status.Errorf(codes.InvalidArgument, "expected %d arguments, got %d", n, len(a.values))
	}
	return nil
}

func (a Args) arg(i int) (*structpb.Value, error) {
	if i < 0 || i >= len(a.values) {
		return nil, status.Errorf(codes.InvalidArgument, "missing argument %d", i)
	}
	return orNull(a.values[i]), nil
}

// Int returns argument i, which must be an integral number.
func (a Args) Int(i int) (int, error) {
	v, err := a.arg(i)
	if err != nil {
		return 0, err
	}
	num, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok || num.NumberValue != math.Trunc(num.NumberValue) ||
		math.Abs(num.NumberValue) > maxFrameID {
		return 0, status.Errorf(codes.InvalidArgument, "argument %d: %v is not an integer", i, v.AsInterface())
	}
	return int(num.NumberValue), nil
}

// Duration returns argument i, which must be either a number of milliseconds
// or a string in the format accepted by time.ParseDuration.
func (a Args) Duration(i int) (time.Duration, error) {
	v, err := a.arg(i)
	if err != nil {
		return 0, err
	}
	switch kind := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		return time.Duration(kind.NumberValue * float64(time.Millisecond)), nil
	case *structpb.Value_StringValue:
		d, err := time.ParseDuration(kind.StringValue)
		if err != nil {
			return 0, status.Errorf(codes.InvalidArgument, "argument %d: %v", i, err)
		}
		return d, nil
	default:
		return 0, status.Errorf(codes.InvalidArgument, "argument %d: %v is not a duration", i, v.AsInterface())
	}
}

// Text returns argument i, which must be a string.
func (a Args) Text(i int) (string, error) {
	v, err := a.arg(i)
	if err != nil {
		return "", err
	}
	s, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", status.Errorf(codes.InvalidArgument, "argument %d: %v is not a string", i, v.AsInterface())
	}
	return s.StringValue, nil
}

// Decode unmarshals argument i into dest, which must be a pointer, the way
// encoding/json would.
func (a Args) Decode(i int, dest any) error {
	v, err := a.arg(i)
	if err != nil {
		return err
	}
	if err := decodeInto(v, dest); err != nil {
		return status.Errorf(codes.InvalidArgument, "argument %d: %v", i, err)
	}
	return nil
}

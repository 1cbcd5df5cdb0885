package grpchub

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jhump/grpchub/streams"
)

// ErrSessionClosed is the cause attached to invocations that were still
// running when their session was closed.
var ErrSessionClosed = errors.New("session closed")

// Items, arguments, and results travel as JSON values. Anything that
// encoding/json can marshal can be sent, and anything it can unmarshal into
// can be received.

func encodeValue(v any) (*structpb.Value, error) {
	switch v := v.(type) {
	case nil:
		return structpb.NewNullValue(), nil
	case *structpb.Value:
		return v, nil
	case string:
		return structpb.NewStringValue(v), nil
	case bool:
		return structpb.NewBoolValue(v), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var val structpb.Value
	if err := val.UnmarshalJSON(b); err != nil {
		return nil, err
	}
	return &val, nil
}

func encodeValues(vs []any) ([]*structpb.Value, error) {
	out := make([]*structpb.Value, len(vs))
	for i, v := range vs {
		val, err := encodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = val
	}
	return out, nil
}

func decodeValue[T any](v *structpb.Value) (T, error) {
	var out T
	err := decodeInto(v, &out)
	return out, err
}

func decodeInto(v *structpb.Value, dest any) error {
	v = orNull(v)
	switch dest := dest.(type) {
	case **structpb.Value:
		*dest = v
		return nil
	case *string:
		if s, ok := v.GetKind().(*structpb.Value_StringValue); ok {
			*dest = s.StringValue
			return nil
		}
	}
	b, err := v.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dest)
}

// toStatus converts the outcome of an invocation into the status sent in
// its complete frame.
func toStatus(err error) *status.Status {
	if err == nil || errors.Is(err, io.EOF) {
		return status.New(codes.OK, "")
	}
	if st, ok := status.FromError(err); ok {
		return st
	}
	if streams.IsCancellation(err) {
		return status.New(codes.Canceled, err.Error())
	}
	return status.New(codes.Unknown, err.Error())
}

// fromStatus is the reverse of toStatus: the error a local caller sees for
// an invocation that the peer completed with st.
func fromStatus(st *status.Status) error {
	switch st.Code() {
	case codes.OK:
		return nil
	case codes.Canceled:
		return fmt.Errorf("%w: %w", streams.ErrCancelled, st.Err())
	default:
		return st.Err()
	}
}

// completionState classifies the outcome of an invocation.
func completionState(err error) streams.State {
	switch {
	case err == nil || errors.Is(err, io.EOF):
		return streams.StateCompleted
	case streams.IsCancellation(err) || status.Code(err) == codes.Canceled:
		return streams.StateCancelled
	default:
		return streams.StateFaulted
	}
}

// sessionEnded is the error of an invocation cut short because its session
// ended, for the given reason.
func sessionEnded(reason error) error {
	if reason == nil || errors.Is(reason, io.EOF) {
		reason = ErrSessionClosed
	}
	if errors.Is(reason, streams.ErrCancelled) {
		return reason
	}
	return fmt.Errorf("%w: %w", streams.ErrCancelled, reason)
}

package grpchub

import (
	"context"
	"math"

	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// FrameStream is the transport a session runs over: an ordered, reliable,
// bidirectional stream of frames. Both ends of a hubpb Connect stream
// satisfy it, and so does a WebSocket connection (see package wsconn).
//
// Send is never called concurrently, nor is Recv.
type FrameStream interface {
	Context() context.Context
	Send(*structpb.Struct) error
	Recv() (*structpb.Struct, error)
}

type frameKind string

const (
	frameInvoke   frameKind = "invoke"
	frameItem     frameKind = "item"
	frameComplete frameKind = "complete"
	frameCancel   frameKind = "cancel"
	frameWindow   frameKind = "window"
)

// maxFrameID is the largest id that survives the trip through a JSON number.
const maxFrameID = 1<<53 - 1

// frame is one message of the hub protocol. Every frame belongs to an
// invocation, identified by id.
type frame struct {
	id   int64
	kind frameKind

	// invoke
	method string
	args   []*structpb.Value
	stream bool
	upload bool
	window uint32

	// item
	item *structpb.Value

	// complete
	result *structpb.Value
	status *status.Status

	// window
	credit uint32
}

func (f *frame) toProto() *structpb.Struct {
	fields := map[string]*structpb.Value{
		"id":   structpb.NewNumberValue(float64(f.id)),
		"kind": structpb.NewStringValue(string(f.kind)),
	}
	switch f.kind {
	case frameInvoke:
		fields["method"] = structpb.NewStringValue(f.method)
		fields["args"] = structpb.NewListValue(&structpb.ListValue{Values: f.args})
		if f.stream {
			fields["stream"] = structpb.NewBoolValue(true)
		}
		if f.upload {
			fields["upload"] = structpb.NewBoolValue(true)
		}
		if f.window > 0 {
			fields["window"] = structpb.NewNumberValue(float64(f.window))
		}
	case frameItem:
		fields["item"] = orNull(f.item)
	case frameComplete:
		if f.result != nil {
			fields["result"] = f.result
		}
		if f.status != nil && f.status.Code() != codes.OK {
			fields["status"] = encodeStatus(f.status)
		}
	case frameWindow:
		fields["credit"] = structpb.NewNumberValue(float64(f.credit))
	}
	return &structpb.Struct{Fields: fields}
}

func frameFromProto(msg *structpb.Struct) (*frame, error) {
	fields := msg.GetFields()
	id, err := integerField(fields, "id", 1, maxFrameID)
	if err != nil {
		return nil, err
	}
	f := &frame{id: id}
	kind, ok := fields["kind"].GetKind().(*structpb.Value_StringValue)
	if !ok {
		return nil, malformed("frame %d has no kind", id)
	}
	f.kind = frameKind(kind.StringValue)

	switch f.kind {
	case frameInvoke:
		method, ok := fields["method"].GetKind().(*structpb.Value_StringValue)
		if !ok || method.StringValue == "" {
			return nil, malformed("invoke frame %d has no method name", id)
		}
		f.method = method.StringValue
		if args, ok := fields["args"]; ok {
			list, ok := args.GetKind().(*structpb.Value_ListValue)
			if !ok {
				return nil, malformed("invoke frame %d: args is not a list", id)
			}
			f.args = list.ListValue.GetValues()
		}
		f.stream = fields["stream"].GetBoolValue()
		f.upload = fields["upload"].GetBoolValue()
		if f.stream && f.upload {
			return nil, malformed("invoke frame %d is both a stream and an upload", id)
		}
		if _, ok := fields["window"]; ok {
			window, err := integerField(fields, "window", 0, math.MaxUint32)
			if err != nil {
				return nil, err
			}
			f.window = uint32(window)
		}
	case frameItem:
		f.item = orNull(fields["item"])
	case frameComplete:
		f.result = fields["result"]
		if st, ok := fields["status"]; ok {
			f.status = decodeStatus(st)
		}
	case frameCancel:
	case frameWindow:
		credit, err := integerField(fields, "credit", 1, math.MaxUint32)
		if err != nil {
			return nil, err
		}
		f.credit = uint32(credit)
	default:
		return nil, malformed("frame %d has unknown kind %q", id, f.kind)
	}
	return f, nil
}

func integerField(fields map[string]*structpb.Value, name string, lo, hi int64) (int64, error) {
	num, ok := fields[name].GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, malformed("frame field %q is missing or not a number", name)
	}
	v := num.NumberValue
	if v != math.Trunc(v) || v < float64(lo) || v > float64(hi) {
		return 0, malformed("frame field %q: %v is not an integer in [%d, %d]", name, v, lo, hi)
	}
	return int64(v), nil
}

func malformed(format string, args ...any) error {
	return status.Errorf(codes.InvalidArgument, "malformed frame: "+format, args...)
}

func orNull(v *structpb.Value) *structpb.Value {
	if v == nil {
		return structpb.NewNullValue()
	}
	return v
}

// encodeStatus renders st as the JSON form of a google.rpc.Status.
func encodeStatus(st *status.Status) *structpb.Value {
	if b, err := protojson.Marshal(st.Proto()); err == nil {
		var v structpb.Value
		if err := protojson.Unmarshal(b, &v); err == nil {
			return &v
		}
	}
	// details that have no JSON form are dropped
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"code":    structpb.NewNumberValue(float64(st.Code())),
		"message": structpb.NewStringValue(st.Message()),
	}})
}

func decodeStatus(v *structpb.Value) *status.Status {
	var sp spb.Status
	if b, err := protojson.Marshal(v); err == nil {
		if err := (protojson.UnmarshalOptions{DiscardUnknown: true}).Unmarshal(b, &sp); err == nil {
			return status.FromProto(&sp)
		}
	}
	fields := v.GetStructValue().GetFields()
	code := codes.Unknown
	if c, ok := fields["code"].GetKind().(*structpb.Value_NumberValue); ok {
		code = codes.Code(c.NumberValue)
	}
	return status.New(code, fields["message"].GetStringValue())
}

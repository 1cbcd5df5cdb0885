// Package wsconn carries hub sessions over WebSocket connections, for clients
// that cannot speak gRPC. Every frame is sent as one text message holding the
// frame's JSON form.
package wsconn

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jhump/grpchub"
)

// maxMessageSize matches the default limit of a gRPC server.
const maxMessageSize = 4 << 20

// maxCloseReason is the most a close frame can say about why.
const maxCloseReason = 123

// Conn adapts a WebSocket connection to grpchub.FrameStream.
type Conn struct {
	ctx    context.Context
	cancel context.CancelFunc
	ws     *websocket.Conn
}

var _ grpchub.FrameStream = (*Conn)(nil)

// New wraps the given WebSocket connection. The connection's frames can be
// sent and received until ctx is done or the connection is closed.
func New(ctx context.Context, ws *websocket.Conn) *Conn {
	ws.SetReadLimit(maxMessageSize)
	ctx, cancel := context.WithCancel(ctx)
	return &Conn{ctx: ctx, cancel: cancel, ws: ws}
}

// Context returns the context of the connection.
func (c *Conn) Context() context.Context {
	return c.ctx
}

// Send writes one frame.
func (c *Conn) Send(msg *structpb.Struct) error {
	b, err := protojson.Marshal(msg)
	if err != nil {
		return err
	}
	return c.ws.Write(c.ctx, websocket.MessageText, b)
}

// Recv reads one frame. It returns io.EOF once the peer closes the
// connection normally.
func (c *Conn) Recv() (*structpb.Struct, error) {
	typ, data, err := c.ws.Read(c.ctx)
	if err != nil {
		return nil, closeError(err)
	}
	if typ != websocket.MessageText {
		return nil, status.Error(codes.InvalidArgument, "malformed frame: binary message")
	}
	var msg structpb.Struct
	if err := protojson.Unmarshal(data, &msg); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed frame: %v", err)
	}
	return &msg, nil
}

// closeError translates the close frame sent by the peer, if any, back into
// the error that ended its side of the session.
func closeError(err error) error {
	var ce websocket.CloseError
	if !errors.As(err, &ce) {
		return err
	}
	switch ce.Code {
	case websocket.StatusNormalClosure:
		return io.EOF
	case websocket.StatusProtocolError:
		return status.Error(codes.InvalidArgument, ce.Reason)
	case websocket.StatusTryAgainLater:
		return status.Error(codes.Unavailable, ce.Reason)
	default:
		return status.Error(codes.Unavailable, err.Error())
	}
}

// Close closes the connection normally.
func (c *Conn) Close() error {
	return c.CloseWithError(nil)
}

// CloseWithError closes the connection, telling the peer why. A nil error is
// a normal closure.
func (c *Conn) CloseWithError(err error) error {
	defer c.cancel()
	if err == nil {
		return c.ws.Close(websocket.StatusNormalClosure, "")
	}
	code := websocket.StatusInternalError
	if st, ok := status.FromError(err); ok && st.Code() == codes.InvalidArgument {
		code = websocket.StatusProtocolError
	} else if ok && st.Code() == codes.Unavailable {
		code = websocket.StatusTryAgainLater
	}
	reason := err.Error()
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	return c.ws.Close(code, reason)
}

// HandlerOptions customize the handler returned by Handler.
type HandlerOptions struct {
	// Logger receives upgrade failures. If nil, nothing is logged.
	Logger *zap.Logger
	// Accept configures the WebSocket upgrade, such as which origins are
	// allowed.
	Accept *websocket.AcceptOptions
}

// Handler returns an HTTP handler that upgrades every request to a
// WebSocket and serves a hub session over it, using h. The request's headers
// are available to hub methods as the session's metadata.
func Handler(h *grpchub.HubServiceHandler, opts HandlerOptions) http.Handler {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, opts.Accept)
		if err != nil {
			log.Warn("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
			return
		}
		conn := New(requestContext(r), ws)
		err = h.ServeStream(conn)
		_ = conn.CloseWithError(err)
	})
}

// requestContext exposes the request to the hub the way a gRPC server would:
// headers as incoming metadata and the remote address as the peer.
func requestContext(r *http.Request) context.Context {
	md := metadata.MD{}
	for name, vals := range r.Header {
		md.Append(strings.ToLower(name), vals...)
	}
	ctx := metadata.NewIncomingContext(r.Context(), md)
	if addr, err := net.ResolveTCPAddr("tcp", r.RemoteAddr); err == nil {
		ctx = peer.NewContext(ctx, &peer.Peer{Addr: addr})
	}
	return ctx
}

// Dial connects to a hub served by Handler at the given ws:// or wss:// URL
// and opens a session over the connection. The session lasts until it is
// closed, ctx is done, or the connection fails.
func Dial(ctx context.Context, url string, header http.Header, opts ...grpchub.SessionOption) (*grpchub.Session, error) {
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, err
	}
	conn := New(ctx, ws)
	sess := grpchub.NewSession(conn, opts...)
	go func() {
		<-sess.Done()
		_ = conn.Close()
	}()
	return sess, nil
}

package grpchub

import (
	"context"

	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
)

// SessionInfo describes a session as seen by the hub.
type SessionInfo struct {
	// ID uniquely identifies the session.
	ID string
	// Peer is the identity of the client that opened the session, if known.
	Peer *peer.Peer
	// Metadata holds the request headers of the stream that carries the
	// session.
	Metadata metadata.MD
}

func newSessionInfo(ctx context.Context, id string) *SessionInfo {
	md, _ := metadata.FromIncomingContext(ctx)
	p, _ := peer.FromContext(ctx)
	return &SessionInfo{ID: id, Peer: p, Metadata: md.Copy()}
}

type (
	invocationIDContextKey struct{}
	sessionInfoContextKey  struct{}
)

// InvocationIDFromContext provides hub method handlers access to the id of
// the invocation they are serving.
func InvocationIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(invocationIDContextKey{}).(int64)
	return id, ok
}

// SessionInfoFromContext provides hub method handlers access to the session
// that carries the invocation they are serving.
func SessionInfoFromContext(ctx context.Context) (*SessionInfo, bool) {
	info, ok := ctx.Value(sessionInfoContextKey{}).(*SessionInfo)
	return info, ok
}

func withInvocation(ctx context.Context, info *SessionInfo, id int64) context.Context {
	ctx = context.WithValue(ctx, sessionInfoContextKey{}, info)
	return context.WithValue(ctx, invocationIDContextKey{}, id)
}

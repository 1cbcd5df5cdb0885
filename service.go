package grpchub

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jhump/grpchub/hubpb"
)

// HubServiceHandler provides an implementation for HubServiceServer. Every
// stream opened with the Connect method becomes a session, over which clients
// invoke the methods of the handler's hub.
//
// All connected sessions are tracked. You can also configure listeners to
// receive notices when sessions are connected and disconnected.
//
// See NewHubServiceHandler.
type HubServiceHandler struct {
	hub          *Hub
	log          *zap.Logger
	metrics      *Metrics
	uploadWindow uint32

	stopping atomic.Bool

	mu           sync.RWMutex
	sessions     map[string]*SessionInfo
	onConnect    []func(*SessionInfo)
	onDisconnect []func(*SessionInfo, error)
}

// HubServiceHandlerOptions contains various fields that can be used to
// customize a HubServiceHandler.
//
// See NewHubServiceHandler.
type HubServiceHandlerOptions struct {
	// Logger receives the handler's logs. If nil, nothing is logged.
	Logger *zap.Logger
	// Metrics, if set, records the activity of all sessions.
	Metrics *Metrics
	// UploadWindow is the number of items a client may upload ahead of the
	// method consuming them, which is also the capacity of the method's
	// item buffer. The default is 16.
	UploadWindow int
	// If set, upload buffers are unbounded and clients are granted
	// unlimited credit. Streams sent to clients still honor the credit the
	// client grants.
	//
	// NOTE: This is intended for tests.
	DisableFlowControl bool
	// If set, this callback is called whenever a session connects.
	OnSessionConnect func(*SessionInfo)
	// If set, this callback is called whenever a session disconnects, with
	// the error that ended the session, if any.
	OnSessionDisconnect func(*SessionInfo, error)
}

// NewHubServiceHandler creates a new HubServiceHandler that serves the
// methods of the given hub.
//
// The handler's Service method can be used to actually register the handler
// with a *grpc.Server.
func NewHubServiceHandler(hub *Hub, options HubServiceHandlerOptions) *HubServiceHandler {
	h := &HubServiceHandler{
		hub:          hub,
		log:          options.Logger,
		metrics:      options.Metrics,
		uploadWindow: defaultUploadWindow,
		sessions:     map[string]*SessionInfo{},
	}
	if h.log == nil {
		h.log = zap.NewNop()
	}
	if options.UploadWindow > 0 {
		h.uploadWindow = uint32(options.UploadWindow)
	}
	if options.DisableFlowControl {
		h.uploadWindow = 0
	}
	if options.OnSessionConnect != nil {
		h.OnSessionConnect(options.OnSessionConnect)
	}
	if options.OnSessionDisconnect != nil {
		h.OnSessionDisconnect(options.OnSessionDisconnect)
	}
	return h
}

// OnSessionConnect adds a listener that is called whenever a session
// connects. Listeners are called synchronously, before the session starts
// reading frames.
func (h *HubServiceHandler) OnSessionConnect(fn func(*SessionInfo)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onConnect = append(h.onConnect, fn)
}

// OnSessionDisconnect adds a listener that is called whenever a session
// disconnects.
func (h *HubServiceHandler) OnSessionDisconnect(fn func(*SessionInfo, error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDisconnect = append(h.onDisconnect, fn)
}

// Service returns the actual hub service implementation to register with a
// [grpc.ServiceRegistrar].
func (h *HubServiceHandler) Service() hubpb.HubServiceServer {
	return &hubServiceServer{h: h}
}

// InitiateShutdown starts the graceful shutdown process and returns
// immediately. This should be called when the server wants to shut down. This
// complements the normal process initiated by calling the GracefulStop method
// of a *grpc.Server. It prevents new invocations from being started on any
// existing session (they fail with an "Unavailable" error code), while the
// main server's GracefulStop method prevents new sessions from being
// established. This allows the server to drain, letting existing invocations
// complete.
func (h *HubServiceHandler) InitiateShutdown() {
	h.stopping.Store(true)
}

// ActiveSessions returns the set of all currently connected sessions,
// ordered by ID.
func (h *HubServiceHandler) ActiveSessions() []*SessionInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	infos := make([]*SessionInfo, 0, len(h.sessions))
	for _, info := range h.sessions {
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// ServeStream serves one session over the given stream. It returns when the
// client closes the stream (with a nil error), when the stream fails, or when
// the client violates the protocol (sending frames for invocations it never
// started, or reusing invocation IDs). Before returning, it cancels all of the
// session's invocations and waits for their handlers to return.
//
// This is how the gRPC service serves sessions. It can be called directly to
// serve sessions over another transport (see package wsconn).
func (h *HubServiceHandler) ServeStream(stream FrameStream) error {
	if h.stopping.Load() {
		return status.Error(codes.Unavailable, "hub is shutting down")
	}

	info := newSessionInfo(stream.Context(), uuid.NewString())
	log := h.log.With(zap.String("session", info.ID))
	sess := &hubSession{
		info:         info,
		stream:       stream,
		hub:          h.hub,
		log:          log,
		metrics:      h.metrics,
		uploadWindow: h.uploadWindow,
		isStopping:   h.stopping.Load,
		writer:       frameWriter{stream: stream},
		active:       map[int64]*serverCall{},
	}

	onConnect, onDisconnect := h.add(info)
	defer h.remove(info)
	h.metrics.sessionOpened()
	defer h.metrics.sessionClosed()
	log.Info("session connected")
	for _, fn := range onConnect {
		fn(info)
	}

	err := sess.serve()

	if err != nil {
		log.Warn("session failed", zap.Error(err))
	} else {
		log.Info("session disconnected")
	}
	for _, fn := range onDisconnect {
		fn(info, err)
	}
	return err
}

func (h *HubServiceHandler) add(info *SessionInfo) ([]func(*SessionInfo), []func(*SessionInfo, error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[info.ID] = info
	return h.onConnect, h.onDisconnect
}

func (h *HubServiceHandler) remove(info *SessionInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, info.ID)
}

type hubServiceServer struct {
	hubpb.UnimplementedHubServiceServer
	h *HubServiceHandler
}

func (s *hubServiceServer) Connect(stream hubpb.HubService_ConnectServer) error {
	return s.h.ServeStream(stream)
}

package codelink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// handshakeState tracks one connection through the initialize exchange.
// A connection starts Uninitialized, becomes Initializing once the server
// answered initialize, and Ready when the client's initialized notification
// arrives. Methods other than initialize are refused until Ready.
type handshakeState int

const (
	handshakeUninitialized handshakeState = iota
	handshakeInitializing
	handshakeReady
)

var (
	defaultServerPingInterval         = 30 * time.Second
	defaultServerPingTimeout          = 30 * time.Second
	defaultServerPingTimeoutThreshold = 3
	defaultServerSendTimeout          = 30 * time.Second
)

// Server accepts connections from AI-assistant clients and lets them drive
// the editor through registered tools. It owns the tool registry, the
// request queue, and the result cache; sessions share all three. Tool calls
// are admitted through the queue, and results of cacheable tools are served
// from the cache on repeat calls.
type Server struct {
	info         Info
	instructions string
	capabilities ServerCapabilities
	transport    ServerTransport
	registry     *ToolRegistry

	queueConfig QueueConfig
	cacheConfig CacheConfig
	queue       *RequestQueue
	cache       *Cache

	pingInterval         time.Duration
	pingTimeout          time.Duration
	pingTimeoutThreshold int
	sendTimeout          time.Duration

	logger *slog.Logger

	onClientConnected    func(string, Info)
	onClientDisconnected func(string)

	sessionsWaitGroup *sync.WaitGroup

	done           chan struct{}
	toolListClosed chan struct{}
}

// NewServer creates a server with the given identity, transport, and tool
// registry. A nil registry gets replaced with an empty one.
func NewServer(info Info, transport ServerTransport, registry *ToolRegistry, options ...ServerOption) Server {
	s := Server{
		info:              info,
		transport:         transport,
		registry:          registry,
		logger:            slog.Default(),
		sessionsWaitGroup: &sync.WaitGroup{},
		done:              make(chan struct{}),
		toolListClosed:    make(chan struct{}),
	}
	for _, opt := range options {
		opt(&s)
	}
	if s.pingInterval == 0 {
		s.pingInterval = defaultServerPingInterval
	}
	if s.pingTimeout == 0 {
		s.pingTimeout = defaultServerPingTimeout
	}
	if s.pingTimeoutThreshold == 0 {
		s.pingTimeoutThreshold = defaultServerPingTimeoutThreshold
	}
	if s.sendTimeout == 0 {
		s.sendTimeout = defaultServerSendTimeout
	}
	if s.registry == nil {
		s.registry = NewToolRegistry(s.logger)
	}

	s.queue = NewRequestQueue(s.queueConfig, s.logger)
	s.cache = NewCache(s.cacheConfig, s.logger)

	s.capabilities = ServerCapabilities{
		Tools:     &ToolsCapability{ListChanged: true},
		Resources: &ResourcesCapability{ListChanged: true},
	}

	return s
}

// WithInstructions returns a ServerOption that configures the server
// instructions sent in the initialize result.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithQueueConfig returns a ServerOption that configures the request queue.
func WithQueueConfig(cfg QueueConfig) ServerOption {
	return func(s *Server) {
		s.queueConfig = cfg
	}
}

// WithCacheConfig returns a ServerOption that configures the result cache.
func WithCacheConfig(cfg CacheConfig) ServerOption {
	return func(s *Server) {
		s.cacheConfig = cfg
	}
}

// WithServerPingInterval returns a ServerOption that configures the
// server's ping interval.
func WithServerPingInterval(interval time.Duration) ServerOption {
	return func(s *Server) {
		s.pingInterval = interval
	}
}

// WithServerPingTimeout returns a ServerOption that configures the
// server's ping timeout.
func WithServerPingTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.pingTimeout = timeout
	}
}

// WithServerPingTimeoutThreshold sets the ping timeout threshold for the
// server. If the number of consecutive ping timeouts exceeds the threshold,
// the server closes the session.
func WithServerPingTimeoutThreshold(threshold int) ServerOption {
	return func(s *Server) {
		s.pingTimeoutThreshold = threshold
	}
}

// WithServerSendTimeout returns a ServerOption that configures the
// server's send timeout.
func WithServerSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithServerOnClientConnected sets the callback for when a client completes
// the initialize request. The parameters are the session ID and the
// client's reported info.
func WithServerOnClientConnected(onClientConnected func(string, Info)) ServerOption {
	return func(s *Server) {
		s.onClientConnected = onClientConnected
	}
}

// WithServerOnClientDisconnected sets the callback for when a client
// disconnects. The callback's parameter is the session ID.
func WithServerOnClientDisconnected(onClientDisconnected func(string)) ServerOption {
	return func(s *Server) {
		s.onClientDisconnected = onClientDisconnected
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(slog.String("component", "server"))
	}
}

// InvalidateCache removes cached tool results whose tool name matches the
// glob pattern; an empty pattern removes everything. It returns the number
// of entries removed. Editors call this when the state a cached result was
// derived from has changed.
func (s Server) InvalidateCache(pattern string) (int, error) {
	return s.cache.Invalidate(pattern)
}

// QueueStats returns a snapshot of the shared request queue.
func (s Server) QueueStats() QueueStats {
	return s.queue.Stats()
}

// CacheStats returns a snapshot of the shared result cache.
func (s Server) CacheStats() CacheStats {
	return s.cache.Stats()
}

// Serve accepts sessions from the transport and handles protocol messages
// until Shutdown is called. It blocks.
func (s Server) Serve() {
	broadcasts := make(chan Message, 10)

	go s.listenToolListUpdates(broadcasts)

	s.start(broadcasts)
}

// Shutdown stops the server: sessions are closed, outstanding queue work is
// rejected, the cache sweep stops, and the transport is released. It
// returns an error if the context expires first.
func (s Server) Shutdown(ctx context.Context) error {
	// Signal the server to shutdown and terminate all sessions.
	close(s.done)

	// Wait for all sessions to finish their cascades.
	s.sessionsWaitGroup.Wait()

	if err := s.queue.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown queue: %w", err)
	}

	s.cache.Close()
	s.registry.Close()

	if err := s.transport.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown transport: %w", err)
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close tool list updates: %w", ctx.Err())
	case <-s.toolListClosed:
	}

	return nil
}

func (s Server) start(broadcasts <-chan Message) {
	// These channels keep the broadcaster's session map current.
	sessions := make(chan *serverSession, 5)
	removedSessions := make(chan string, 5)

	go s.broadcast(broadcasts, sessions, removedSessions)

	// This loop breaks when the transport is closed.
	for sess := range s.transport.Sessions() {
		ss := &serverSession{
			session:              sess,
			logger:               s.logger.With(slog.String("sessionID", sess.ID())),
			serverCap:            s.capabilities,
			serverInfo:           s.info,
			instructions:         s.instructions,
			registry:             s.registry,
			queue:                s.queue,
			cache:                s.cache,
			pingInterval:         s.pingInterval,
			pingTimeout:          s.pingTimeout,
			pingTimeoutThreshold: s.pingTimeoutThreshold,
			sendTimeout:          s.sendTimeout,
			onClientConnected:    s.onClientConnected,
			pending:              make(map[RequestID]*Job),
			inflight:             make(map[RequestID]string),
		}
		sessions <- ss

		s.sessionsWaitGroup.Add(1)

		// The session closes itself when the client goes away or when
		// consecutive pings fail beyond the threshold.
		go func() {
			defer s.sessionsWaitGroup.Done()

			ss.start(s.done)

			if s.onClientDisconnected != nil {
				s.onClientDisconnected(ss.session.ID())
			}

			select {
			case <-s.done:
			case removedSessions <- ss.session.ID():
			}
		}()
	}
}

func (s Server) broadcast(messages <-chan Message, sessions <-chan *serverSession, removedSessions <-chan string) {
	// Store all active sessions in a map for easy lookup.
	sessMap := make(map[string]*serverSession)

	for {
		select {
		case <-s.done:
			return
		case sess := <-sessions:
			sessMap[sess.session.ID()] = sess
		case sessID := <-removedSessions:
			delete(sessMap, sessID)
		case msg := <-messages:
			ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
			for _, sess := range sessMap {
				if err := sess.session.Send(ctx, msg); err != nil {
					sess.logger.Error("failed to send message",
						slog.Any("message", msg),
						slog.String("err", err.Error()))
				}
			}
			cancel()
		}
	}
}

func (s Server) listenToolListUpdates(messages chan<- Message) {
	defer close(s.toolListClosed)

	for range s.registry.ToolListUpdates() {
		msg := Notification{Method: methodNotificationsToolsListChanged}
		select {
		case <-s.done:
			return
		case messages <- msg:
		}
	}
}

// serverSession drives one client connection: the handshake, request
// dispatch through the queue, and the bookkeeping for requests the server
// sent to the client.
type serverSession struct {
	session Session
	logger  *slog.Logger

	serverCap    ServerCapabilities
	serverInfo   Info
	instructions string

	registry *ToolRegistry
	queue    *RequestQueue
	cache    *Cache

	pingInterval         time.Duration
	pingTimeout          time.Duration
	pingTimeoutThreshold int
	sendTimeout          time.Duration

	onClientConnected func(string, Info)

	// pending holds jobs for requests this server sent to the client,
	// keyed by request id. The session loop resolves them from incoming
	// responses; the cascade on close rejects whatever is left.
	pendingMu sync.Mutex
	pending   map[RequestID]*Job
	closed    bool

	// inflight maps a client request id to its queue entry so a cancelled
	// notification or the close cascade can revoke it.
	inflightMu sync.Mutex
	inflight   map[RequestID]string
}

func (ss *serverSession) start(done <-chan struct{}) {
	// This channel feeds the ping goroutine the ids of responses we could
	// not match to a pending request; pongs are among them.
	pingResponseIDs := make(chan RequestID, 10)
	go ss.ping(pingResponseIDs, done)

	// All queue handlers spawned by this session derive from baseCtx, so
	// breaking the loop cancels whatever is still running.
	baseCtx, baseCancel := context.WithCancel(context.Background())

	state := handshakeUninitialized

	// This loop breaks when the session is closed.
	for msg := range ss.session.Messages() {
		switch m := msg.(type) {
		case Request:
			ss.handleRequest(baseCtx, &state, m)
		case Notification:
			ss.handleNotification(&state, m)
		case Response:
			if job := ss.takePending(m.ID); job != nil {
				job.Resolve(m.Result)
				continue
			}
			select {
			case pingResponseIDs <- m.ID:
			default:
				// The ping tracker is behind; a stale pong is safe to drop.
			}
		case ErrorResponse:
			if job := ss.takePending(m.ID); job != nil {
				job.Reject(m.Err)
				continue
			}
			ss.logger.Info("unmatched error response from client",
				slog.String("id", m.ID.String()),
				slog.String("err", m.Err.Error()))
		}
	}

	baseCancel()
	ss.cascade()
	close(pingResponseIDs)
}

// cascade rejects every pending server request and cancels every in-flight
// queue entry tied to this connection. Nothing stays pending after close.
func (ss *serverSession) cascade() {
	ss.pendingMu.Lock()
	ss.closed = true
	jobs := make([]*Job, 0, len(ss.pending))
	for id, job := range ss.pending {
		jobs = append(jobs, job)
		delete(ss.pending, id)
	}
	ss.pendingMu.Unlock()

	for _, job := range jobs {
		job.Reject(ErrSessionClosed)
	}

	ss.inflightMu.Lock()
	entries := make([]string, 0, len(ss.inflight))
	for id, entryID := range ss.inflight {
		entries = append(entries, entryID)
		delete(ss.inflight, id)
	}
	ss.inflightMu.Unlock()

	for _, entryID := range entries {
		ss.queue.Cancel(entryID)
	}
}

func (ss *serverSession) handleRequest(ctx context.Context, state *handshakeState, req Request) {
	if req.Method == methodInitialize {
		ss.handleInitialize(state, req)
		return
	}

	if *state != handshakeReady {
		ss.logger.Info("method before handshake completed", slog.String("method", req.Method))
		go ss.respond(ErrorResponse{
			ID: req.ID,
			Err: RPCError{
				Code:    ErrCodeNotInitialized,
				Message: errMsgNotInitialized,
				Data:    map[string]any{"method": req.Method},
			},
		})
		return
	}

	switch req.Method {
	case methodPing:
		go ss.respond(Response{ID: req.ID})
	case MethodToolsList:
		go ss.handleListTools(req)
	case MethodToolsCall:
		ss.handleCallTool(ctx, req)
	default:
		go ss.respond(ErrorResponse{
			ID: req.ID,
			Err: RPCError{
				Code:    ErrCodeMethodNotFound,
				Message: "Method not found",
				Data:    map[string]any{"method": req.Method},
			},
		})
	}
}

func (ss *serverSession) handleNotification(state *handshakeState, n Notification) {
	switch n.Method {
	case methodNotificationsInitialized:
		if *state != handshakeInitializing {
			ss.logger.Info("unexpected initialized notification")
			return
		}
		*state = handshakeReady
		ss.logger.Info("session ready")
	case methodNotificationsCancelled:
		if *state != handshakeReady {
			return
		}
		var params notificationsCancelledParams
		if err := json.Unmarshal(n.Params, &params); err != nil {
			ss.logger.Info("malformed cancelled notification", slog.String("err", err.Error()))
			return
		}
		if entryID, ok := ss.takeInflight(params.RequestID); ok {
			ss.queue.Cancel(entryID)
			ss.logger.Debug("request cancelled by client",
				slog.String("id", params.RequestID.String()),
				slog.String("reason", params.Reason))
		}
	default:
		// Notifications never produce error responses.
		ss.logger.Debug("unhandled notification", slog.String("method", n.Method))
	}
}

// handleInitialize answers the handshake request. The params are parsed in
// the loop so the state transition happens only for a well-formed request.
func (ss *serverSession) handleInitialize(state *handshakeState, req Request) {
	if *state != handshakeUninitialized {
		go ss.respond(ErrorResponse{
			ID: req.ID,
			Err: RPCError{
				Code:    ErrCodeInvalidRequest,
				Message: "Invalid request",
				Data:    map[string]any{"error": "server already initialized"},
			},
		})
		return
	}

	var params initializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			go ss.respond(ErrorResponse{
				ID: req.ID,
				Err: RPCError{
					Code:    ErrCodeInvalidParams,
					Message: "Invalid params",
					Data:    map[string]any{"error": err.Error()},
				},
			})
			return
		}
	}

	*state = handshakeInitializing

	result := initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    ss.serverCap,
		ServerInfo:      ss.serverInfo,
		Instructions:    ss.instructions,
	}
	data, err := json.Marshal(result)
	if err != nil {
		ss.logger.Error("failed to marshal initialize result", slog.String("err", err.Error()))
		return
	}

	ss.logger.Info("client initializing",
		slog.String("client", params.ClientInfo.Name),
		slog.String("version", params.ClientInfo.Version))

	go func() {
		ss.respond(Response{ID: req.ID, Result: data})
		if ss.onClientConnected != nil {
			ss.onClientConnected(ss.session.ID(), params.ClientInfo)
		}
	}()
}

func (ss *serverSession) handleListTools(req Request) {
	result := ListToolsResult{Tools: ss.registry.List()}
	data, err := json.Marshal(result)
	if err != nil {
		ss.logger.Error("failed to marshal tools list", slog.String("err", err.Error()))
		ss.respond(ErrorResponse{
			ID:  req.ID,
			Err: RPCError{Code: ErrCodeInternal, Message: errMsgInternalError},
		})
		return
	}
	ss.respond(Response{ID: req.ID, Result: data})
}

// handleCallTool validates the call, serves it from cache when possible,
// and otherwise admits it to the queue. The response is produced by the
// queue callback once the entry settles.
func (ss *serverSession) handleCallTool(ctx context.Context, req Request) {
	var params CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		go ss.respond(ErrorResponse{
			ID: req.ID,
			Err: RPCError{
				Code:    ErrCodeInvalidParams,
				Message: "Invalid params",
				Data:    map[string]any{"error": err.Error()},
			},
		})
		return
	}

	def, ok := ss.registry.Definition(params.Name)
	if !ok {
		go ss.respond(ErrorResponse{
			ID: req.ID,
			Err: RPCError{
				Code:    ErrCodeMethodNotFound,
				Message: "Method not found",
				Data:    map[string]any{"tool": params.Name},
			},
		})
		return
	}

	// Validation failures never reach the queue or the handler.
	if err := ss.registry.Validate(params.Name, params.Arguments); err != nil {
		var rpcErr RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = RPCError{Code: ErrCodeInternal, Message: errMsgInternalError}
		}
		go ss.respond(ErrorResponse{ID: req.ID, Err: rpcErr})
		return
	}

	if def.Cacheable {
		if value, hit := ss.cache.Get(params.Name, params.Arguments); hit {
			if result, ok := value.(json.RawMessage); ok {
				ss.logger.Debug("served from cache", slog.String("tool", params.Name))
				go ss.respond(Response{ID: req.ID, Result: result})
				return
			}
		}
	}

	reqID := req.ID
	entryID, err := ss.queue.Enqueue(QueueEntry{
		Method:     params.Name,
		Priority:   def.Priority,
		Timeout:    def.Timeout,
		MaxRetries: def.MaxRetries,
		Handler: func(hctx context.Context) (json.RawMessage, error) {
			result, err := ss.registry.Call(hctx, params, ss.requestClient())
			if err != nil {
				return nil, err
			}
			data, err := json.Marshal(result)
			if err != nil {
				return nil, fmt.Errorf("marshal tool result: %w", err)
			}
			return data, nil
		},
		Callback: func(result json.RawMessage, err error) {
			ss.takeInflight(reqID)
			ss.finishCallTool(reqID, def, params, result, err)
		},
	})
	if err != nil {
		ss.logger.Warn("tool call rejected",
			slog.String("tool", params.Name),
			slog.String("err", err.Error()))
		go ss.respond(ErrorResponse{
			ID: req.ID,
			Err: RPCError{
				Code:    ErrCodeInternal,
				Message: errMsgInternalError,
				Data:    map[string]any{"error": err.Error()},
			},
		})
		return
	}

	ss.setInflight(req.ID, entryID)
}

// finishCallTool turns a settled queue entry into the wire response. A
// cancelled entry produces no response; the client asked for that.
func (ss *serverSession) finishCallTool(
	reqID RequestID,
	def ToolDef,
	params CallToolParams,
	result json.RawMessage,
	err error,
) {
	switch {
	case err == nil:
		if def.Invalidates != "" {
			if removed, ierr := ss.cache.Invalidate(def.Invalidates); ierr != nil {
				ss.logger.Warn("cache invalidation failed",
					slog.String("tool", params.Name),
					slog.String("err", ierr.Error()))
			} else if removed > 0 {
				ss.logger.Debug("invalidated stale results",
					slog.String("tool", params.Name),
					slog.Int("removed", removed))
			}
		}
		if def.Cacheable {
			ttl := def.CacheTTL
			if ttl <= 0 {
				ttl = ss.cache.cfg.DefaultTTL
			}
			ss.cache.SetWithTTL(params.Name, params.Arguments, result, ttl)
		}
		ss.respond(Response{ID: reqID, Result: result})
	case errors.Is(err, ErrEntryCancelled):
		ss.logger.Debug("tool call cancelled", slog.String("tool", params.Name))
	default:
		var rpcErr RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = RPCError{
				Code:    ErrCodeInternal,
				Message: errMsgInternalError,
				Data:    map[string]any{"error": err.Error()},
			}
		}
		ss.respond(ErrorResponse{ID: reqID, Err: rpcErr})
	}
}

// requestClient returns the capability handed to tool handlers for asking
// the connected client to perform an action and report back. Each call
// registers a fresh pending request that the session loop resolves when
// the matching response arrives.
func (ss *serverSession) requestClient() RequestClientFunc {
	return func(ctx context.Context, req Request) (Response, error) {
		if req.ID.IsZero() {
			req.ID = RequestID{Value: uuid.NewString()}
		}

		job := NewJob()

		ss.pendingMu.Lock()
		if ss.closed {
			ss.pendingMu.Unlock()
			return Response{}, ErrSessionClosed
		}
		ss.pending[req.ID] = job
		ss.pendingMu.Unlock()

		defer func() {
			ss.pendingMu.Lock()
			delete(ss.pending, req.ID)
			ss.pendingMu.Unlock()
		}()

		if err := ss.session.Send(ctx, req); err != nil {
			return Response{}, fmt.Errorf("send request to client: %w", err)
		}

		result, err := job.Await(ctx)
		if err != nil {
			return Response{}, err
		}
		return Response{ID: req.ID, Result: result}, nil
	}
}

func (ss *serverSession) takePending(id RequestID) *Job {
	ss.pendingMu.Lock()
	defer ss.pendingMu.Unlock()

	job, ok := ss.pending[id]
	if !ok {
		return nil
	}
	delete(ss.pending, id)
	return job
}

func (ss *serverSession) setInflight(id RequestID, entryID string) {
	ss.inflightMu.Lock()
	ss.inflight[id] = entryID
	ss.inflightMu.Unlock()
}

func (ss *serverSession) takeInflight(id RequestID) (string, bool) {
	ss.inflightMu.Lock()
	defer ss.inflightMu.Unlock()

	entryID, ok := ss.inflight[id]
	if !ok {
		return "", false
	}
	delete(ss.inflight, id)
	return entryID, true
}

// respond sends one message with the session's send timeout.
func (ss *serverSession) respond(msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), ss.sendTimeout)
	defer cancel()

	if err := ss.session.Send(ctx, msg); err != nil && !errors.Is(err, ErrSessionClosed) {
		ss.logger.Error("failed to send message", slog.String("err", err.Error()))
	}
}

// ping keeps the session alive with application-level pings and stops the
// session when too many go unanswered.
func (ss *serverSession) ping(responseIDs <-chan RequestID, done <-chan struct{}) {
	defer ss.session.Stop()

	pingTicker := time.NewTicker(ss.pingInterval)
	defer pingTicker.Stop()

	failedPings := 0
	var msgID RequestID

	for {
		if failedPings > ss.pingTimeoutThreshold {
			ss.logger.Warn("too many pings failed, closing session")
			return
		}

		select {
		case <-done:
			return
		case id, ok := <-responseIDs:
			if !ok {
				return
			}
			// Check whether the response answers the ping in flight.
			if id != msgID {
				continue
			}
			failedPings = 0
			continue
		case <-pingTicker.C:
		}

		msgID = RequestID{Value: uuid.NewString()}

		ctx, cancel := context.WithTimeout(context.Background(), ss.pingTimeout)
		if err := ss.session.Send(ctx, Request{ID: msgID, Method: methodPing}); err != nil {
			ss.logger.Warn("failed to send ping to client", slog.String("err", err.Error()))
			failedPings++
		}
		cancel()
	}
}

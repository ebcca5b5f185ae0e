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

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// RequestHandler answers a request the server sent to this client, for
// example to surface a diff and wait for the user's verdict. The returned
// payload becomes the response result. Returning an RPCError sends that
// error back; any other error is reported as an internal error.
type RequestHandler func(ctx context.Context, req Request) (json.RawMessage, error)

var (
	defaultClientWriteTimeout = 30 * time.Second

	// ErrNotConnected is returned by client calls made before Connect.
	ErrNotConnected = errors.New("client not connected")
)

// Client connects to an editor gateway and drives it: it performs the
// initialize handshake, lists and calls tools, and answers requests the
// server initiates. A Client must be created with NewClient and connected
// with Connect before use, and closed with Close when no longer needed.
type Client struct {
	info         Info
	capabilities ClientCapabilities
	transport    ClientTransport

	requestHandler    RequestHandler
	onToolListChanged func()

	writeTimeout time.Duration
	logger       *slog.Logger

	session            Session
	serverInfo         Info
	serverCapabilities ServerCapabilities
	instructions       string

	pendingMu sync.Mutex
	pending   map[RequestID]*Job
	closed    bool

	handlerCancel context.CancelFunc
	stopOnce      sync.Once
	loopDone      chan struct{}
}

// WithClientRequestHandler sets the handler for server-initiated requests.
// Without one, such requests are answered with a method-not-found error.
func WithClientRequestHandler(handler RequestHandler) ClientOption {
	return func(c *Client) {
		c.requestHandler = handler
	}
}

// WithClientOnToolListChanged sets the callback invoked when the server
// announces that its tool list changed.
func WithClientOnToolListChanged(callback func()) ClientOption {
	return func(c *Client) {
		c.onToolListChanged = callback
	}
}

// WithClientRootsCapability declares the roots capability in the
// initialize request.
func WithClientRootsCapability(listChanged bool) ClientOption {
	return func(c *Client) {
		c.capabilities.Roots = &RootsCapability{ListChanged: listChanged}
	}
}

// WithClientWriteTimeout sets the write timeout for the client.
func WithClientWriteTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.writeTimeout = timeout
	}
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With(slog.String("component", "client"))
	}
}

// NewClient creates a client with the given identity and transport. The
// client is not connected until Connect is called.
func NewClient(info Info, transport ClientTransport, options ...ClientOption) *Client {
	c := &Client{
		info:      info,
		transport: transport,
		logger:    slog.Default(),
		pending:   make(map[RequestID]*Job),
		loopDone:  make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}

	if c.writeTimeout == 0 {
		c.writeTimeout = defaultClientWriteTimeout
	}

	return c
}

// Connect establishes the session and performs the initialize handshake:
// it sends initialize, verifies the protocol version, and confirms with
// the initialized notification. After Connect returns, tool calls are
// accepted by the server.
func (c *Client) Connect(ctx context.Context) error {
	session, err := c.transport.StartSession(ctx)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	c.session = session

	handlerCtx, cancel := context.WithCancel(context.Background())
	c.handlerCancel = cancel
	go c.listen(handlerCtx)

	params := initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    c.capabilities,
		ClientInfo:      c.info,
	}
	raw, err := c.call(ctx, methodInitialize, params)
	if err != nil {
		c.Close()
		return fmt.Errorf("initialize failed: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		c.Close()
		return fmt.Errorf("failed to decode initialize result: %w", err)
	}
	if result.ProtocolVersion != protocolVersion {
		c.Close()
		return fmt.Errorf("protocol version mismatch: %s != %s", result.ProtocolVersion, protocolVersion)
	}
	c.serverInfo = result.ServerInfo
	c.serverCapabilities = result.Capabilities
	c.instructions = result.Instructions

	if err := c.notify(ctx, methodNotificationsInitialized, nil); err != nil {
		c.Close()
		return fmt.Errorf("failed to send initialized notification: %w", err)
	}

	c.logger.Info("connected",
		slog.String("server", result.ServerInfo.Name),
		slog.String("version", result.ServerInfo.Version))
	return nil
}

// Close stops the session and rejects whatever calls are still waiting.
// It is safe to call more than once.
func (c *Client) Close() {
	c.stopOnce.Do(func() {
		if c.session != nil {
			c.session.Stop()
			<-c.loopDone
		}
	})
}

// ServerInfo returns the server identity reported during the handshake.
func (c *Client) ServerInfo() Info {
	return c.serverInfo
}

// ServerCapabilities returns the capabilities reported during the
// handshake.
func (c *Client) ServerCapabilities() ServerCapabilities {
	return c.serverCapabilities
}

// Instructions returns the usage instructions reported during the
// handshake.
func (c *Client) Instructions() string {
	return c.instructions
}

// ListTools retrieves the server's tool descriptors.
func (c *Client) ListTools(ctx context.Context) (ListToolsResult, error) {
	raw, err := c.call(ctx, MethodToolsList, nil)
	if err != nil {
		return ListToolsResult{}, err
	}

	var result ListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return ListToolsResult{}, fmt.Errorf("failed to decode tools list: %w", err)
	}
	return result, nil
}

// CallTool invokes a tool by name. Cancelling the context sends a
// cancelled notification so the server can revoke the queued work.
func (c *Client) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	raw, err := c.call(ctx, MethodToolsCall, params)
	if err != nil {
		return CallToolResult{}, err
	}

	var result CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return CallToolResult{}, fmt.Errorf("failed to decode tool result: %w", err)
	}
	return result, nil
}

// Ping checks that the server answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, methodPing, nil)
	return err
}

// call sends one request and blocks for its response. A server error
// response is returned as an RPCError.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.session == nil {
		return nil, ErrNotConnected
	}

	var paramsBs json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsBs = data
	}

	id := RequestID{Value: uuid.NewString()}
	job := NewJob()

	c.pendingMu.Lock()
	if c.closed {
		c.pendingMu.Unlock()
		return nil, ErrSessionClosed
	}
	c.pending[id] = job
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.session.Send(ctx, Request{ID: id, Method: method, Params: paramsBs}); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	result, err := job.Await(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// Tell the server to revoke the work; best effort.
		cancelParams := notificationsCancelledParams{RequestID: id, Reason: err.Error()}
		if nErr := c.notify(context.Background(), methodNotificationsCancelled, cancelParams); nErr != nil {
			c.logger.Debug("failed to send cancelled notification", slog.String("err", nErr.Error()))
		}
	}
	return result, err
}

func (c *Client) notify(ctx context.Context, method string, params any) error {
	var paramsBs json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsBs = data
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()

	return c.session.Send(sendCtx, Notification{Method: method, Params: paramsBs})
}

func (c *Client) listen(handlerCtx context.Context) {
	defer close(c.loopDone)

	for msg := range c.session.Messages() {
		switch m := msg.(type) {
		case Request:
			go c.handleServerRequest(handlerCtx, m)
		case Notification:
			if m.Method == methodNotificationsToolsListChanged && c.onToolListChanged != nil {
				c.onToolListChanged()
				continue
			}
			c.logger.Debug("unhandled notification", slog.String("method", m.Method))
		case Response:
			if job := c.takePending(m.ID); job != nil {
				job.Resolve(m.Result)
			}
		case ErrorResponse:
			if job := c.takePending(m.ID); job != nil {
				job.Reject(m.Err)
			}
		}
	}

	c.handlerCancel()
	c.cascade()
}

// handleServerRequest answers one server-initiated request: pings get an
// empty response, everything else goes through the request handler.
func (c *Client) handleServerRequest(ctx context.Context, req Request) {
	if req.Method == methodPing {
		c.respond(Response{ID: req.ID})
		return
	}

	if c.requestHandler == nil {
		c.respond(ErrorResponse{
			ID: req.ID,
			Err: RPCError{
				Code:    ErrCodeMethodNotFound,
				Message: "Method not found",
				Data:    map[string]any{"method": req.Method},
			},
		})
		return
	}

	result, err := c.requestHandler(ctx, req)
	if err != nil {
		var rpcErr RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = RPCError{
				Code:    ErrCodeInternal,
				Message: errMsgInternalError,
				Data:    map[string]any{"error": err.Error()},
			}
		}
		c.respond(ErrorResponse{ID: req.ID, Err: rpcErr})
		return
	}
	c.respond(Response{ID: req.ID, Result: result})
}

func (c *Client) respond(msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()

	if err := c.session.Send(ctx, msg); err != nil && !errors.Is(err, ErrSessionClosed) {
		c.logger.Error("failed to send response", slog.String("err", err.Error()))
	}
}

func (c *Client) takePending(id RequestID) *Job {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	job, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return job
}

// cascade rejects every call still waiting for a response.
func (c *Client) cascade() {
	c.pendingMu.Lock()
	c.closed = true
	jobs := make([]*Job, 0, len(c.pending))
	for id, job := range c.pending {
		jobs = append(jobs, job)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	for _, job := range jobs {
		job.Reject(ErrSessionClosed)
	}
}

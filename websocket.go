package codelink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

var (
	// ErrNotLoopback is returned when a WSServer is asked to bind a
	// non-loopback address. The server is only ever reachable from the
	// local machine; anything else is a configuration error.
	ErrNotLoopback = errors.New("listen address must be loopback")

	// ErrUnauthorized is returned when the upgrade credential is missing
	// or does not match the server's token.
	ErrUnauthorized = errors.New("unauthorized")
)

// Connection lifecycle. A connection is Handshaking during the HTTP
// upgrade, Open once frames flow, Closing after either side starts the
// close exchange, and Closed when the underlying socket is gone.
type connState int32

const (
	stateHandshaking connState = iota
	stateOpen
	stateClosing
	stateClosed
)

const (
	defaultWSMaxMessageSize = 1 << 20
	defaultWSPongTimeout    = 60 * time.Second
	defaultWSWriteTimeout   = 10 * time.Second
	defaultWSRateLimit      = 50
	defaultWSRateBurst      = 100
)

// WSServer accepts WebSocket connections from local clients. It binds a
// loopback address only, and rejects any upgrade whose credential header
// does not match the configured token before WebSocket negotiation begins.
//
// Instances should be created with NewWSServer, bound with Start, and shut
// down with Shutdown when no longer needed.
type WSServer struct {
	addr      string
	authToken string
	logger    *slog.Logger

	maxMessageSize int64
	pongTimeout    time.Duration
	writeTimeout   time.Duration
	rateLimit      rate.Limit
	rateBurst      int

	upgrader   websocket.Upgrader
	httpServer *http.Server
	listener   net.Listener

	sessions chan *wsSession
	done     chan struct{}
	closed   chan struct{}
}

// WSServerOption represents the options for the WSServer.
type WSServerOption func(*WSServer)

// WithWSServerLogger sets the logger for the server and its sessions.
func WithWSServerLogger(logger *slog.Logger) WSServerOption {
	return func(s *WSServer) {
		s.logger = logger
	}
}

// WithWSServerMaxMessageSize caps inbound message size in bytes. A larger
// message aborts the connection with a message-too-big close.
func WithWSServerMaxMessageSize(size int64) WSServerOption {
	return func(s *WSServer) {
		s.maxMessageSize = size
	}
}

// WithWSServerPongTimeout sets how long a connection may go without a pong
// before it is considered dead. Pings are sent at nine tenths of this
// interval.
func WithWSServerPongTimeout(d time.Duration) WSServerOption {
	return func(s *WSServer) {
		s.pongTimeout = d
	}
}

// WithWSServerRateLimit bounds inbound messages per second per connection.
// A connection that exceeds the burst is closed with a policy violation.
func WithWSServerRateLimit(perSecond float64, burst int) WSServerOption {
	return func(s *WSServer) {
		s.rateLimit = rate.Limit(perSecond)
		s.rateBurst = burst
	}
}

// NewWSServer creates a WebSocket server that will listen on addr, which
// must resolve to a loopback interface. Clients must present authToken in
// the AuthHeaderName header on upgrade. The server does not listen until
// Start is called.
func NewWSServer(addr, authToken string, options ...WSServerOption) *WSServer {
	s := &WSServer{
		addr:           addr,
		authToken:      authToken,
		logger:         slog.Default(),
		maxMessageSize: defaultWSMaxMessageSize,
		pongTimeout:    defaultWSPongTimeout,
		writeTimeout:   defaultWSWriteTimeout,
		rateLimit:      defaultWSRateLimit,
		rateBurst:      defaultWSRateBurst,
		sessions:       make(chan *wsSession, 5),
		done:           make(chan struct{}),
		closed:         make(chan struct{}),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// Start validates the listen address, binds it, and begins accepting
// upgrades. The bound port is available from Port afterwards.
func (s *WSServer) Start() error {
	if s.authToken == "" {
		return errors.New("auth token is required")
	}
	if err := validateLoopback(s.addr); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.Handle("/", http.HandlerFunc(s.handleUpgrade))
	s.httpServer = &http.Server{Handler: mux}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", slog.String("err", err.Error()))
		}
	}()

	s.logger.Info("listening", slog.String("addr", listener.Addr().String()))
	return nil
}

// Port returns the bound TCP port. It is only valid after Start.
func (s *WSServer) Port() int {
	if s.listener == nil {
		return 0
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Sessions returns an iterator over accepted client sessions. The iterator
// yields each connection once its upgrade completes and exits when the
// server shuts down.
func (s *WSServer) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		for {
			select {
			case <-s.done:
				return
			case sess := <-s.sessions:
				if !yield(sess) {
					return
				}
			}
		}
	}
}

// Shutdown closes the listener and stops the session iterator. Established
// sessions are not stopped; the caller owns those.
func (s *WSServer) Shutdown(ctx context.Context) error {
	close(s.done)

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	select {
	case <-s.closed:
	case <-ctx.Done():
		return fmt.Errorf("failed to close WebSocket server: %w", ctx.Err())
	}
	return err
}

// handleUpgrade authenticates the request and, only on success, completes
// the WebSocket negotiation. A missing or wrong credential is answered
// with 401 before any WebSocket handshake bytes are exchanged.
func (s *WSServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(AuthHeaderName)
	if !tokenEqual(token, s.authToken) {
		s.logger.Warn("rejected unauthorized connection", slog.String("remote", r.RemoteAddr))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		s.logger.Warn("upgrade failed", slog.String("err", err.Error()))
		return
	}

	sess := newWSSession(conn, s.logger, wsSessionConfig{
		maxMessageSize: s.maxMessageSize,
		pongTimeout:    s.pongTimeout,
		writeTimeout:   s.writeTimeout,
		limiter:        rate.NewLimiter(s.rateLimit, s.rateBurst),
	})

	select {
	case s.sessions <- sess:
	case <-s.done:
		sess.Stop()
	}
}

func validateLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("%w: %s", ErrNotLoopback, addr)
	}
	return nil
}

// WSClient connects to a WSServer. Instances should be created with
// NewWSClient; each StartSession call dials one connection.
type WSClient struct {
	url       string
	authToken string
	logger    *slog.Logger

	maxMessageSize int64
	pongTimeout    time.Duration
	writeTimeout   time.Duration
}

// WSClientOption represents the options for the WSClient.
type WSClientOption func(*WSClient)

// WithWSClientLogger sets the logger for the client and its session.
func WithWSClientLogger(logger *slog.Logger) WSClientOption {
	return func(c *WSClient) {
		c.logger = logger
	}
}

// WithWSClientMaxMessageSize caps inbound message size in bytes.
func WithWSClientMaxMessageSize(size int64) WSClientOption {
	return func(c *WSClient) {
		c.maxMessageSize = size
	}
}

// NewWSClient creates a client for the server at url (a ws:// URL). The
// token is sent in the AuthHeaderName header on upgrade; servers reject
// the connection when it does not match their lock record.
func NewWSClient(url, authToken string, options ...WSClientOption) *WSClient {
	c := &WSClient{
		url:            url,
		authToken:      authToken,
		logger:         slog.Default(),
		maxMessageSize: defaultWSMaxMessageSize,
		pongTimeout:    defaultWSPongTimeout,
		writeTimeout:   defaultWSWriteTimeout,
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// StartSession dials the server and returns the established session.
func (c *WSClient) StartSession(ctx context.Context) (Session, error) {
	header := http.Header{}
	header.Set(AuthHeaderName, c.authToken)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("dial %s: %w", c.url, ErrUnauthorized)
		}
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}

	return newWSSession(conn, c.logger, wsSessionConfig{
		maxMessageSize: c.maxMessageSize,
		pongTimeout:    c.pongTimeout,
		writeTimeout:   c.writeTimeout,
	}), nil
}

type wsSessionConfig struct {
	maxMessageSize int64
	pongTimeout    time.Duration
	writeTimeout   time.Duration
	limiter        *rate.Limiter
}

// wsSession adapts one WebSocket connection to the Session interface. A
// read pump parses inbound frames in arrival order and a write pump
// serializes all outbound traffic, including pings and the close frame.
type wsSession struct {
	id     string
	conn   *websocket.Conn
	cfg    wsSessionConfig
	logger *slog.Logger

	sendCh chan wsOutbound
	recvCh chan Message

	state atomic.Int32

	closeMu     sync.Mutex
	closeCode   int
	closeReason string

	done        chan struct{}
	stopOnce    sync.Once
	readClosed  chan struct{}
	writeClosed chan struct{}
}

type wsOutbound struct {
	data []byte
	errs chan error
}

func newWSSession(conn *websocket.Conn, logger *slog.Logger, cfg wsSessionConfig) *wsSession {
	s := &wsSession{
		id:          uuid.NewString(),
		conn:        conn,
		cfg:         cfg,
		sendCh:      make(chan wsOutbound),
		recvCh:      make(chan Message, 5),
		closeCode:   websocket.CloseNormalClosure,
		done:        make(chan struct{}),
		readClosed:  make(chan struct{}),
		writeClosed: make(chan struct{}),
	}
	s.logger = logger.With(slog.String("session", s.id))
	s.state.Store(int32(stateOpen))

	go s.readPump()
	go s.writePump()

	return s
}

func (s *wsSession) ID() string { return s.id }

// Send encodes msg and hands it to the write pump, waiting for the write
// to complete so errors surface to the caller.
func (s *wsSession) Send(ctx context.Context, msg Message) error {
	if connState(s.state.Load()) != stateOpen {
		return ErrSessionClosed
	}

	data, err := EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	out := wsOutbound{data: data, errs: make(chan error, 1)}
	select {
	case s.sendCh <- out:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-out.errs:
		if err != nil {
			return fmt.Errorf("write message: %w", err)
		}
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Messages yields inbound messages in arrival order until the session
// closes.
func (s *wsSession) Messages() iter.Seq[Message] {
	return func(yield func(Message) bool) {
		for {
			select {
			case msg := <-s.recvCh:
				if !yield(msg) {
					return
				}
			case <-s.done:
				return
			}
		}
	}
}

// Stop closes the session and waits for both pumps to exit.
func (s *wsSession) Stop() {
	s.shutdown()
	<-s.writeClosed
	<-s.readClosed
}

// shutdown moves the session to Closing and releases both pumps. Safe to
// call from any goroutine, any number of times.
func (s *wsSession) shutdown() {
	s.stopOnce.Do(func() {
		s.state.Store(int32(stateClosing))
		close(s.done)
	})
}

// closeWith records the close frame to send and starts the shutdown.
func (s *wsSession) closeWith(code int, reason string) {
	s.closeMu.Lock()
	s.closeCode = code
	s.closeReason = reason
	s.closeMu.Unlock()
	s.shutdown()
}

func (s *wsSession) readPump() {
	defer func() {
		close(s.readClosed)
		s.shutdown()
	}()

	s.conn.SetReadLimit(s.cfg.maxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.pongTimeout)); err != nil {
		s.logger.Warn("failed to set read deadline", slog.String("err", err.Error()))
		return
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.pongTimeout))
	})

	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				// Gorilla already sent the 1009 close frame.
				s.logger.Warn("inbound message exceeded size limit")
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("connection closed", slog.String("err", err.Error()))
			}
			return
		}

		if kind != websocket.TextMessage {
			s.closeWith(websocket.CloseUnsupportedData, "text frames only")
			return
		}

		if s.cfg.limiter != nil && !s.cfg.limiter.Allow() {
			s.logger.Warn("message rate exceeded")
			s.closeWith(websocket.ClosePolicyViolation, "message rate exceeded")
			return
		}

		msg, err := ParseMessage(data)
		if err != nil {
			s.replyInvalid(data, err)
			continue
		}

		select {
		case s.recvCh <- msg:
		case <-s.done:
			return
		}
	}
}

// replyInvalid answers an unparseable payload with the protocol error,
// referencing the request id when one is recoverable. The message is not
// yielded to the consumer and the connection stays open.
func (s *wsSession) replyInvalid(data []byte, cause error) {
	var rpcErr RPCError
	if !errors.As(cause, &rpcErr) {
		s.logger.Warn("dropped invalid message", slog.String("err", cause.Error()))
		return
	}

	reply, err := EncodeMessage(ErrorResponse{ID: probeID(data), Err: rpcErr})
	if err != nil {
		return
	}

	out := wsOutbound{data: reply, errs: make(chan error, 1)}
	select {
	case s.sendCh <- out:
	case <-s.done:
	}
}

func (s *wsSession) writePump() {
	pingPeriod := s.cfg.pongTimeout * 9 / 10
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		s.conn.Close()
		s.state.Store(int32(stateClosed))
		close(s.writeClosed)
	}()

	for {
		select {
		case out := <-s.sendCh:
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.writeTimeout))
			err := s.conn.WriteMessage(websocket.TextMessage, out.data)
			out.errs <- err
			if err != nil {
				s.logger.Warn("failed to write message", slog.String("err", err.Error()))
				s.shutdown()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Debug("ping failed", slog.String("err", err.Error()))
				s.shutdown()
				return
			}
		case <-s.done:
			s.closeMu.Lock()
			frame := websocket.FormatCloseMessage(s.closeCode, s.closeReason)
			s.closeMu.Unlock()

			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.writeTimeout))
			if err := s.conn.WriteMessage(websocket.CloseMessage, frame); err != nil {
				s.logger.Debug("failed to write close frame", slog.String("err", err.Error()))
			}
			return
		}
	}
}

// probeID best-effort extracts the id from a payload that failed parsing
// or validation, so the error response can reference it.
func probeID(data []byte) RequestID {
	var probe struct {
		ID RequestID `json:"id"`
	}
	_ = json.Unmarshal(data, &probe)
	return probe.ID
}

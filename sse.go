package codelink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

const sseMaxPayloadSize = 1 << 20

// SSEServer implements a framework-agnostic Server-Sent Events (SSE)
// transport for managing bidirectional client communication. Server-to-client
// messages stream over SSE while client-to-server messages arrive via HTTP
// POST. It is an alternative to the WebSocket transport for environments
// where long-lived HTTP streams are easier to route.
//
// The server provides connection management, message distribution, and
// session tracking through its HandleSSE and HandleMessage http.Handlers.
// These handlers can be mounted on any HTTP mux.
//
// Instances should be created using NewSSEServer and shut down using Shutdown
// when no longer needed.
type SSEServer struct {
	messageURL string
	authToken  string
	logger     *slog.Logger

	sessions         chan sseServerSession
	removedSessions  chan string
	receivedMessages chan sseSessionMessage

	done   chan struct{}
	closed chan struct{}
}

// SSEServerOption represents the options for the SSEServer.
type SSEServerOption func(*SSEServer)

// SSEClient implements a Server-Sent Events (SSE) client transport. It
// receives server messages over an SSE stream and sends its own messages via
// HTTP POST to the endpoint the server advertises on connect. Instances
// should be created using NewSSEClient.
type SSEClient struct {
	httpClient *http.Client
	connectURL string
	authToken  string
	logger     *slog.Logger

	maxPayloadSize int
}

// SSEClientOption represents the options for the SSEClient.
type SSEClientOption func(*SSEClient)

type sseServerSession struct {
	id           string
	sess         *sse.Session
	sendMsgs     chan sseServerSessionSendMsg
	receivedMsgs chan Message
	logger       *slog.Logger

	done           chan struct{}
	sendClosed     chan struct{}
	receivedClosed chan struct{}
}

type sseSessionMessage struct {
	sessID string
	msg    Message
}

type sseServerSessionSendMsg struct {
	msg  *sse.Message
	errs chan<- error
}

// NewSSEServer creates and initializes a new SSE server whose clients post
// their messages to the given messageURL. The server is immediately
// operational upon creation. The returned SSEServer must be shut down using
// Shutdown when no longer needed.
func NewSSEServer(messageURL string, options ...SSEServerOption) SSEServer {
	s := SSEServer{
		messageURL:       messageURL,
		logger:           slog.Default(),
		sessions:         make(chan sseServerSession, 5),
		removedSessions:  make(chan string),
		receivedMessages: make(chan sseSessionMessage),
		done:             make(chan struct{}),
		closed:           make(chan struct{}),
	}
	for _, opt := range options {
		opt(&s)
	}
	return s
}

// WithSSEServerAuthToken requires clients to present the given token in the
// authorization header on both the SSE connect request and message posts.
// Requests with a missing or mismatched token are rejected with 401.
func WithSSEServerAuthToken(token string) SSEServerOption {
	return func(s *SSEServer) {
		s.authToken = token
	}
}

// WithSSEServerLogger sets the logger for the SSEServer.
func WithSSEServerLogger(logger *slog.Logger) SSEServerOption {
	return func(s *SSEServer) {
		s.logger = logger.With(slog.String("component", "sse-server"))
	}
}

// NewSSEClient creates an SSE client that connects to the specified
// connectURL. The optional httpClient parameter allows custom HTTP client
// configuration; if nil, the default HTTP client is used. The client must
// call StartSession to begin communication.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	s := &SSEClient{
		connectURL: connectURL,
		httpClient: cli,
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// WithSSEClientAuthToken sets the token the client presents in the
// authorization header on the connect request and on every message post.
func WithSSEClientAuthToken(token string) SSEClientOption {
	return func(s *SSEClient) {
		s.authToken = token
	}
}

// WithSSEClientMaxPayloadSize sets the maximum size of a single event payload
// accepted from the server. If an event exceeds this limit the stream is
// closed and the session ends.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(s *SSEClient) {
		s.maxPayloadSize = size
	}
}

// WithSSEClientLogger sets the logger for the SSEClient.
func WithSSEClientLogger(logger *slog.Logger) SSEClientOption {
	return func(s *SSEClient) {
		s.logger = logger.With(slog.String("component", "sse-client"))
	}
}

// Sessions implements the ServerTransport interface by yielding a Session as
// each client connects.
func (s SSEServer) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		// All active sessions keyed by ID for routing received messages.
		sessionsMap := make(map[string]sseServerSession)

		for {
			select {
			case <-s.done:
				return
			case sess := <-s.sessions:
				go sess.processSendMessages()

				sessionsMap[sess.id] = sess

				if !yield(sess) {
					return
				}
			case sessID := <-s.removedSessions:
				delete(sessionsMap, sessID)
			case msg := <-s.receivedMessages:
				session, ok := sessionsMap[msg.sessID]
				if !ok {
					// The session may already be closed.
					continue
				}

				select {
				case <-s.done:
					return
				case session.receivedMsgs <- msg.msg:
				}
			}
		}
	}
}

// Shutdown implements the ServerTransport interface. It terminates all active
// client connections and blocks until the session loop has wound down.
func (s SSEServer) Shutdown(ctx context.Context) error {
	close(s.done)

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to shut down SSE server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// HandleSSE returns an http.Handler for establishing SSE connections over GET
// requests. The handler upgrades the connection, assigns a session ID, and
// advertises the per-session message endpoint to the client. The connection
// stays open until either side stops the session.
func (s SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			s.logger.Warn("rejected SSE connect with invalid token",
				slog.String("remote", r.RemoteAddr))
			http.Error(w, "invalid authorization token", http.StatusUnauthorized)
			return
		}

		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		sessID := uuid.NewString()

		// Tell the client where to post its messages for this session.
		endpoint := fmt.Sprintf("%s?sessionID=%s", s.messageURL, sessID)

		msg := sse.Message{
			Type: sse.Type("endpoint"),
		}
		msg.AppendData(endpoint)
		if err := sess.Send(&msg); err != nil {
			nErr := fmt.Errorf("failed to write SSE endpoint: %w", err)
			s.logger.Error("failed to write SSE endpoint", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		if err := sess.Flush(); err != nil {
			nErr := fmt.Errorf("failed to flush SSE: %w", err)
			s.logger.Error("failed to flush SSE", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		srvSession := sseServerSession{
			id:             sessID,
			sess:           sess,
			logger:         s.logger,
			sendMsgs:       make(chan sseServerSessionSendMsg, 5),
			receivedMsgs:   make(chan Message, 5),
			done:           make(chan struct{}),
			sendClosed:     make(chan struct{}),
			receivedClosed: make(chan struct{}),
		}

		select {
		case s.sessions <- srvSession:
		case <-s.done:
			return
		}

		// Keep the handler alive so the stream stays open until the session
		// stops.
		<-srvSession.sendClosed
		<-srvSession.receivedClosed

		select {
		case s.removedSessions <- sessID:
		case <-s.done:
		}
	})
}

// HandleMessage returns an http.Handler for processing client messages posted
// to the per-session endpoint. The handler expects a sessionID query
// parameter and a JSON-RPC message body. Valid messages are routed to the
// matching Session's message stream.
func (s SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			s.logger.Warn("rejected message with invalid token",
				slog.String("remote", r.RemoteAddr))
			http.Error(w, "invalid authorization token", http.StatusUnauthorized)
			return
		}

		sessID := r.URL.Query().Get("sessionID")
		if sessID == "" {
			s.logger.Warn("missing sessionID query parameter")
			http.Error(w, "missing sessionID query parameter", http.StatusBadRequest)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, sseMaxPayloadSize))
		if err != nil {
			nErr := fmt.Errorf("failed to read message: %w", err)
			s.logger.Warn("failed to read message", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		msg, err := ParseMessage(body)
		if err != nil {
			nErr := fmt.Errorf("failed to parse message: %w", err)
			s.logger.Warn("failed to parse message", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		select {
		case <-s.done:
			return
		case s.receivedMessages <- sseSessionMessage{sessID: sessID, msg: msg}:
		}
	})
}

func (s SSEServer) authorized(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	return tokenEqual(r.Header.Get(AuthHeaderName), s.authToken)
}

// StartSession implements the ClientTransport interface. It opens the SSE
// stream, waits for the server to advertise the message endpoint, and returns
// the session. The provided context governs connection establishment only.
func (s *SSEClient) StartSession(ctx context.Context) (Session, error) {
	streamCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.connectURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if s.authToken != "" {
		req.Header.Set(AuthHeaderName, s.authToken)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to SSE server: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		if resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("failed to connect to SSE server: %w", ErrUnauthorized)
		}
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	sess := &sseClientSession{
		id:             uuid.NewString(),
		httpClient:     s.httpClient,
		authToken:      s.authToken,
		logger:         s.logger,
		maxPayloadSize: s.maxPayloadSize,
		ready:          make(chan error, 1),
		receivedMsgs:   make(chan Message, 5),
		cancel:         cancel,
		done:           make(chan struct{}),
		readClosed:     make(chan struct{}),
	}

	go sess.listenSSEMessages(resp.Body)

	// The session is unusable until the server advertises the message
	// endpoint.
	select {
	case <-ctx.Done():
		sess.Stop()
		return nil, ctx.Err()
	case err := <-sess.ready:
		if err != nil {
			sess.Stop()
			return nil, err
		}
	}

	return sess, nil
}

type sseClientSession struct {
	id             string
	httpClient     *http.Client
	messageURL     string
	authToken      string
	logger         *slog.Logger
	maxPayloadSize int

	ready        chan error
	receivedMsgs chan Message

	cancel     context.CancelFunc
	done       chan struct{}
	stopOnce   sync.Once
	readClosed chan struct{}
}

func (s *sseClientSession) ID() string {
	return s.id
}

// Send posts the message to the server's message endpoint.
func (s *sseClientSession) Send(ctx context.Context, msg Message) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	msgBs, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.messageURL, bytes.NewReader(msgBs))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.authToken != "" {
		req.Header.Set(AuthHeaderName, s.authToken)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

func (s *sseClientSession) Messages() iter.Seq[Message] {
	return func(yield func(Message) bool) {
		for {
			select {
			case msg := <-s.receivedMsgs:
				if !yield(msg) {
					return
				}
			case <-s.done:
				return
			}
		}
	}
}

func (s *sseClientSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.cancel()
	})
	<-s.readClosed
}

func (s *sseClientSession) listenSSEMessages(body io.ReadCloser) {
	defer func() {
		body.Close()
		close(s.readClosed)
	}()

	var config *sse.ReadConfig
	if s.maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: s.maxPayloadSize,
		}
	}

	endpointSeen := false

	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Error("failed to read SSE message", "err", err)
			}
			break
		}

		switch ev.Type {
		case "endpoint":
			u, err := url.Parse(ev.Data)
			if err != nil {
				s.ready <- fmt.Errorf("failed to parse endpoint URL: %w", err)
				return
			}
			if u.String() == "" {
				s.ready <- errors.New("empty endpoint URL")
				return
			}
			s.messageURL = u.String()
			endpointSeen = true
			s.ready <- nil
		case "message":
			// Ignore messages arriving before the endpoint event; the
			// session is not established yet.
			if !endpointSeen {
				s.logger.Error("received message before endpoint URL")
				continue
			}

			msg, err := ParseMessage([]byte(ev.Data))
			if err != nil {
				s.logger.Error("failed to parse message", "err", err)
				continue
			}

			select {
			case s.receivedMsgs <- msg:
			case <-s.done:
				return
			}
		default:
			s.logger.Error("unhandled event type", "type", ev.Type)
		}
	}

	if !endpointSeen {
		s.ready <- errors.New("stream closed before endpoint event")
	}
}

func (s sseServerSession) ID() string { return s.id }

func (s sseServerSession) Send(ctx context.Context, msg Message) error {
	msgBs, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	sseMsg := &sse.Message{
		Type: sse.Type("message"),
	}
	sseMsg.AppendData(string(msgBs))

	errs := make(chan error, 1)

	// Sends are serialized through one goroutine to avoid racing inside the
	// sse library.
	select {
	case s.sendMsgs <- sseServerSessionSendMsg{sseMsg, errs}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s sseServerSession) Messages() iter.Seq[Message] {
	return func(yield func(Message) bool) {
		defer close(s.receivedClosed)

		for {
			select {
			case msg := <-s.receivedMsgs:
				if !yield(msg) {
					return
				}
			case <-s.done:
				return
			}
		}
	}
}

func (s sseServerSession) Stop() {
	close(s.done)

	<-s.sendClosed
	<-s.receivedClosed
}

func (s sseServerSession) processSendMessages() {
	defer close(s.sendClosed)

	for {
		select {
		case sm := <-s.sendMsgs:
			if err := s.sess.Send(sm.msg); err != nil {
				s.logger.Warn("failed to send message", slog.String("err", err.Error()))

				sm.errs <- err
				continue
			}
			if err := s.sess.Flush(); err != nil {
				s.logger.Warn("failed to flush message", slog.String("err", err.Error()))

				sm.errs <- err
				continue
			}

			sm.errs <- nil
		case <-s.done:
			return
		}
	}
}

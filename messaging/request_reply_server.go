package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/interceptors"
	"github.com/glimte/mmate-rpc/internal/reliability"
)

const (
	DefaultRequestGroup = "request-server-group"
	DefaultPushGroup    = "push-server-group"
)

// ErrNoHandler is reported to the caller when no handler accepts a command
var ErrNoHandler = errors.New("no handler for command")

// Request is an incoming record with deferred payload decoding
type Request struct {
	record *contracts.Record
	codec  contracts.Codec
}

// Record returns the underlying record
func (r *Request) Record() *contracts.Record {
	return r.record
}

// Command returns the CMD header
func (r *Request) Command() contracts.Command {
	return r.record.Command()
}

// CorrelationID returns the CORRELATION_ID header, empty for one-way messages
func (r *Request) CorrelationID() string {
	id, _ := r.record.CorrelationID()
	return id
}

// Key returns the partition key
func (r *Request) Key() string {
	return r.record.Key
}

// Payload returns the raw payload
func (r *Request) Payload() []byte {
	return r.record.Payload
}

// Decode decodes the payload into v, which must be a pointer
func (r *Request) Decode(v any) error {
	return contracts.Decode(r.codec, r.record.Payload, v)
}

// DecodeRequest decodes a request payload into a new T
func DecodeRequest[T any](r *Request) (T, error) {
	var v T
	err := r.Decode(&v)
	return v, err
}

// RequestHandler handles a request and returns the value to reply with
type RequestHandler interface {
	HandleRequest(ctx context.Context, req *Request) (any, error)
}

// RequestHandlerFunc is a function adapter for RequestHandler
type RequestHandlerFunc func(ctx context.Context, req *Request) (any, error)

// HandleRequest implements RequestHandler
func (f RequestHandlerFunc) HandleRequest(ctx context.Context, req *Request) (any, error) {
	return f(ctx, req)
}

// MessageHandler handles a one-way message from the push topic
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *Request) error
}

// MessageHandlerFunc is a function adapter for MessageHandler
type MessageHandlerFunc func(ctx context.Context, msg *Request) error

// HandleMessage implements MessageHandler
func (f MessageHandlerFunc) HandleMessage(ctx context.Context, msg *Request) error {
	return f(ctx, msg)
}

// UnknownCommandPolicy decides what happens to a request whose command has no handler
type UnknownCommandPolicy int

const (
	// RespondWithFallback hands the request to the fallback handler, or replies with
	// an error if there is none. The command tag is advisory.
	RespondWithFallback UnknownCommandPolicy = iota
	// DropUnknown logs and drops the request; the caller times out.
	DropUnknown
)

func (p UnknownCommandPolicy) String() string {
	switch p {
	case RespondWithFallback:
		return "respond"
	case DropUnknown:
		return "drop"
	default:
		return "unknown"
	}
}

// RequestReplyServer consumes the request and push topics, dispatches records by
// command tag and publishes replies to each request's reply topic.
type RequestReplyServer struct {
	subscriber TransportSubscriber
	publisher  TransportPublisher

	requestTopic string
	pushTopic    string
	requestGroup string
	pushGroup    string

	handlers        map[contracts.Command]RequestHandler
	fallback        RequestHandler
	messageHandlers map[contracts.Command]MessageHandler
	messageFallback MessageHandler
	unknownPolicy   UnknownCommandPolicy

	codec        contracts.Codec
	retryPolicy  reliability.RetryPolicy
	interceptors []interceptors.Interceptor
	chain        *interceptors.Chain
	metrics      MetricsCollector
	logger       *slog.Logger

	mu            sync.RWMutex
	running       bool
	subscriptions []Subscription
}

// ServerOption configures the RequestReplyServer
type ServerOption func(*RequestReplyServer)

// WithServerRequestTopic sets the request topic
func WithServerRequestTopic(topic string) ServerOption {
	return func(s *RequestReplyServer) {
		s.requestTopic = topic
	}
}

// WithServerPushTopic sets the push topic
func WithServerPushTopic(topic string) ServerOption {
	return func(s *RequestReplyServer) {
		s.pushTopic = topic
	}
}

// WithRequestGroup sets the consumer group for the request topic
func WithRequestGroup(groupID string) ServerOption {
	return func(s *RequestReplyServer) {
		s.requestGroup = groupID
	}
}

// WithPushGroup sets the consumer group for the push topic
func WithPushGroup(groupID string) ServerOption {
	return func(s *RequestReplyServer) {
		s.pushGroup = groupID
	}
}

// WithServerCodec sets the codec for requests and replies
func WithServerCodec(codec contracts.Codec) ServerOption {
	return func(s *RequestReplyServer) {
		s.codec = codec
	}
}

// WithServerRetryPolicy sets the handler retry policy
func WithServerRetryPolicy(policy reliability.RetryPolicy) ServerOption {
	return func(s *RequestReplyServer) {
		s.retryPolicy = policy
	}
}

// WithServerInterceptor adds an interceptor that runs inside the built-in ones
func WithServerInterceptor(interceptor interceptors.Interceptor) ServerOption {
	return func(s *RequestReplyServer) {
		s.interceptors = append(s.interceptors, interceptor)
	}
}

// WithServerMetrics sets the metrics collector
func WithServerMetrics(metrics MetricsCollector) ServerOption {
	return func(s *RequestReplyServer) {
		s.metrics = metrics
	}
}

// WithServerLogger sets the logger
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *RequestReplyServer) {
		s.logger = logger
	}
}

// WithUnknownCommandPolicy sets how requests without a matching handler are treated
func WithUnknownCommandPolicy(policy UnknownCommandPolicy) ServerOption {
	return func(s *RequestReplyServer) {
		s.unknownPolicy = policy
	}
}

// WithFallbackHandler handles requests whose command has no registered handler
func WithFallbackHandler(handler RequestHandler) ServerOption {
	return func(s *RequestReplyServer) {
		s.fallback = handler
	}
}

// WithMessageFallback handles one-way messages whose command has no registered handler
func WithMessageFallback(handler MessageHandler) ServerOption {
	return func(s *RequestReplyServer) {
		s.messageFallback = handler
	}
}

// NewRequestReplyServer creates a new request-reply server
func NewRequestReplyServer(subscriber TransportSubscriber, publisher TransportPublisher, opts ...ServerOption) (*RequestReplyServer, error) {
	if subscriber == nil {
		return nil, fmt.Errorf("subscriber cannot be nil")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}

	s := &RequestReplyServer{
		subscriber:      subscriber,
		publisher:       publisher,
		requestTopic:    DefaultRequestTopic,
		pushTopic:       DefaultPushTopic,
		requestGroup:    DefaultRequestGroup,
		pushGroup:       DefaultPushGroup,
		handlers:        make(map[contracts.Command]RequestHandler),
		messageHandlers: make(map[contracts.Command]MessageHandler),
		codec:           contracts.JSONCodec{},
		retryPolicy:     reliability.NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 2),
		metrics:         NoOpMetricsCollector{},
		logger:          slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.chain = interceptors.NewChain(s.logger).
		Add(interceptors.NewRecoveryInterceptor(s.logger)).
		Add(interceptors.NewLoggingInterceptor(s.logger)).
		Add(interceptors.NewMetricsInterceptor(s.metrics)).
		Add(interceptors.NewRetryInterceptor(s.retryPolicy).WithLogger(s.logger))
	for _, i := range s.interceptors {
		s.chain.Add(i)
	}

	return s, nil
}

// RegisterHandler registers a handler for a command
func (s *RequestReplyServer) RegisterHandler(cmd contracts.Command, handler RequestHandler) error {
	if cmd == "" {
		return contracts.ErrInvalidCommand
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("cannot register handler while server is running")
	}
	if _, exists := s.handlers[cmd]; exists {
		return fmt.Errorf("handler already registered for command: %s", cmd)
	}

	s.handlers[cmd] = handler
	s.logger.Info("registered request handler", "command", cmd)
	return nil
}

// RegisterMessageHandler registers a one-way message handler for a command
func (s *RequestReplyServer) RegisterMessageHandler(cmd contracts.Command, handler MessageHandler) error {
	if cmd == "" {
		return contracts.ErrInvalidCommand
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("cannot register handler while server is running")
	}
	if _, exists := s.messageHandlers[cmd]; exists {
		return fmt.Errorf("message handler already registered for command: %s", cmd)
	}

	s.messageHandlers[cmd] = handler
	s.logger.Info("registered message handler", "command", cmd)
	return nil
}

// HandlerCount returns the number of registered request handlers
func (s *RequestReplyServer) HandlerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers)
}

// Start subscribes to the request topic if any request handler exists, and to the
// push topic if any message handler exists.
func (s *RequestReplyServer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("server already running")
	}

	serveRequests := len(s.handlers) > 0 || s.fallback != nil
	servePush := len(s.messageHandlers) > 0 || s.messageFallback != nil
	if !serveRequests && !servePush {
		return fmt.Errorf("no handlers registered")
	}

	if serveRequests {
		sub, err := s.subscriber.Subscribe(ctx, s.requestTopic, s.requestGroup, s.handleRequest)
		if err != nil {
			return fmt.Errorf("failed to subscribe to request topic %s: %w", s.requestTopic, err)
		}
		s.subscriptions = append(s.subscriptions, sub)
	}

	if servePush {
		sub, err := s.subscriber.Subscribe(ctx, s.pushTopic, s.pushGroup, s.handlePush)
		if err != nil {
			s.closeSubscriptions()
			return fmt.Errorf("failed to subscribe to push topic %s: %w", s.pushTopic, err)
		}
		s.subscriptions = append(s.subscriptions, sub)
	}

	s.running = true
	s.logger.Info("request-reply server started",
		"requestTopic", s.requestTopic,
		"pushTopic", s.pushTopic,
		"handlers", len(s.handlers),
		"messageHandlers", len(s.messageHandlers),
		"unknownCommandPolicy", s.unknownPolicy)

	return nil
}

// Stop leaves both topics
func (s *RequestReplyServer) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return fmt.Errorf("server not running")
	}

	err := s.closeSubscriptions()
	s.running = false
	s.logger.Info("request-reply server stopped")
	return err
}

func (s *RequestReplyServer) closeSubscriptions() error {
	var errs []error
	for _, sub := range s.subscriptions {
		if err := sub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to leave %s: %w", sub.Topic(), err))
		}
	}
	s.subscriptions = nil
	return errors.Join(errs...)
}

func (s *RequestReplyServer) lookup(cmd contracts.Command) (RequestHandler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if h, ok := s.handlers[cmd]; ok {
		return h, true
	}
	if s.unknownPolicy == DropUnknown {
		return nil, false
	}
	if s.fallback != nil {
		return s.fallback, true
	}
	return RequestHandlerFunc(func(ctx context.Context, req *Request) (any, error) {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, req.Command())
	}), true
}

// handleRequest runs the handler for one request record and replies if asked to
func (s *RequestReplyServer) handleRequest(ctx context.Context, rec *contracts.Record) error {
	cmd := rec.Command()
	replyTopic, wantsReply := rec.ReplyTopic()
	correlationID, _ := rec.CorrelationID()

	handler, ok := s.lookup(cmd)
	if !ok {
		s.logger.Warn("dropping request with unknown command",
			"command", cmd,
			"correlationId", correlationID,
			"partition", rec.Partition,
			"offset", rec.Offset)
		return nil
	}

	result, err := s.chain.Execute(ctx, rec, interceptors.HandlerFunc(func(ctx context.Context, rec *contracts.Record) (any, error) {
		return handler.HandleRequest(ctx, &Request{record: rec, codec: s.codec})
	}))

	if !wantsReply || replyTopic == "" {
		return nil
	}
	if correlationID == "" {
		s.logger.Warn("cannot reply to request without correlation id",
			"command", cmd,
			"replyTopic", replyTopic,
			"error", contracts.ErrMalformedRecord)
		return nil
	}

	reply := contracts.NewRecord(rec.Key, nil)
	reply.SetHeader(contracts.HeaderCommand, cmd.String())
	reply.SetHeader(contracts.HeaderCorrelationID, correlationID)

	if err == nil {
		payload, encErr := s.codec.Marshal(result)
		if encErr != nil {
			err = fmt.Errorf("failed to encode reply: %w", encErr)
		} else {
			reply.Payload = payload
		}
	}
	if err != nil {
		reply.SetHeader(contracts.HeaderReplyError, err.Error())
	}

	start := time.Now()
	_, pubErr := s.publisher.Publish(ctx, replyTopic, reply)
	s.metrics.RecordPublish(replyTopic, time.Since(start), pubErr == nil)
	if pubErr != nil {
		s.logger.Error("failed to publish reply",
			"command", cmd,
			"correlationId", correlationID,
			"replyTopic", replyTopic,
			"error", pubErr)
		return pubErr
	}

	return nil
}

// handlePush runs the message handler for one push record
func (s *RequestReplyServer) handlePush(ctx context.Context, rec *contracts.Record) error {
	cmd := rec.Command()

	s.mu.RLock()
	handler, ok := s.messageHandlers[cmd]
	if !ok {
		handler = s.messageFallback
	}
	s.mu.RUnlock()

	if handler == nil {
		s.logger.Warn("dropping message with unknown command",
			"command", cmd,
			"partition", rec.Partition,
			"offset", rec.Offset)
		return nil
	}

	_, err := s.chain.Execute(ctx, rec, interceptors.HandlerFunc(func(ctx context.Context, rec *contracts.Record) (any, error) {
		return nil, handler.HandleMessage(ctx, &Request{record: rec, codec: s.codec})
	}))
	return err
}

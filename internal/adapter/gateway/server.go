package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"persona-hub/internal/domain"
	"persona-hub/internal/infra/middleware"
	"persona-hub/internal/infra/tracer"
	"persona-hub/internal/usecase/bridge"
)

// RPCHandler handles a single RPC method call.
type RPCHandler func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error)

// Options tunes the gateway.
type Options struct {
	Addr string
	// RequestsPerMinute and Burst bound RPC requests per connection.
	RequestsPerMinute int
	Burst             int
	// UpgradesPerMinute bounds /ws upgrades per client IP. Zero disables it.
	UpgradesPerMinute int
	TrustedProxies    []string
	// QueueSize is the outbound frame buffer per connection.
	QueueSize int
}

func (o Options) withDefaults() Options {
	if o.RequestsPerMinute <= 0 {
		o.RequestsPerMinute = 600
	}
	if o.Burst <= 0 {
		o.Burst = 50
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	return o
}

// clientConn tracks a single WebSocket connection.
type clientConn struct {
	id        uint64
	info      *ClientInfo
	ws        *websocket.Conn
	sendCh    chan Frame // buffered outbound queue
	done      chan struct{}
	closeOnce sync.Once
	limiter   *rate.Limiter
}

func (cc *clientConn) close() { cc.closeOnce.Do(func() { close(cc.done) }) }

// Server is the WebSocket gateway exposing the bridge operations as RPC
// methods and pushing subscription deliveries as event frames.
type Server struct {
	bridge     *bridge.Bridge
	auth       Authenticator
	security   domain.SecurityLogger
	opts       Options
	logger     *slog.Logger
	clients    sync.Map // connID (uint64) -> *clientConn
	handlersMu sync.RWMutex
	handlers   map[string]RPCHandler
	httpRoutes []httpRoute
	httpSrv    *http.Server
	bound      atomic.Value // string
	nextID     atomic.Uint64
	started    time.Time
}

type httpRoute struct {
	pattern string
	handler http.Handler
}

// NewServer creates a gateway server. The nine event.* methods and /healthz
// are registered; more routes may be added before Start.
func NewServer(b *bridge.Bridge, auth Authenticator, security domain.SecurityLogger, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		bridge:   b,
		auth:     auth,
		security: security,
		opts:     opts.withDefaults(),
		logger:   logger.With("component", "gateway"),
		handlers: make(map[string]RPCHandler),
	}
	registerEventHandlers(s)
	s.RegisterHTTPRoute("/healthz", http.HandlerFunc(s.healthHandler))
	return s
}

// RegisterHandler adds an RPC handler for the given method name.
// Safe to call concurrently with active connections.
func (s *Server) RegisterHandler(method string, handler RPCHandler) {
	s.handlersMu.Lock()
	s.handlers[method] = handler
	s.handlersMu.Unlock()
}

// RegisterHTTPRoute adds an HTTP handler to the gateway's mux.
// Must be called before Start.
func (s *Server) RegisterHTTPRoute(pattern string, handler http.Handler) {
	s.httpRoutes = append(s.httpRoutes, httpRoute{pattern: pattern, handler: handler})
}

// Handler builds the HTTP handler tree. The upgrade endpoint is rate limited
// per client IP; every response carries security headers.
func (s *Server) Handler(ctx context.Context) http.Handler {
	var upgrade http.Handler = http.HandlerFunc(s.handleUpgrade)
	if s.opts.UpgradesPerMinute > 0 {
		upgrade = middleware.RateLimitWithConfig(ctx, middleware.RateLimitConfig{
			RequestsPerMin: s.opts.UpgradesPerMinute,
			BurstSize:      s.opts.UpgradesPerMinute,
			TrustedProxies: s.opts.TrustedProxies,
			OnReject: func(r *http.Request, ip string) {
				s.logger.Warn("upgrade rate limited", "client_ip", ip)
			},
		})(upgrade)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", upgrade)
	for _, route := range s.httpRoutes {
		mux.Handle(route.pattern, route.handler)
	}
	return middleware.SecurityHeaders(mux)
}

// Start begins accepting WebSocket connections. Blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.started = time.Now()
	s.httpSrv = &http.Server{
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.bound.Store(listener.Addr().String())
	s.logger.Info("gateway started", "addr", s.BoundAddr())

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop closes every client connection and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.clients.Range(func(key, value any) bool {
		cc := value.(*clientConn)
		cc.close()
		cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
		return true
	})

	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// BoundAddr returns the actual address the server bound to. Empty before Start.
func (s *Server) BoundAddr() string {
	addr, _ := s.bound.Load().(string)
	return addr
}

// Connections returns the number of open client connections.
func (s *Server) Connections() int {
	n := 0
	s.clients.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	clientInfo, err := s.auth.Authenticate(token)
	if err != nil {
		s.audit(r.Context(), domain.SecurityEvent{
			Type:        domain.SecAccessViolation,
			Severity:    domain.SeverityMedium,
			Description: "gateway authentication failed",
			Details:     map[string]string{"client_ip": middleware.ClientIP(r, s.opts.TrustedProxies)},
		})
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	connID := s.nextID.Add(1)
	clientInfo.SinkID = fmt.Sprintf("conn-%d", connID)
	cc := &clientConn{
		id:      connID,
		info:    clientInfo,
		ws:      ws,
		sendCh:  make(chan Frame, s.opts.QueueSize),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(middleware.PerMinute(s.opts.RequestsPerMinute), s.opts.Burst),
	}
	s.clients.Store(connID, cc)
	s.bridge.AttachSink(clientInfo.SinkID, bridge.NotifierFunc(func(_ context.Context, n bridge.Notification) error {
		return s.push(cc, n)
	}))

	s.logger.Info("gateway client connected", "conn_id", connID, "client", clientInfo.Name, "roles", clientInfo.Roles)

	go s.writeLoop(cc)
	s.readLoop(r.Context(), cc)

	cc.close()
	s.clients.Delete(connID)
	released := s.bridge.Release(context.Background(), clientInfo.SinkID)
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("gateway client disconnected", "conn_id", connID, "subscriptions_released", released)
}

func (s *Server) readLoop(ctx context.Context, cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		default:
		}

		var frame Frame
		if err := wsjson.Read(ctx, cc.ws, &frame); err != nil {
			return
		}
		if frame.Type != FrameTypeRequest {
			continue
		}
		if !cc.limiter.Allow() {
			s.sendResponse(cc, frame.ID, nil, domain.ErrRateLimit)
			continue
		}
		go s.dispatchRPC(ctx, cc, frame)
	}
}

func (s *Server) writeLoop(cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		case frame := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := wsjson.Write(ctx, cc.ws, frame)
			cancel()
			if err != nil {
				cc.close()
				return
			}
		}
	}
}

var errQueueFull = errors.New("client send queue full")

// push queues a notification as an event frame. A full queue fails the
// delivery so the bridge breaker sees a slow client.
func (s *Server) push(cc *clientConn, n bridge.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	select {
	case <-cc.done:
		return net.ErrClosed
	default:
	}
	select {
	case cc.sendCh <- Frame{Type: FrameTypeEvent, Payload: payload}:
		return nil
	default:
		s.logger.Warn("dropped event for slow client", "conn_id", cc.id, "event_type", string(n.EventType))
		return errQueueFull
	}
}

func (s *Server) dispatchRPC(ctx context.Context, cc *clientConn, req Frame) {
	s.handlersMu.RLock()
	handler, ok := s.handlers[req.Method]
	s.handlersMu.RUnlock()
	if !ok {
		s.sendResponse(cc, req.ID, nil, domain.ErrRPCMethodNotFound)
		return
	}

	ctx = domain.ContextWithActor(ctx, cc.info.Name)
	ctx, span := tracer.StartSpan(ctx, "gateway.rpc")
	defer span.End()
	span.SetAttributes(tracer.StringAttr(tracer.AttrRPCMethod, req.Method))

	result, err := handler(ctx, cc.info, req.Payload)
	if err != nil {
		tracer.RecordError(span, err)
	} else {
		tracer.SetOK(span)
	}
	s.sendResponse(cc, req.ID, result, err)
}

func (s *Server) sendResponse(cc *clientConn, id uint64, result json.RawMessage, err error) {
	resp := Frame{
		Type:    FrameTypeResponse,
		ID:      id,
		Payload: result,
	}
	if err != nil {
		resp.Error = err.Error()
	}
	select {
	case cc.sendCh <- resp:
	default:
		s.logger.Warn("dropped RPC response for slow client", "conn_id", cc.id, "frame_id", id)
	}
}

func (s *Server) audit(ctx context.Context, ev domain.SecurityEvent) {
	if s.security == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := s.security.Log(ctx, ev); err != nil {
		s.logger.Warn("security log write failed", "error", err)
	}
}

// Package busclient is a Go client for the persona-hub WebSocket gateway.
//
// Example:
//
//	c, err := busclient.Dial(ctx, "ws://localhost:7420/ws", "plugin-token")
//	if err != nil { ... }
//	defer c.Close()
//	id, err := c.Subscribe(ctx, bridge.SubscribeRequest{
//	    EventType: domain.EventPersonaUpdated, PluginID: "notes", AccessToken: grant,
//	}, func(n bridge.Notification) { ... })
package busclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"persona-hub/internal/adapter/gateway"
	"persona-hub/internal/usecase/bridge"
)

// NotificationHandler receives pushed event deliveries. It runs on the
// client's read loop and must not block.
type NotificationHandler func(bridge.Notification)

// ErrClosed is returned by calls on a closed client.
var ErrClosed = errors.New("busclient: connection closed")

// maxEarly bounds notifications held for subscriptions whose id is not yet
// known to the client.
const maxEarly = 256

// RPCError is a failed call. Code is set when the gateway returned a bridge
// status alongside the error.
type RPCError struct {
	Method  string
	Message string
	Code    string
}

func (e *RPCError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Method, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Method, e.Message)
}

// Client is a connection to the gateway. It is safe for concurrent use.
type Client struct {
	ws         *websocket.Conn
	logger     *slog.Logger
	httpClient *http.Client
	fallback   NotificationHandler

	nextID  atomic.Uint64
	mu      sync.Mutex
	pending map[uint64]chan gateway.Frame
	subs    map[string]NotificationHandler
	early   []bridge.Notification

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to the gateway WebSocket endpoint at rawURL with token.
func Dial(ctx context.Context, rawURL, token string, opts ...Option) (*Client, error) {
	c := &Client{
		logger:  slog.Default(),
		pending: make(map[uint64]chan gateway.Frame),
		subs:    make(map[string]NotificationHandler),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("busclient: parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	ws, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPClient: c.httpClient})
	if err != nil {
		return nil, fmt.Errorf("busclient: dial: %w", err)
	}
	c.ws = ws
	go c.readLoop()
	return c, nil
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the read error that ended the connection, or nil while it is
// open or after Close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Close closes the connection. Pending calls fail with ErrClosed.
func (c *Client) Close() error {
	c.shutdown(nil)
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = err
		c.mu.Unlock()
		close(c.done)
	})
}

// Call invokes method with req as payload and decodes the response payload
// into resp, which may be nil. A response carrying an error is returned as
// *RPCError; resp is still filled when the gateway sent a payload.
func (c *Client) Call(ctx context.Context, method string, req, resp any) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	var payload json.RawMessage
	if req != nil {
		data, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("busclient: marshal %s: %w", method, err)
		}
		payload = data
	}

	id := c.nextID.Add(1)
	ch := make(chan gateway.Frame, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	frame := gateway.Frame{Type: gateway.FrameTypeRequest, ID: id, Method: method, Payload: payload}
	if err := wsjson.Write(ctx, c.ws, frame); err != nil {
		return fmt.Errorf("busclient: write %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	case res := <-ch:
		if resp != nil && len(res.Payload) > 0 {
			if err := json.Unmarshal(res.Payload, resp); err != nil {
				return fmt.Errorf("busclient: decode %s: %w", method, err)
			}
		}
		if res.Error != "" {
			rpcErr := &RPCError{Method: method, Message: res.Error}
			var st bridge.Status
			if json.Unmarshal(res.Payload, &st) == nil {
				rpcErr.Code = string(st.Code)
			}
			return rpcErr
		}
		return nil
	}
}

func (c *Client) readLoop() {
	ctx := context.Background()
	for {
		var frame gateway.Frame
		if err := wsjson.Read(ctx, c.ws, &frame); err != nil {
			c.shutdown(err)
			return
		}
		switch frame.Type {
		case gateway.FrameTypeResponse:
			c.mu.Lock()
			ch, ok := c.pending[frame.ID]
			c.mu.Unlock()
			if ok {
				ch <- frame
			}
		case gateway.FrameTypeEvent:
			var n bridge.Notification
			if err := json.Unmarshal(frame.Payload, &n); err != nil {
				c.logger.Warn("busclient: bad event frame", "error", err)
				continue
			}
			c.deliver(n)
		}
	}
}

func (c *Client) deliver(n bridge.Notification) {
	c.mu.Lock()
	h, ok := c.subs[n.SubscriptionID]
	if !ok && c.fallback == nil {
		if len(c.early) < maxEarly {
			c.early = append(c.early, n)
		} else {
			c.logger.Warn("busclient: dropped notification for unknown subscription", "subscription_id", n.SubscriptionID)
		}
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if !ok {
		h = c.fallback
	}
	h(n)
}

// Subscribe creates a subscription on this connection. handler receives its
// notifications; when nil they go to the WithNotificationHandler handler.
func (c *Client) Subscribe(ctx context.Context, req bridge.SubscribeRequest, handler NotificationHandler) (string, error) {
	var resp bridge.SubscribeResponse
	if err := c.Call(ctx, gateway.MethodSubscribe, req, &resp); err != nil {
		return "", err
	}
	if handler == nil {
		return resp.SubscriptionID, nil
	}

	c.mu.Lock()
	c.subs[resp.SubscriptionID] = handler
	var flush []bridge.Notification
	kept := c.early[:0]
	for _, n := range c.early {
		if n.SubscriptionID == resp.SubscriptionID {
			flush = append(flush, n)
		} else {
			kept = append(kept, n)
		}
	}
	c.early = kept
	c.mu.Unlock()

	for _, n := range flush {
		handler(n)
	}
	return resp.SubscriptionID, nil
}

// Unsubscribe removes a subscription and its handler.
func (c *Client) Unsubscribe(ctx context.Context, subscriptionID string) error {
	c.mu.Lock()
	delete(c.subs, subscriptionID)
	c.mu.Unlock()
	return c.Call(ctx, gateway.MethodUnsubscribe, bridge.UnsubscribeRequest{SubscriptionID: subscriptionID}, nil)
}

// Publish publishes an event.
func (c *Client) Publish(ctx context.Context, req bridge.PublishRequest) (bridge.PublishResponse, error) {
	var resp bridge.PublishResponse
	err := c.Call(ctx, gateway.MethodPublish, req, &resp)
	return resp, err
}

// GrantPluginAccess issues an access token. Requires the admin role.
func (c *Client) GrantPluginAccess(ctx context.Context, req bridge.GrantAccessRequest) (string, error) {
	var resp bridge.GrantAccessResponse
	err := c.Call(ctx, gateway.MethodGrantPluginAccess, req, &resp)
	return resp.AccessToken, err
}

// RevokePluginAccess revokes grants. Requires the admin role.
func (c *Client) RevokePluginAccess(ctx context.Context, req bridge.RevokeAccessRequest) (bridge.RevokeAccessResponse, error) {
	var resp bridge.RevokeAccessResponse
	err := c.Call(ctx, gateway.MethodRevokePluginAccess, req, &resp)
	return resp, err
}

// PerformanceMetrics returns metrics for eventType, or all types when empty.
func (c *Client) PerformanceMetrics(ctx context.Context, req bridge.PerformanceMetricsRequest) (bridge.PerformanceMetricsResponse, error) {
	var resp bridge.PerformanceMetricsResponse
	err := c.Call(ctx, gateway.MethodGetPerformanceMetrics, req, &resp)
	return resp, err
}

// SubscriptionStats returns aggregate subscription statistics.
func (c *Client) SubscriptionStats(ctx context.Context) (bridge.SubscriptionStatsResponse, error) {
	var resp bridge.SubscriptionStatsResponse
	err := c.Call(ctx, gateway.MethodGetSubscriptionStats, nil, &resp)
	return resp, err
}

// EventTypes lists the registered event types.
func (c *Client) EventTypes(ctx context.Context) (bridge.EventTypesResponse, error) {
	var resp bridge.EventTypesResponse
	err := c.Call(ctx, gateway.MethodGetEventTypes, nil, &resp)
	return resp, err
}

// ValidatePayload validates a payload against its event type's schema.
func (c *Client) ValidatePayload(ctx context.Context, req bridge.ValidatePayloadRequest) (bridge.ValidatePayloadResponse, error) {
	var resp bridge.ValidatePayloadResponse
	err := c.Call(ctx, gateway.MethodValidatePayload, req, &resp)
	return resp, err
}

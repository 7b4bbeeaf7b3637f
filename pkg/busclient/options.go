package busclient

import (
	"log/slog"
	"net/http"
)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets a custom slog.Logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithHTTPClient sets the HTTP client used for the upgrade request.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithNotificationHandler receives every notification that has no
// per-subscription handler.
func WithNotificationHandler(h NotificationHandler) Option {
	return func(c *Client) { c.fallback = h }
}

package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"persona-hub/internal/adapter/gateway"
)

// FetchHealth fetches /healthz once. A degraded gateway answers 503 with a body;
// the decoded response is returned alongside the error in that case.
func FetchHealth(ctx context.Context, client *http.Client, url string) (*gateway.HealthResponse, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var health gateway.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("decode %s: HTTP %d: %w", url, resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || health.Status != "ok" {
		return &health, fmt.Errorf("gateway %s (HTTP %d)", health.Status, resp.StatusCode)
	}
	return &health, nil
}

// WaitHealthy polls url every interval until it reports ok or ctx ends. The
// last check error is returned on timeout.
func WaitHealthy(ctx context.Context, client *http.Client, url string, interval time.Duration) (*gateway.HealthResponse, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		health, err := FetchHealth(ctx, client, url)
		if err == nil {
			return health, nil
		}
		select {
		case <-ctx.Done():
			return health, fmt.Errorf("%w: last check: %v", ctx.Err(), err)
		case <-ticker.C:
		}
	}
}

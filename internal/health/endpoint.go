package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// EndpointChecker implements health checking for an HTTP dependency such as
// the actuator or the discovery service.
type EndpointChecker struct {
	name   string
	url    string
	client *http.Client
}

// NewEndpointChecker creates a checker that requests baseURL joined with path.
// name identifies the dependency in error messages.
func NewEndpointChecker(name, baseURL, path string) *EndpointChecker {
	url := ""
	if baseURL != "" {
		url = strings.TrimRight(baseURL, "/") + path
	}
	return &EndpointChecker{
		name: name,
		url:  url,
		client: &http.Client{
			Timeout: 3 * time.Second,
			Transport: otelhttp.NewTransport(&http.Transport{
				MaxIdleConns:        16,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     30 * time.Second,
			}),
		},
	}
}

// HealthCheck issues a GET and treats any 2xx response as healthy.
func (e *EndpointChecker) HealthCheck(ctx context.Context) error {
	if e.url == "" {
		return fmt.Errorf("%s url not configured", e.name)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", e.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s unhealthy: unexpected status code %d", e.name, resp.StatusCode)
	}
	return nil
}

package toolgate

import (
	"net/http"
	"time"
)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithServerAddr sets the gateway base address (e.g. "http://127.0.0.1:8080").
// If not set, defaults to the TOOLGATE_SERVER_ADDR environment variable.
func WithServerAddr(addr string) Option {
	return func(c *Client) {
		c.serverAddr = addr
	}
}

// WithAPIKey sets the bearer API key for authenticating with the gateway.
// If not set, defaults to the TOOLGATE_API_KEY environment variable.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithTimeout sets the per-request HTTP timeout.
// If not set, defaults to the TOOLGATE_TIMEOUT environment variable or 10 seconds.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithPollInterval sets the interval between approval status polls in
// ProposeAndWait. If not set, defaults to 2 seconds.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		c.pollInterval = d
	}
}

// WithHTTPClient sets a custom http.Client for making requests.
// This is useful for testing, proxying, or custom transport configurations.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithOrchestrator sets the default orchestrator name attached to
// proposals that do not specify one.
func WithOrchestrator(name string) Option {
	return func(c *Client) {
		c.orchestrator = name
	}
}

// WithAgentRole sets the default agent role attached to proposals that
// do not specify one.
func WithAgentRole(role string) Option {
	return func(c *Client) {
		c.agentRole = role
	}
}

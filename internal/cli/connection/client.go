package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/yndnr/topomesh-go/internal/infra/buildinfo"
	"github.com/yndnr/topomesh-go/internal/server/adminserver"
	"github.com/yndnr/topomesh-go/internal/server/clusterserver"
)

// Client talks to one topomesh member: AdminService over connect, and the
// plain health endpoints.
type Client struct {
	*adminserver.Client

	baseURL string
	http    *http.Client
}

// New creates a client of the member at server (host:port or URL).
func New(server string, timeout time.Duration) *Client {
	httpClient := &http.Client{
		Timeout:   timeout,
		Transport: userAgent{next: http.DefaultTransport},
	}
	return &Client{
		Client:  adminserver.NewClient(httpClient, server),
		baseURL: clusterserver.BaseURL(server),
		http:    httpClient,
	}
}

// BaseURL returns the base URL of the member.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health is the body of /health and /ready.
type Health struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
	Time   string `json:"time,omitempty"`
}

// Ready fetches /ready. A member without a raft leader answers 503, which
// is returned as a Health value, not an error.
func (c *Client) Ready(ctx context.Context) (Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ready", nil)
	if err != nil {
		return Health{}, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Health{}, err
	}
	defer resp.Body.Close()

	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return Health{}, fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	return h, nil
}

type userAgent struct {
	next http.RoundTripper
}

func (u userAgent) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", "topomesh-cli/"+buildinfo.Version)
	return u.next.RoundTrip(req)
}

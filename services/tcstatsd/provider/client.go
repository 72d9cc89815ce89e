package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"tcstats/observability"
)

// Config represents the HTTP client configuration.
type Config struct {
	BaseURL           string
	TeamNumber        int
	Timeout           time.Duration
	RequestsPerMinute float64
	Burst             int
	HTTPClient        *http.Client
}

// Client looks users up against a Folding@Home style stats API:
// GET {base}/user/{name}/stats?passkey=...&team=... returning
// {"score": <points>, "wus": <units>}.
type Client struct {
	base       *url.URL
	teamNumber int
	httpClient *http.Client
	limiter    *rate.Limiter
}

type statsResponse struct {
	Score json.Number `json:"score"`
	WUs   json.Number `json:"wus"`
}

// NewClient constructs a client targeting the supplied base URL.
func NewClient(cfg Config) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, fmt.Errorf("provider: base url required")
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("provider: parse base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute/60.0), burst)
	}
	return &Client{
		base:       base,
		teamNumber: cfg.TeamNumber,
		httpClient: httpClient,
		limiter:    limiter,
	}, nil
}

// FetchTotals implements Provider.
func (c *Client) FetchTotals(ctx context.Context, id Identity) (Totals, error) {
	name := strings.TrimSpace(id.FoldingUserName)
	passkey := strings.TrimSpace(id.Passkey)
	if name == "" || passkey == "" {
		return Totals{}, ErrMissingCredential
	}
	started := time.Now()
	totals, err := c.fetch(ctx, name, passkey, c.team(id))
	observability.Provider().Observe(outcome(err), time.Since(started))
	return totals, err
}

func (c *Client) fetch(ctx context.Context, name, passkey string, team int) (Totals, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Totals{}, fmt.Errorf("%w: rate limit wait: %v", ErrConnectionFailure, err)
		}
	}

	endpoint := c.base.JoinPath("user", name, "stats")
	query := url.Values{}
	query.Set("passkey", passkey)
	if team > 0 {
		query.Set("team", strconv.Itoa(team))
	}
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return Totals{}, fmt.Errorf("provider: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Totals{}, fmt.Errorf("%w: %v", ErrConnectionFailure, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Totals{}, fmt.Errorf("%w: %s", ErrUserNotFound, name)
	case resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests:
		return Totals{}, fmt.Errorf("%w: upstream status %d", ErrConnectionFailure, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Totals{}, fmt.Errorf("provider: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Totals{}, fmt.Errorf("%w: decode stats: %v", ErrConnectionFailure, err)
	}
	points, err := parseCount(payload.Score)
	if err != nil {
		return Totals{}, fmt.Errorf("provider: score: %w", err)
	}
	units, err := parseCount(payload.WUs)
	if err != nil {
		return Totals{}, fmt.Errorf("provider: wus: %w", err)
	}
	return Totals{Points: points, Units: units}, nil
}

func (c *Client) team(id Identity) int {
	if id.TeamNumber > 0 {
		return id.TeamNumber
	}
	return c.teamNumber
}

func parseCount(raw json.Number) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	value, err := raw.Int64()
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", raw, err)
	}
	if value < 0 {
		return 0, fmt.Errorf("negative value %d", value)
	}
	return value, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrUserNotFound):
		return "not_found"
	case errors.Is(err, ErrConnectionFailure):
		return "connection_failure"
	default:
		return "error"
	}
}

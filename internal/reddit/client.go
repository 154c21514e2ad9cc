package reddit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/antoniostano/threadvoice/internal/observability"
)

const (
	defaultTokenURL = "https://www.reddit.com/api/v1/access_token"
	defaultAPIBase  = "https://oauth.reddit.com"
	requestTimeout  = 20 * time.Second
	maxErrorBody    = 4 << 10
)

// Config holds app-only credentials and endpoints.
type Config struct {
	ClientID     string
	ClientSecret string
	UserAgent    string
	TokenURL     string
	APIBase      string
	PollInterval time.Duration
}

// Client talks to the read-only parts of the API with an application token.
type Client struct {
	cfg     Config
	http    *http.Client
	tokens  oauth2.TokenSource
	logger  *zap.SugaredLogger
	metrics *observability.Metrics
}

// NewClient returns ErrNotConfigured when credentials are missing.
func NewClient(cfg Config, logger *zap.SugaredLogger, metrics *observability.Metrics) (*Client, error) {
	cfg.ClientID = strings.TrimSpace(cfg.ClientID)
	cfg.ClientSecret = strings.TrimSpace(cfg.ClientSecret)
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, ErrNotConfigured
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "threadvoice/1.0"
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = defaultTokenURL
	}
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	// Token and API requests both need the User-Agent; the API blocks default agents.
	base := &http.Client{
		Timeout:   requestTimeout,
		Transport: &userAgentTransport{agent: cfg.UserAgent, next: http.DefaultTransport},
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	tokens := cc.TokenSource(ctx)
	httpClient := oauth2.NewClient(ctx, tokens)
	httpClient.Timeout = requestTimeout

	return &Client{
		cfg:     cfg,
		http:    httpClient,
		tokens:  tokens,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Verify obtains an application token, proving the credentials work.
func (c *Client) Verify(ctx context.Context) error {
	if c == nil {
		return ErrNotConfigured
	}
	done := make(chan error, 1)
	go func() {
		_, err := c.tokens.Token()
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("obtain reddit token: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	u := c.cfg.APIBase + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body)), Header: resp.Header}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

type userAgentTransport struct {
	agent string
	next  http.RoundTripper
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Header.Set("User-Agent", t.agent)
	return t.next.RoundTrip(r)
}

type listing struct {
	Data struct {
		Children []struct {
			Kind string          `json:"kind"`
			Data json.RawMessage `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

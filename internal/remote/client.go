package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	defaultMaxRetries       = 3
	defaultTransientRetries = 2
	defaultBackoffBase      = 4 * time.Second
	defaultBackoffCap       = time.Minute
	defaultRequestInterval  = 2 * time.Second

	// rateLimitSignal is the error token the upstream service embeds in
	// throttled responses regardless of status code.
	rateLimitSignal = "exceed_query_limit"

	maxErrorBodyBytes = 4 << 10
)

var (
	// ErrRateLimited indicates the retry budget was exhausted against remote
	// throttling or repeated transient failures.
	ErrRateLimited = errors.New("remote: rate limit exceeded")
	// ErrAuthFailed indicates the remote service rejected the access token.
	ErrAuthFailed = errors.New("remote: authentication rejected")
	// ErrRemoteRejected indicates a non-retryable rejection other than auth.
	ErrRemoteRejected = errors.New("remote: request rejected")
	// ErrInvalidClientConfig indicates the client cannot be constructed.
	ErrInvalidClientConfig = errors.New("remote: invalid client config")

	errMissingBaseURL = errors.New("base url required")
	errMissingToken   = errors.New("access token required")

	errThrottled = errors.New("remote throttled")
	errTransient = errors.New("transient failure")
)

// Page holds one page of raw remote entities plus the continuation token for
// the next fetch. An empty token means the collection is exhausted.
type Page struct {
	Items         []json.RawMessage
	NextPageToken string
}

type pageDocument struct {
	Items         []json.RawMessage `json:"items"`
	NextPageToken string            `json:"nextPageToken"`
}

// ClientConfig bundles configuration required to instantiate a Client.
type ClientConfig struct {
	BaseURL     string
	AccessToken string

	// MaxRetries bounds attempts against rate-limit signals per page fetch.
	MaxRetries int
	// TransientRetries bounds attempts against timeouts and 5xx responses;
	// it is a separate, typically shorter budget.
	TransientRetries int
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	// RequestInterval is the minimum gap between any two requests issued by
	// this client, shared across all callers.
	RequestInterval time.Duration

	HTTPClient *http.Client
	Logger     *zap.Logger
	Clock      func() time.Time
}

// Client fetches entity pages from the remote task service. It owns the
// process-wide request pacing and retry state; it holds no cache state.
type Client struct {
	baseURL          string
	accessToken      string
	maxRetries       int
	transientRetries int
	backoffBase      time.Duration
	backoffCap       time.Duration

	httpClient *http.Client
	logger     *zap.Logger
	clock      func() time.Time
	pacer      *requestPacer
}

// NewClient constructs a client with validated configuration.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingBaseURL)
	}
	accessToken := strings.TrimSpace(cfg.AccessToken)
	if accessToken == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingToken)
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	transientRetries := cfg.TransientRetries
	if transientRetries <= 0 {
		transientRetries = defaultTransientRetries
	}
	backoffBase := cfg.BackoffBase
	if backoffBase <= 0 {
		backoffBase = defaultBackoffBase
	}
	backoffCap := cfg.BackoffCap
	if backoffCap < backoffBase {
		backoffCap = defaultBackoffCap
	}
	requestInterval := cfg.RequestInterval
	if requestInterval < 0 {
		requestInterval = defaultRequestInterval
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Client{
		baseURL:          baseURL,
		accessToken:      accessToken,
		maxRetries:       maxRetries,
		transientRetries: transientRetries,
		backoffBase:      backoffBase,
		backoffCap:       backoffCap,
		httpClient:       httpClient,
		logger:           logger,
		clock:            clock,
		pacer:            &requestPacer{interval: requestInterval, clock: clock},
	}, nil
}

// FetchPage retrieves one page of the named collection. A non-empty pageToken
// continues a previous fetch. Throttling and transient failures are retried
// with exponential backoff inside their respective budgets; exhaustion
// surfaces ErrRateLimited. Auth failures and other rejections are returned
// immediately without retry.
func (c *Client) FetchPage(ctx context.Context, kind EntityKind, pageToken string) (Page, error) {
	collection, err := kind.collection()
	if err != nil {
		return Page{}, err
	}

	var (
		page              Page
		throttleAttempts  int
		transientAttempts int
	)
	err = retry.Do(ctx, c.newBackoff(), func(ctx context.Context) error {
		if err := c.pacer.wait(ctx); err != nil {
			return err
		}

		fetched, fetchErr := c.fetchOnce(ctx, collection, pageToken)
		if fetchErr == nil {
			page = fetched
			return nil
		}

		switch {
		case errors.Is(fetchErr, errThrottled):
			throttleAttempts++
			if throttleAttempts >= c.maxRetries {
				return fmt.Errorf("%w: %d attempts against %s/%s: %v",
					ErrRateLimited, throttleAttempts, collection, pageToken, fetchErr)
			}
			c.logger.Warn("remote throttled, backing off",
				zap.String("collection", collection),
				zap.Int("attempt", throttleAttempts),
				zap.Int("budget", c.maxRetries))
			return retry.RetryableError(fetchErr)
		case errors.Is(fetchErr, errTransient):
			transientAttempts++
			if transientAttempts >= c.transientRetries {
				return fmt.Errorf("%w: transient failures exhausted for %s: %v",
					ErrRateLimited, collection, fetchErr)
			}
			c.logger.Warn("transient remote failure, backing off",
				zap.String("collection", collection),
				zap.Int("attempt", transientAttempts),
				zap.Int("budget", c.transientRetries),
				zap.Error(fetchErr))
			return retry.RetryableError(fetchErr)
		default:
			return fetchErr
		}
	})
	if err != nil {
		return Page{}, err
	}
	return page, nil
}

// newBackoff produces the exponential delay sequence used between attempts:
// base, doubling per attempt, capped.
func (c *Client) newBackoff() retry.Backoff {
	return retry.WithCappedDuration(c.backoffCap, retry.NewExponential(c.backoffBase))
}

func (c *Client) fetchOnce(ctx context.Context, collection, pageToken string) (Page, error) {
	url := fmt.Sprintf("%s/api/v1/%s", c.baseURL, collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Page{}, fmt.Errorf("%w: %v", ErrRemoteRejected, err)
	}
	if pageToken != "" {
		query := req.URL.Query()
		query.Set("pageToken", pageToken)
		req.URL.RawQuery = query.Encode()
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Accept", "application/json")

	response, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Page{}, ctx.Err()
		}
		return Page{}, fmt.Errorf("%w: %v", errTransient, err)
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusOK:
		var document pageDocument
		if err := json.NewDecoder(response.Body).Decode(&document); err != nil {
			return Page{}, fmt.Errorf("%w: decoding %s page: %v", ErrRemoteRejected, collection, err)
		}
		return Page{Items: document.Items, NextPageToken: document.NextPageToken}, nil
	case response.StatusCode == http.StatusTooManyRequests:
		return Page{}, fmt.Errorf("%w: status %d", errThrottled, response.StatusCode)
	case response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden:
		return Page{}, fmt.Errorf("%w: status %d", ErrAuthFailed, response.StatusCode)
	case response.StatusCode >= 500:
		return Page{}, fmt.Errorf("%w: status %d", errTransient, response.StatusCode)
	default:
		body, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		if strings.Contains(string(body), rateLimitSignal) {
			return Page{}, fmt.Errorf("%w: %s", errThrottled, rateLimitSignal)
		}
		return Page{}, fmt.Errorf("%w: status %d", ErrRemoteRejected, response.StatusCode)
	}
}

// requestPacer enforces a minimum gap between requests. All fetches issued by
// one client share it, so concurrent callers cannot multiply the budget.
type requestPacer struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
	clock    func() time.Time
}

func (p *requestPacer) wait(ctx context.Context) error {
	if p.interval <= 0 {
		return nil
	}
	p.mu.Lock()
	now := p.clock()
	wakeAt := p.last.Add(p.interval)
	if wakeAt.Before(now) {
		wakeAt = now
	}
	p.last = wakeAt
	p.mu.Unlock()

	delay := wakeAt.Sub(now)
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

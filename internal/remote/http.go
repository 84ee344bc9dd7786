package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/tarun080/parkingfinder/internal/spot"
)

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	// BaseURL is the remote store root, e.g. https://spots.example.com.
	BaseURL string

	// Token is sent as a bearer token when non-empty.
	Token string

	// Timeout bounds each request. Zero uses 15 seconds.
	Timeout time.Duration

	// Logger for subscription diagnostics. Nil uses stderr.
	Logger *log.Logger
}

// HTTPClient is a Client backed by the remote store's HTTP API.
type HTTPClient struct {
	base   *url.URL
	token  string
	http   *http.Client
	logger *log.Logger
}

// NewHTTPClient validates cfg and returns a client.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base URL must be http or https, got %q", base.Scheme)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	return &HTTPClient{
		base:   base,
		token:  cfg.Token,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: cfg.Logger,
	}, nil
}

// BaseURL returns the remote store root the client talks to.
func (c *HTTPClient) BaseURL() string {
	return c.base.String()
}

func (c *HTTPClient) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = c.base.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *HTTPClient) do(ctx context.Context, method, target string, body any) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	return resp, nil
}

// retryableStatus reports whether an HTTP status is worth retrying.
func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

// refusedStatus reports whether an HTTP status refuses the request rather
// than the mutation it carries.
func refusedStatus(code int) bool {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusMethodNotAllowed:
		return true
	}
	return false
}

// statusError turns a non-success response into an error, transient when
// the status is retryable.
func statusError(resp *http.Response) error {
	var er ErrorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &er) == nil && er.Error != "" {
		msg = er.Error
	}
	err := fmt.Errorf("remote returned %d: %s", resp.StatusCode, msg)
	if retryableStatus(resp.StatusCode) {
		return &TransientError{Err: err}
	}
	return err
}

// FetchChangedSince implements Client.
func (c *HTTPClient) FetchChangedSince(ctx context.Context, cursor string, limit int) (*Page, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	resp, err := c.do(ctx, http.MethodGet, c.endpoint(PathChanges, q), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch changes: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch changes: %w", statusError(resp))
	}
	var page Page
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, &TransientError{Err: fmt.Errorf("failed to decode change page: %w", err)}
	}
	return &page, nil
}

// Push implements Client.
func (c *HTTPClient) Push(ctx context.Context, id string, m spot.Mutation, expectedVersion int64) PushResult {
	target := c.endpoint(PathSpot+url.PathEscape(id)+"/push", nil)
	resp, err := c.do(ctx, http.MethodPost, target, PushRequest{Mutation: m, ExpectedVersion: expectedVersion})
	if err != nil {
		return PushResult{Outcome: Transient, Err: err}
	}
	defer resp.Body.Close()

	var pr PushResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	decodeErr := json.Unmarshal(data, &pr)

	switch {
	case resp.StatusCode == http.StatusOK:
		if decodeErr != nil {
			return PushResult{Outcome: Transient, Err: fmt.Errorf("failed to decode push response: %w", decodeErr)}
		}
		return PushResult{Outcome: Accepted, NewVersion: pr.Version}
	case resp.StatusCode == http.StatusConflict:
		if decodeErr != nil || pr.Spot == nil {
			return PushResult{Outcome: Transient, Err: fmt.Errorf("conflict response without current spot")}
		}
		return PushResult{Outcome: Conflict, Current: pr.Spot}
	case retryableStatus(resp.StatusCode):
		return PushResult{Outcome: Transient, Err: fmt.Errorf("remote returned %d: %s", resp.StatusCode, pr.Error)}
	case refusedStatus(resp.StatusCode):
		// The request never reached the spot; the mutation itself was not judged.
		return PushResult{Outcome: Transient, Err: fmt.Errorf("remote refused push with %d: %s", resp.StatusCode, pr.Error)}
	default:
		reason := pr.Error
		if reason == "" {
			reason = http.StatusText(resp.StatusCode)
		}
		return PushResult{Outcome: Rejected, Reason: reason}
	}
}

// Get implements Client.
func (c *HTTPClient) Get(ctx context.Context, id string) (*spot.Spot, error) {
	resp, err := c.do(ctx, http.MethodGet, c.endpoint(PathSpot+url.PathEscape(id), nil), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get spot %s: %w", id, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", spot.ErrNotFound, id)
	default:
		return nil, fmt.Errorf("failed to get spot %s: %w", id, statusError(resp))
	}
	var sp spot.Spot
	if err := json.NewDecoder(resp.Body).Decode(&sp); err != nil {
		return nil, fmt.Errorf("failed to decode spot %s: %w", id, err)
	}
	return &sp, nil
}

// Ping implements Pinger.
func (c *HTTPClient) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, c.endpoint(PathHealth, nil), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOffline, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health returned %d", ErrOffline, resp.StatusCode)
	}
	return nil
}

// Subscribe implements Client using the remote store's websocket feed.
func (c *HTTPClient) Subscribe(ctx context.Context) (<-chan ChangeNotice, error) {
	u := *c.base
	u.Path = c.base.Path + PathChangeWS
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}

	opts := &websocket.DialOptions{}
	if c.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.token}}
	}
	conn, _, err := websocket.Dial(ctx, u.String(), opts)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("failed to open change feed: %w", err)}
	}

	out := make(chan ChangeNotice, 64)
	go func() {
		defer close(out)
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
					c.logger.Printf("WARNING: change feed closed: %v", err)
				}
				return
			}
			var n ChangeNotice
			if err := json.Unmarshal(data, &n); err != nil || n.SpotID == "" {
				continue
			}
			select {
			case out <- n:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

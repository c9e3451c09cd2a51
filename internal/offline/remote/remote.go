// Package remote is the HTTP transport to the remote resource service.
//
// Mutations map onto verbs (create=POST, update=PATCH, delete=DELETE) against
// the operation's path. Every failure is reported in the offline error
// taxonomy so callers never inspect transport details:
//
//   - unreachable host, refused connection, timeout: model.ErrNetworkUnavailable
//   - non-2xx response: *model.StatusError carrying the decoded body
//   - 2xx response with a body that is not JSON: model.ErrSerialization
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
	"os"
	"strings"
	"time"

	"github.com/agritrace/offsync/internal/offline/model"
)

// maxBodySize bounds how much of a response body is read.
const maxBodySize = 8 << 20

// Client talks to the remote resource service.
type Client interface {
	// Do submits a mutation and returns the server representation, which may
	// be empty (for example on 204 No Content).
	Do(ctx context.Context, kind model.Kind, path string, payload json.RawMessage) (json.RawMessage, error)

	// Fetch reads the current representation at path.
	Fetch(ctx context.Context, path string) (json.RawMessage, error)

	// Ping checks that the service is reachable.
	Ping(ctx context.Context) error
}

// Config holds transport settings.
type Config struct {
	// BaseURL is prepended to every operation path, e.g. "https://api.example.org".
	BaseURL string

	// Timeout bounds a single call. Zero disables the per-call timeout.
	Timeout time.Duration

	// HealthPath is requested by Ping.
	HealthPath string

	// Tokens supplies the bearer token. Nil sends no Authorization header.
	Tokens TokenSource

	// HTTPClient overrides the underlying client. Nil uses a new http.Client.
	HTTPClient *http.Client

	// Logger receives request failures. Nil logs to stderr.
	Logger *log.Logger
}

// DefaultConfig returns the default transport settings for baseURL.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:    baseURL,
		Timeout:    15 * time.Second,
		HealthPath: "/health",
	}
}

// HTTPClient implements Client over net/http.
type HTTPClient struct {
	base       string
	timeout    time.Duration
	healthPath string
	tokens     TokenSource
	http       *http.Client
	logger     *log.Logger
}

// New creates an HTTPClient.
func New(cfg Config) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote base URL cannot be empty")
	}
	if !strings.HasPrefix(cfg.BaseURL, "http://") && !strings.HasPrefix(cfg.BaseURL, "https://") {
		return nil, fmt.Errorf("remote base URL must be http or https: %q", cfg.BaseURL)
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/health"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}

	return &HTTPClient{
		base:       strings.TrimRight(cfg.BaseURL, "/"),
		timeout:    cfg.Timeout,
		healthPath: cfg.HealthPath,
		tokens:     cfg.Tokens,
		http:       cfg.HTTPClient,
		logger:     cfg.Logger,
	}, nil
}

// BaseURL returns the configured service root.
func (c *HTTPClient) BaseURL() string {
	return c.base
}

// Do implements Client.Do.
func (c *HTTPClient) Do(ctx context.Context, kind model.Kind, path string, payload json.RawMessage) (json.RawMessage, error) {
	method, err := methodFor(kind)
	if err != nil {
		return nil, err
	}
	if kind == model.KindDelete && len(payload) == 0 {
		return c.call(ctx, method, path, nil)
	}
	return c.call(ctx, method, path, payload)
}

// Fetch implements Client.Fetch.
func (c *HTTPClient) Fetch(ctx context.Context, path string) (json.RawMessage, error) {
	return c.call(ctx, http.MethodGet, path, nil)
}

// Ping implements Client.Ping.
func (c *HTTPClient) Ping(ctx context.Context) error {
	_, err := c.call(ctx, http.MethodGet, c.healthPath, nil)
	return err
}

func methodFor(kind model.Kind) (string, error) {
	switch kind {
	case model.KindCreate:
		return http.MethodPost, nil
	case model.KindUpdate:
		return http.MethodPatch, nil
	case model.KindDelete:
		return http.MethodDelete, nil
	default:
		return "", fmt.Errorf("unknown operation kind %q", kind)
	}
}

func (c *HTTPClient) call(ctx context.Context, method, path string, body json.RawMessage) (json.RawMessage, error) {
	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(callCtx, method, c.base+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			c.logger.Printf("WARNING: failed to load token: %v", err)
		} else if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// A caller cancellation is not a connectivity signal.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%s %s: %w: %v", method, path, model.ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%s %s: %w: failed to read body: %v", method, path, model.ErrNetworkUnavailable, err)
	}
	data = bytes.TrimSpace(data)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := &model.StatusError{Method: method, Path: path, Code: resp.StatusCode}
		if len(data) > 0 && json.Valid(data) {
			se.Body = json.RawMessage(data)
		}
		return nil, se
	}

	if len(data) == 0 {
		return nil, nil
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%s %s: %w", method, path, model.ErrSerialization)
	}
	return json.RawMessage(data), nil
}

// IsUnreachable reports whether err means the remote could not be contacted.
func IsUnreachable(err error) bool {
	return errors.Is(err, model.ErrNetworkUnavailable)
}

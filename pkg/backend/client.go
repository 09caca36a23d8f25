// Package backend talks to the chat backend over HTTP: the streaming send
// endpoint and the history endpoint. It also provides simple credential
// providers.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsync/pkg/protocol"
)

const maxErrorBody = 4 << 10

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return "backend returned " + http.StatusText(e.StatusCode)
	}
	return "backend returned " + http.StatusText(e.StatusCode) + ": " + e.Body
}

type Options struct {
	// StreamClient carries the streaming POST. It must not set a Timeout;
	// cancellation comes from the request context.
	StreamClient *http.Client
	// HistoryRetries bounds retries of the idempotent history GET.
	HistoryRetries int
	HistoryTimeout time.Duration
	RetryWaitMin   time.Duration
	RetryWaitMax   time.Duration
	// HistoryCredentials, if set, authorizes history requests.
	HistoryCredentials CredentialProvider
}

// Client implements the stream transport and the history fetcher against one
// backend base URL.
type Client struct {
	baseURL string
	stream  *http.Client
	history *retryablehttp.Client
	creds   CredentialProvider
}

func NewClient(baseURL string, opts Options) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("backend url is empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, errors.Wrapf(err, "parse backend url %q", baseURL)
	}
	if opts.StreamClient == nil {
		opts.StreamClient = &http.Client{}
	}
	if opts.HistoryRetries <= 0 {
		opts.HistoryRetries = 3
	}
	if opts.HistoryTimeout <= 0 {
		opts.HistoryTimeout = 15 * time.Second
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = opts.HistoryRetries
	if opts.RetryWaitMin > 0 {
		rc.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		rc.RetryWaitMax = opts.RetryWaitMax
	}
	rc.HTTPClient.Timeout = opts.HistoryTimeout
	rc.Logger = leveledLogger{}
	// keep the last response so the caller sees the real status
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		baseURL: baseURL,
		stream:  opts.StreamClient,
		history: rc,
		creds:   opts.HistoryCredentials,
	}, nil
}

func (c *Client) BaseURL() string { return c.baseURL }

// Stream posts req and returns the streaming body. The caller closes it.
func (c *Client) Stream(ctx context.Context, token string, req protocol.ChatRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "encode chat request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/stream", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build chat request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.stream.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "post chat request")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp.Body, nil
}

// FetchHistory returns the stored messages of a remote session in order.
func (c *Client) FetchHistory(ctx context.Context, remoteID string) ([]protocol.HistoryRecord, error) {
	u := c.baseURL + "/sessions/" + url.PathEscape(remoteID) + "/messages"
	var records []protocol.HistoryRecord
	found, err := c.getJSON(ctx, u, &records)
	if err != nil {
		return nil, errors.Wrap(err, "get history")
	}
	if !found || records == nil {
		records = []protocol.HistoryRecord{}
	}
	return records, nil
}

// ListSessions returns the sessions the backend knows about, most recently
// active first. A non-positive limit leaves the choice to the backend.
func (c *Client) ListSessions(ctx context.Context, limit int) ([]protocol.SessionSummary, error) {
	u := c.baseURL + "/sessions"
	if limit > 0 {
		u += "?limit=" + strconv.Itoa(limit)
	}
	var sessions []protocol.SessionSummary
	if _, err := c.getJSON(ctx, u, &sessions); err != nil {
		return nil, errors.Wrap(err, "list sessions")
	}
	if sessions == nil {
		sessions = []protocol.SessionSummary{}
	}
	return sessions, nil
}

// getJSON runs a retried GET and decodes the body into v. It reports false
// without error on 404.
func (c *Client) getJSON(ctx context.Context, u string, v any) (bool, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if c.creds != nil {
		token, err := c.creds.Token(ctx)
		if err != nil {
			return false, errors.Wrap(err, "credentials")
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.history.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return false, errors.Wrap(err, "decode response")
	}
	return true, nil
}

func statusError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}

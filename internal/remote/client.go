package remote

import (
	"bytes"
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
	"unicode/utf8"

	apperrors "github.com/alexjbarnes/mirrorsync/internal/errors"
)

const (
	// httpClientTimeout applies when no custom http.Client is given.
	httpClientTimeout = 30 * time.Second

	// maxResponseBytes caps response body reads.
	maxResponseBytes = 4 * 1024 * 1024
)

// Client talks to the backend over HTTP. It implements Store, Invoker
// and AuthProvider; Subscribe is delegated to a websocket Subscriber.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      func() string
	subscriber *Subscriber
}

// apiError is the JSON error body returned by the backend.
type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// NewClient creates a client for baseURL. If httpClient is nil a client
// with a 30-second timeout is used.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: httpClientTimeout}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// SetTokenSource sets the bearer token provider used on every request.
func (c *Client) SetTokenSource(fn func() string) {
	c.token = fn
}

// SetSubscriber attaches the websocket subscriber serving Subscribe.
func (c *Client) SetSubscriber(s *Subscriber) {
	c.subscriber = s
}

// sanitizeResponseBody truncates a body for inclusion in error messages
// and replaces control characters.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean strings.Builder

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if (r == utf8.RuneError && size <= 1) || (r < 0x20 && r != '\n' && r != '\t') {
			clean.WriteByte('?')
		} else {
			clean.Write(body[:size])
		}

		body = body[size:]
	}

	return clean.String()
}

func isTransientStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= http.StatusInternalServerError
}

func storeEndpoint(path string) string {
	segs := strings.Split(Join(path), "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}

	return "/v1/store/" + strings.Join(segs, "/")
}

// do sends a JSON request and decodes the response into result. 404
// maps to ErrNotFound; other 4xx responses are permanent.
func (c *Client) do(ctx context.Context, method, endpoint string, body, result any) error {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.token != nil {
		if tok := c.token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", apperrors.ErrRemoteRequest, method, endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: reading response from %s: %w", apperrors.ErrRemoteRequest, endpoint, err)
	}

	if resp.StatusCode == http.StatusNotFound && !strings.HasPrefix(endpoint, "/v1/functions/") {
		return fmt.Errorf("%s: %w", endpoint, apperrors.ErrNotFound)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := sanitizeResponseBody(respBody)

		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}

		if isTransientStatus(resp.StatusCode) {
			return fmt.Errorf("%w: %s %s (%d): %s", apperrors.ErrRemoteRequest, method, endpoint, resp.StatusCode, msg)
		}

		return fmt.Errorf("%w: %s %s (%d): %s", apperrors.ErrPermanent, method, endpoint, resp.StatusCode, msg)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("%w: decoding response from %s: %w", apperrors.ErrRemoteResponse, endpoint, err)
		}
	}

	return nil
}

// Get implements Store.
func (c *Client) Get(ctx context.Context, path string) (Entry, error) {
	var e Entry
	if err := c.do(ctx, http.MethodGet, storeEndpoint(path), nil, &e); err != nil {
		return Entry{}, err
	}

	if e.Path == "" {
		e.Path = Join(path)
	}

	e.Key = Base(e.Path)

	return e, nil
}

// Set implements Store.
func (c *Client) Set(ctx context.Context, path string, value any) error {
	return c.do(ctx, http.MethodPut, storeEndpoint(path), value, nil)
}

// Update implements Store.
func (c *Client) Update(ctx context.Context, path string, fields map[string]any) error {
	return c.do(ctx, http.MethodPatch, storeEndpoint(path), fields, nil)
}

// Delete implements Store.
func (c *Client) Delete(ctx context.Context, path string) error {
	err := c.do(ctx, http.MethodDelete, storeEndpoint(path), nil, nil)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil
	}

	return err
}

// List implements Store.
func (c *Client) List(ctx context.Context, prefix string, limit int) ([]Entry, error) {
	q := url.Values{"children": {"1"}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var resp struct {
		Entries []Entry `json:"entries"`
	}

	err := c.do(ctx, http.MethodGet, storeEndpoint(prefix)+"?"+q.Encode(), nil, &resp)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	for i := range resp.Entries {
		resp.Entries[i].Key = Base(resp.Entries[i].Path)
	}

	return resp.Entries, nil
}

// Subscribe implements Store via the attached websocket subscriber.
func (c *Client) Subscribe(ctx context.Context, prefix string, fn func(Event)) (Subscription, error) {
	if c.subscriber == nil {
		return nil, fmt.Errorf("%w: no subscriber configured", apperrors.ErrPermanent)
	}

	return c.subscriber.Subscribe(ctx, prefix, fn)
}

// Invoke implements Invoker. A 404 or 501 from the functions endpoint
// is reported as a FunctionError so callers can detect an older backend.
func (c *Client) Invoke(ctx context.Context, name string, req, resp any) error {
	endpoint := "/v1/functions/" + url.PathEscape(name)

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	if c.token != nil {
		if tok := c.token(); tok != "" {
			httpReq.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: invoking %s: %w", apperrors.ErrRemoteRequest, name, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: reading %s response: %w", apperrors.ErrRemoteRequest, name, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		fe := &FunctionError{Function: name, Code: CodeInternal, Message: sanitizeResponseBody(body)}

		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			fe.Message = apiErr.Error
			fe.Code = apiErr.Code
		}

		switch httpResp.StatusCode {
		case http.StatusNotFound:
			fe.Code = CodeNotFound
		case http.StatusNotImplemented:
			fe.Code = CodeUnimplemented
		}

		return fe
	}

	if resp == nil {
		return nil
	}

	if err := json.Unmarshal(body, resp); err != nil {
		return fmt.Errorf("%w: decoding %s response: %w", apperrors.ErrRemoteResponse, name, err)
	}

	return nil
}

type credentialRequest struct {
	Token      string `json:"token,omitempty"`
	Credential string `json:"credential,omitempty"`
}

// CurrentSession implements AuthProvider.
func (c *Client) CurrentSession(ctx context.Context, token string) (Session, error) {
	var s Session
	if err := c.do(ctx, http.MethodPost, "/v1/auth/session", credentialRequest{Token: token}, &s); err != nil {
		return Session{}, err
	}

	return s, validSession(s)
}

// SignInWithRecovery implements AuthProvider.
func (c *Client) SignInWithRecovery(ctx context.Context, credential string) (Session, error) {
	var s Session
	if err := c.do(ctx, http.MethodPost, "/v1/auth/recover", credentialRequest{Credential: credential}, &s); err != nil {
		return Session{}, err
	}

	return s, validSession(s)
}

// SignInAnonymously implements AuthProvider.
func (c *Client) SignInAnonymously(ctx context.Context) (Session, error) {
	var s Session
	if err := c.do(ctx, http.MethodPost, "/v1/auth/anonymous", struct{}{}, &s); err != nil {
		return Session{}, err
	}

	return s, validSession(s)
}

func validSession(s Session) error {
	if s.AccountID == "" || s.Token == "" {
		return fmt.Errorf("%w: session missing account or token", apperrors.ErrRemoteResponse)
	}

	return nil
}

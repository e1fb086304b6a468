package platform

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

	"github.com/failsafe-go/failsafe-go"
	"github.com/gabriel-vasile/mimetype"

	"frameworks/api_publisher/internal/failure"
	"frameworks/pkg/clients"
	"frameworks/pkg/logging"
	"frameworks/pkg/models"
	"frameworks/pkg/version"
)

const (
	maxErrorBody = 64 << 10
	maxMediaSize = 512 << 20
)

// HTTPOptions are shared by every adapter.
type HTTPOptions struct {
	Client   *http.Client
	Executor failsafe.Executor[*http.Response]
	Logger   logging.Logger
}

// statusHook lets an adapter map a response before the generic rules apply.
// Returning nil falls through.
type statusHook func(status int, body []byte) *failure.Error

// apiClient performs JSON calls against one platform.
type apiClient struct {
	platform models.Platform
	client   *http.Client
	exec     failsafe.Executor[*http.Response]
	logger   logging.Logger
	hook     statusHook
	headers  map[string]string
}

func newAPIClient(platform models.Platform, opts HTTPOptions, hook statusHook) *apiClient {
	if opts.Client == nil {
		opts.Client = clients.NewHTTPClient(60 * time.Second)
	}
	if opts.Executor == nil {
		cfg := clients.DefaultHTTPExecutorConfig(strings.ToLower(string(platform)))
		cfg.CircuitBreaker = true
		cfg.Logger = opts.Logger
		opts.Executor = clients.NewHTTPExecutor(cfg)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewDiscardLogger()
	}
	return &apiClient{
		platform: platform,
		client:   opts.Client,
		exec:     opts.Executor,
		logger:   opts.Logger,
		hook:     hook,
		headers:  map[string]string{},
	}
}

// request describes one call. body is rebuilt for every attempt.
type request struct {
	method      string
	url         string
	token       string
	contentType string
	body        func() (io.Reader, error)
	basicUser   string
	basicPass   string
}

func jsonBody(v any) (func() (io.Reader, error), error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return func() (io.Reader, error) { return bytes.NewReader(raw), nil }, nil
}

func formBody(values url.Values) func() (io.Reader, error) {
	encoded := values.Encode()
	return func() (io.Reader, error) { return strings.NewReader(encoded), nil }
}

// do executes req and decodes a 2xx JSON body into out (when non-nil). Any
// other outcome is returned as a classified *failure.Error.
func (c *apiClient) do(ctx context.Context, req request, out any) (http.Header, error) {
	resp, err := clients.ExecuteHTTP(ctx, c.exec, func() (*http.Response, error) {
		var body io.Reader
		if req.body != nil {
			b, err := req.body()
			if err != nil {
				return nil, err
			}
			body = b
		}
		httpReq, err := http.NewRequestWithContext(ctx, req.method, req.url, body)
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("User-Agent", version.UserAgent())
		httpReq.Header.Set("Accept", "application/json")
		for k, v := range c.headers {
			httpReq.Header.Set(k, v)
		}
		if req.contentType != "" {
			httpReq.Header.Set("Content-Type", req.contentType)
		}
		if req.token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+req.token)
		}
		if req.basicUser != "" {
			httpReq.SetBasicAuth(req.basicUser, req.basicPass)
		}
		return c.client.Do(httpReq)
	})
	if err != nil {
		return nil, failure.Transient(c.platform, err, "%s %s: %v", req.method, redact(req.url), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil {
			raw, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, failure.Transient(c.platform, err, "read response: %v", err)
			}
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, out); err != nil {
					return nil, failure.Transient(c.platform, err, "decode response: %v", err)
				}
			}
		}
		return resp.Header, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	fe := c.classify(resp.StatusCode, resp.Header, body)
	c.logger.WithFields(logging.Fields{
		"platform": c.platform,
		"method":   req.method,
		"url":      redact(req.url),
		"status":   resp.StatusCode,
		"code":     fe.Code,
	}).Debug("Platform API call failed")
	return resp.Header, fe
}

func (c *apiClient) classify(status int, header http.Header, body []byte) *failure.Error {
	if c.hook != nil {
		if fe := c.hook(status, body); fe != nil {
			return fe
		}
	}
	return classifyStatus(c.platform, status, header, body)
}

// classifyStatus maps an HTTP failure onto the failure taxonomy.
func classifyStatus(platform models.Platform, status int, header http.Header, body []byte) *failure.Error {
	msg := errorMessage(body)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return failure.Auth(platform, "HTTP %d: %s", status, msg)
	case status == http.StatusTooManyRequests:
		return failure.RateLimit(platform, retryAfter(header, time.Now()), "rate limited: %s", msg)
	case status >= 500:
		return failure.Transient(platform, nil, "HTTP %d: %s", status, msg)
	default:
		return failure.Validation(platform, "HTTP %d: %s", status, msg)
	}
}

// errorMessage pulls a human readable message out of common error shapes.
func errorMessage(body []byte) string {
	var shapes struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
		Title   string `json:"title"`
		Error   any    `json:"error"`
		Errors  []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &shapes); err == nil {
		switch {
		case shapes.Detail != "":
			return shapes.Detail
		case shapes.Message != "":
			return shapes.Message
		case len(shapes.Errors) > 0 && shapes.Errors[0].Message != "":
			return shapes.Errors[0].Message
		}
		switch e := shapes.Error.(type) {
		case string:
			return e
		case map[string]any:
			if m, ok := e["message"].(string); ok {
				return m
			}
		}
		if shapes.Title != "" {
			return shapes.Title
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	if s == "" {
		return "no response body"
	}
	return s
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(header http.Header, now time.Time) time.Duration {
	v := strings.TrimSpace(header.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	for _, k := range []string{"access_token", "refresh_token", "client_secret"} {
		if q.Has(k) {
			q.Set(k, "REDACTED")
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// media is a downloaded attachment.
type media struct {
	URL      string
	Data     []byte
	MIMEType string
}

// fetchMedia downloads url and sniffs its real content type. A type the
// rules do not allow is a validation failure.
func (c *apiClient) fetchMedia(ctx context.Context, rawURL string, rules Rules) (*media, error) {
	resp, err := clients.ExecuteHTTP(ctx, c.exec, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", version.UserAgent())
		return c.client.Do(req)
	})
	if err != nil {
		return nil, failure.Transient(c.platform, err, "fetch media %s: %v", rawURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return nil, failure.Transient(c.platform, nil, "fetch media %s: HTTP %d", rawURL, resp.StatusCode)
	case resp.StatusCode >= 300:
		return nil, failure.Validation(c.platform, "fetch media %s: HTTP %d", rawURL, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaSize+1))
	if err != nil {
		return nil, failure.Transient(c.platform, err, "read media %s: %v", rawURL, err)
	}
	if len(data) > maxMediaSize {
		return nil, failure.Validation(c.platform, "media %s exceeds %d bytes", rawURL, maxMediaSize)
	}

	detected := mimetype.Detect(data)
	mediaType := ""
	for _, allowed := range rules.MediaTypes {
		if detected.Is(allowed) {
			mediaType = allowed
			break
		}
	}
	if mediaType == "" {
		return nil, failure.Validation(c.platform, "media %s is %s, which is not supported", rawURL, detected.String())
	}
	return &media{URL: rawURL, Data: data, MIMEType: mediaType}, nil
}

// refreshFailure wraps any refresh error as AUTH_ERROR.
func refreshFailure(platform models.Platform, err error) error {
	var fe *failure.Error
	if errors.As(err, &fe) && fe.Code == failure.CodeAuth {
		return fe
	}
	return failure.Auth(platform, "token refresh failed: %v", err)
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (t tokenResponse) credentials(now time.Time, previousRefresh string) (Credentials, error) {
	if t.AccessToken == "" {
		return Credentials{}, fmt.Errorf("token response has no access_token")
	}
	creds := Credentials{AccessToken: t.AccessToken, RefreshToken: t.RefreshToken}
	if creds.RefreshToken == "" {
		creds.RefreshToken = previousRefresh
	}
	if t.ExpiresIn > 0 {
		exp := now.Add(time.Duration(t.ExpiresIn) * time.Second)
		creds.ExpiresAt = &exp
	}
	return creds, nil
}

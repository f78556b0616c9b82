// Package backend is the HTTP adapter for the home-automation backend.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// maxBodySize bounds how much of a response body is read.
const maxBodySize = 1 << 20

// Client talks to the backend. One Client (and its connection pool and
// rate limiter) is shared by every device handler.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a new backend client.
// host may be "host:port" or a full base URL.
func NewClient(host, token string, timeout time.Duration, rateLimitRPS float64) *Client {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	if rateLimitRPS == 0 {
		rateLimitRPS = 20.0
	}

	base := strings.TrimRight(host, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}

	burst := int(rateLimitRPS)
	if burst < 1 {
		burst = 1
	}

	return &Client{
		baseURL: base,
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
			// POST /set answers 302 on success; surface it instead of following.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		limiter: rate.NewLimiter(rate.Limit(rateLimitRPS), burst),
	}
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// BaseURL returns the backend base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &Error{Op: method, Path: path, Kind: KindOperationCanceled, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, &Error{Op: method, Path: path, Kind: KindUnknown, Err: err}
	}
	requestID := uuid.NewString()
	req.Header.Set("X-Request-ID", requestID)
	req.AddCookie(&http.Cookie{Name: "auth", Value: c.token})
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		kind := classifyTransport(err)
		log.Debug().
			Err(err).
			Str("method", method).
			Str("path", path).
			Str("request_id", requestID).
			Str("kind", kind.String()).
			Msg("Backend request failed")
		return nil, &Error{Op: method, Path: path, Kind: kind, Err: err}
	}

	log.Debug().
		Str("method", method).
		Str("path", path).
		Str("request_id", requestID).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("Backend request")

	return resp, nil
}

// get issues a GET and returns the body of a 2xx response.
func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &Error{Op: http.MethodGet, Path: path, Kind: classifyTransport(err), Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{Op: http.MethodGet, Path: path, Kind: kindForStatus(resp.StatusCode), Status: resp.StatusCode}
	}
	return data, nil
}

func isDeviceNotFound(body []byte) bool {
	return strings.TrimSpace(string(body)) == deviceNotFoundBody
}

// Schema fetches the device schema (GET /get_schema).
func (c *Client) Schema(ctx context.Context) (map[string]SchemaEntry, error) {
	const path = "/get_schema"
	data, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}

	var schema map[string]SchemaEntry
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, &Error{Op: http.MethodGet, Path: path, Kind: KindMalformedResponse, Err: err}
	}
	return schema, nil
}

// DeviceType fetches a device's type tag (GET /get_type/{id}).
func (c *Client) DeviceType(ctx context.Context, id string) (string, error) {
	data, err := c.get(ctx, "/get_type/"+url.PathEscape(id))
	if err != nil {
		return "", err
	}
	if isDeviceNotFound(data) {
		return "", ErrDeviceNotFound
	}
	return strings.TrimSpace(string(data)), nil
}

// Device fetches a device's current state (GET /get/{id}).
// It returns ErrDeviceNotFound for the backend's not-found sentinel body.
func (c *Client) Device(ctx context.Context, id string) (*DevicePayload, error) {
	path := "/get/" + url.PathEscape(id)
	data, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}
	if isDeviceNotFound(data) {
		return nil, ErrDeviceNotFound
	}

	var payload DevicePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, &Error{Op: http.MethodGet, Path: path, Kind: KindMalformedResponse, Err: err}
	}
	return &payload, nil
}

// SetDevice sends a partial state update (POST /set/{id}).
// Any 2xx or 302 response counts as accepted; the body is ignored.
func (c *Client) SetDevice(ctx context.Context, id string, partial map[string]any) error {
	path := "/set/" + url.PathEscape(id)
	body, err := json.Marshal(partial)
	if err != nil {
		return fmt.Errorf("failed to encode command for %s: %w", id, err)
	}

	resp, err := c.do(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))

	if (resp.StatusCode >= 200 && resp.StatusCode <= 299) || resp.StatusCode == http.StatusFound {
		return nil
	}
	return &Error{Op: http.MethodPost, Path: path, Kind: kindForStatus(resp.StatusCode), Status: resp.StatusCode}
}

// DeviceName fetches a device's human name (GET /name/{id}).
func (c *Client) DeviceName(ctx context.Context, id string) (string, error) {
	data, err := c.get(ctx, "/name/"+url.PathEscape(id))
	if err != nil {
		return "", err
	}
	if isDeviceNotFound(data) {
		return "", ErrDeviceNotFound
	}
	return strings.TrimSpace(string(data)), nil
}

// SetDeviceName renames a device (GET /set_name/{id}/{name}).
func (c *Client) SetDeviceName(ctx context.Context, id, name string) error {
	_, err := c.get(ctx, "/set_name/"+url.PathEscape(id)+"/"+url.PathEscape(name))
	return err
}

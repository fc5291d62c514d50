//
// Tencent is pleased to support the open source community by making trpc-omero-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-omero-go is licensed under the Apache License Version 2.0.
//
//

package httpgw

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"trpc.group/trpc-go/trpc-omero-go/gateway"
)

const (
	defaultTimeout       = 60 * time.Second
	defaultStatusTimeout = 5 * time.Second
	maxErrorBody         = 4 << 10
)

var (
	_ gateway.Gateway       = (*Client)(nil)
	_ gateway.StatusChecker = (*Client)(nil)
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.hc = hc
		}
	}
}

// WithTimeout sets the timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.hc = &http.Client{Timeout: d}
		}
	}
}

// Client is a gateway.Gateway speaking to a bridge served by NewHandler.
type Client struct {
	base string
	hc   *http.Client

	mu    sync.Mutex
	token string
}

// New creates a Client for the bridge at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("httpgw: parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("httpgw: base url %q needs a scheme and a host", baseURL)
	}
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		hc:   &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Connect logs in through the bridge.
func (c *Client) Connect(ctx context.Context, creds gateway.Credentials) (*gateway.Login, error) {
	var login gateway.Login
	if err := c.call(ctx, http.MethodPost, routeConnect, gateway.SecurityContext{}, creds, &login); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.token = login.SessionToken
	c.mu.Unlock()
	return &login, nil
}

// Disconnect logs out through the bridge. The client forgets its token
// even when the call fails, so it never reports a session it tried to
// drop.
func (c *Client) Disconnect(ctx context.Context) error {
	err := c.call(ctx, http.MethodPost, routeDisconnect, gateway.SecurityContext{}, nil, nil)
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
	return err
}

// IsConnected reports whether this client's session is live on the
// bridge. A bridge that cannot be asked counts as not connected; Status
// tells the two apart.
func (c *Client) IsConnected() bool {
	ok, err := c.Status(context.Background())
	return err == nil && ok
}

// Status asks the bridge whether this client's session is live. The error
// is non-nil only when the bridge could not be asked.
func (c *Client) Status(ctx context.Context) (bool, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token == "" {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, defaultStatusTimeout)
	defer cancel()
	var status statusResponse
	if err := c.call(ctx, http.MethodGet, routeStatus, gateway.SecurityContext{}, nil, &status); err != nil {
		return false, err
	}
	return status.Connected && status.SessionToken == token, nil
}

// Browse returns the browsing service.
func (c *Client) Browse(sc gateway.SecurityContext) (gateway.Browser, error) {
	return &browser{c: c, sc: sc}, nil
}

// Metadata returns the metadata service.
func (c *Client) Metadata(sc gateway.SecurityContext) (gateway.Metadata, error) {
	return &metadata{c: c, sc: sc}, nil
}

// DataManager returns the data-management service.
func (c *Client) DataManager(sc gateway.SecurityContext) (gateway.DataManager, error) {
	return &dataManager{c: c, sc: sc}, nil
}

// Exporter opens an export proxy on the bridge.
func (c *Client) Exporter(ctx context.Context, sc gateway.SecurityContext) (gateway.Exporter, error) {
	var resp handleResponse
	if err := c.call(ctx, http.MethodPost, routeExporters, sc, nil, &resp); err != nil {
		return nil, err
	}
	return &exporter{c: c, sc: sc, handle: resp.Handle}, nil
}

// RawFileStore opens a raw file store proxy on the bridge.
func (c *Client) RawFileStore(ctx context.Context, sc gateway.SecurityContext, fileID int64) (gateway.RawFileStore, error) {
	var resp handleResponse
	if err := c.call(ctx, http.MethodPost, expand(routeFileStores, "id", itoa(fileID)), sc, nil, &resp); err != nil {
		return nil, err
	}
	return &rawFileStore{c: c, sc: sc, handle: resp.Handle}, nil
}

// ThumbnailStore opens a thumbnail proxy on the bridge.
func (c *Client) ThumbnailStore(ctx context.Context, sc gateway.SecurityContext) (gateway.ThumbnailStore, error) {
	var resp handleResponse
	if err := c.call(ctx, http.MethodPost, routeThumbnailStores, sc, nil, &resp); err != nil {
		return nil, err
	}
	return &thumbnailStore{c: c, sc: sc, handle: resp.Handle}, nil
}

// call sends a JSON request and decodes a JSON response into out when out
// is non-nil.
func (c *Client) call(ctx context.Context, method, path string, sc gateway.SecurityContext, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("httpgw: encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(b)
	}
	resp, err := c.send(ctx, method, path, sc, body, contentTypeJSON)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("httpgw: decode %s %s: %w", method, path, err)
	}
	return nil
}

// send performs a request and turns non-2xx responses into errors. The
// caller closes the body of a successful response.
func (c *Client) send(ctx context.Context, method, path string, sc gateway.SecurityContext,
	body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("httpgw: build %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	c.mu.Lock()
	if c.token != "" {
		req.Header.Set(HeaderSession, c.token)
	}
	c.mu.Unlock()
	req.Header.Set(HeaderGroup, strconv.FormatInt(sc.GroupID, 10))

	resp, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("httpgw: %s %s: %w", method, path, ctx.Err())
		}
		return nil, fmt.Errorf("httpgw: %s %s: %v: %w", method, path, err, gateway.ErrOutOfService)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	msg := http.StatusText(resp.StatusCode)
	var er errorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if json.Unmarshal(raw, &er) == nil && er.Error != "" {
		msg = er.Error
	}
	if sentinel := sentinelFor(resp.StatusCode); sentinel != nil {
		return nil, fmt.Errorf("httpgw: %s %s: %s: %w", method, path, msg, sentinel)
	}
	return nil, fmt.Errorf("httpgw: %s %s: status %d: %s", method, path, resp.StatusCode, msg)
}

// expand fills {name} placeholders of a route template.
func expand(route string, kv ...string) string {
	return strings.NewReplacer(braced(kv)...).Replace(route)
}

func braced(kv []string) []string {
	out := make([]string, len(kv))
	for i := 0; i+1 < len(kv); i += 2 {
		out[i] = "{" + kv[i] + "}"
		out[i+1] = url.PathEscape(kv[i+1])
	}
	return out
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}

// Package rpc is a JSON-RPC client for monerod with HTTP Digest
// authentication and plaintext-then-TLS endpoint fallback.
package rpc

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	apperrors "github.com/sevendeuce/monerodctl/internal/errors"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	// DefaultConnectTimeout bounds TCP connect to the daemon.
	DefaultConnectTimeout = 5 * time.Second
	// DefaultReadTimeout bounds waiting for a response.
	DefaultReadTimeout = 10 * time.Second

	maxResponseBytes = 16 << 20
)

// Client talks to one monerod RPC endpoint.
type Client struct {
	mu   sync.RWMutex
	host string
	port int

	auth       *DigestTransport
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	connectTimeout time.Duration
	readTimeout    time.Duration
	base           http.RoundTripper
}

// WithTimeouts overrides the connect and read timeouts.
func WithTimeouts(connect, read time.Duration) Option {
	return func(o *clientOptions) {
		if connect > 0 {
			o.connectTimeout = connect
		}
		if read > 0 {
			o.readTimeout = read
		}
	}
}

// WithBaseTransport replaces the underlying transport beneath digest auth.
func WithBaseTransport(rt http.RoundTripper) Option {
	return func(o *clientOptions) { o.base = rt }
}

// NewClient returns a client for host:port using creds.
func NewClient(host string, port int, creds Credentials, opts ...Option) *Client {
	o := clientOptions{connectTimeout: DefaultConnectTimeout, readTimeout: DefaultReadTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	base := o.base
	if base == nil {
		base = NewDaemonTransport(o.connectTimeout, o.readTimeout)
	}
	auth := NewDigestTransport(base, creds)
	return &Client{
		host: host,
		port: port,
		auth: auth,
		httpClient: &http.Client{
			Transport: auth,
			Timeout:   o.connectTimeout + o.readTimeout,
		},
	}
}

// NewDaemonTransport builds the transport used to reach a local daemon.
// TLS certificate checks are disabled: monerod's rpc-ssl=autodetect uses a
// self-signed certificate generated at startup.
func NewDaemonTransport(connect, read time.Duration) *http.Transport {
	return &http.Transport{
		Proxy:                 nil,
		DialContext:           (&net.Dialer{Timeout: connect, KeepAlive: 30 * time.Second}).DialContext,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
		TLSHandshakeTimeout:   connect,
		ResponseHeaderTimeout: read,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       30 * time.Second,
	}
}

// SetCredentials replaces the RPC login. Only safe between daemon restarts.
func (c *Client) SetCredentials(creds Credentials) {
	c.auth.SetCredentials(creds)
}

// Credentials returns the login in use.
func (c *Client) Credentials() Credentials {
	return c.auth.Credentials()
}

// SetEndpoint points the client at a different host and port.
func (c *Client) SetEndpoint(host string, port int) {
	c.mu.Lock()
	c.host, c.port = host, port
	c.mu.Unlock()
	log.WithField("endpoint", net.JoinHostPort(host, strconv.Itoa(port))).Debug("rpc endpoint set")
}

// Endpoint returns the current host and port.
func (c *Client) Endpoint() (string, int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.host, c.port
}

func (c *Client) urls(path string) []string {
	host, port := c.Endpoint()
	hp := net.JoinHostPort(host, strconv.Itoa(port))
	return []string{"http://" + hp + path, "https://" + hp + path}
}

// Call invokes a JSON-RPC method and decodes its result into out (may be nil).
func (c *Client) Call(ctx context.Context, method string, params interface{}, out interface{}) error {
	body := []byte(`{"jsonrpc":"2.0","id":"0"}`)
	body, err := sjson.SetBytes(body, "method", method)
	if err != nil {
		return fmt.Errorf("encode rpc request: %w", err)
	}
	if params != nil {
		if body, err = sjson.SetBytes(body, "params", params); err != nil {
			return fmt.Errorf("encode rpc params: %w", err)
		}
	}

	raw, err := c.post(ctx, "/json_rpc", body)
	if err != nil {
		return err
	}
	if !gjson.ValidBytes(raw) {
		return apperrors.MalformedResponse(fmt.Errorf("%s: invalid json", method))
	}
	if e := gjson.GetBytes(raw, "error"); e.Exists() && e.Type != gjson.Null {
		return apperrors.RPCError(int(e.Get("code").Int()), e.Get("message").String())
	}
	if out == nil {
		return nil
	}
	result := gjson.GetBytes(raw, "result")
	if !result.Exists() || !result.IsObject() {
		return apperrors.MalformedResponse(fmt.Errorf("%s: missing result", method))
	}
	if err := json.Unmarshal([]byte(result.Raw), out); err != nil {
		return apperrors.MalformedResponse(fmt.Errorf("%s: %w", method, err))
	}
	return nil
}

// post sends body to path over http, then https. The first 2xx response with
// a non-empty body wins.
func (c *Client) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	var (
		lastErr    error
		authFailed bool
	)
	for _, url := range c.urls(path) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build rpc request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			log.WithError(err).WithField("url", url).Debug("rpc call failed")
			lastErr = err
			continue
		}
		data, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		_ = resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			authFailed = true
			lastErr = fmt.Errorf("%s: unauthorized", url)
		case resp.StatusCode < 200 || resp.StatusCode > 299:
			lastErr = fmt.Errorf("%s: http %d", url, resp.StatusCode)
		case readErr != nil:
			lastErr = readErr
		case len(bytes.TrimSpace(data)) == 0:
			lastErr = fmt.Errorf("%s: empty response", url)
		default:
			return data, nil
		}
		log.WithField("url", url).WithField("status", resp.StatusCode).Debug("rpc call rejected")
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if authFailed {
		return nil, apperrors.AuthenticationFailed("")
	}
	return nil, apperrors.RPCUnreachable(lastErr)
}

// GetInfo calls get_info.
func (c *Client) GetInfo(ctx context.Context) (*GetInfoResult, error) {
	var out GetInfoResult
	if err := c.Call(ctx, "get_info", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSyncInfo calls sync_info.
func (c *Client) GetSyncInfo(ctx context.Context) (*SyncInfoResult, error) {
	var out SyncInfoResult
	if err := c.Call(ctx, "sync_info", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// IsNodeRunning reports whether get_info currently succeeds.
func (c *Client) IsNodeRunning(ctx context.Context) bool {
	_, err := c.GetInfo(ctx)
	return err == nil
}

// StopDaemon asks monerod to shut down. Builds that do not expose
// stop_daemon over JSON-RPC are stopped through the /stop_daemon endpoint.
func (c *Client) StopDaemon(ctx context.Context) error {
	err := c.Call(ctx, "stop_daemon", nil, nil)
	if err == nil || !apperrors.HasCode(err, apperrors.CodeRPCError) {
		return err
	}
	raw, postErr := c.post(ctx, "/stop_daemon", []byte(`{}`))
	if postErr != nil {
		return postErr
	}
	if status := gjson.GetBytes(raw, "status").String(); status != "" && status != "OK" {
		return apperrors.RPCError(0, status)
	}
	return nil
}

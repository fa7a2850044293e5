package tui

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sevendeuce/monerodctl/internal/binary"
	apperrors "github.com/sevendeuce/monerodctl/internal/errors"
	"github.com/sevendeuce/monerodctl/internal/node"
	"github.com/tidwall/gjson"
)

// ErrControllerNotRunning indicates nothing answers on the control API address.
var ErrControllerNotRunning = errors.New("controller not running - start it with `monerodctl run`")

// Client talks to the control API of a running monerodctl.
type Client struct {
	baseURL string
	client  *http.Client
	// stream has no overall timeout; start, install and update can run for minutes.
	stream *http.Client
}

// NewClient creates a client for baseURL, e.g. http://127.0.0.1:8320.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 90 * time.Second},
		stream:  &http.Client{},
	}
}

func (c *Client) do(ctx context.Context, hc *http.Client, method, endpoint string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			return nil, ErrControllerNotRunning
		}
		return nil, err
	}
	return resp, nil
}

// call performs a request and decodes a 2xx JSON body into out.
func (c *Client) call(ctx context.Context, hc *http.Client, method, endpoint string, out interface{}) error {
	resp, err := c.do(ctx, hc, method, endpoint)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		return decodeError(resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

// decodeError rebuilds the AppError rendered by the control API.
func decodeError(status int, body []byte) error {
	code := gjson.GetBytes(body, "code").String()
	msg := gjson.GetBytes(body, "message").String()
	if code == "" && msg == "" {
		return fmt.Errorf("control api: HTTP %d", status)
	}
	return &apperrors.AppError{HTTPStatusCode: status, Code: code, Message: msg}
}

// Status fetches the node status.
func (c *Client) Status(ctx context.Context) (node.NodeStatus, error) {
	var st node.NodeStatus
	err := c.call(ctx, c.client, http.MethodGet, "/v0/status", &st)
	return st, err
}

// Start starts the node and returns the status once it is up.
func (c *Client) Start(ctx context.Context) (node.NodeStatus, error) {
	var st node.NodeStatus
	err := c.call(ctx, c.stream, http.MethodPost, "/v0/start", &st)
	return st, err
}

// Stop stops the node.
func (c *Client) Stop(ctx context.Context) (node.NodeStatus, error) {
	var st node.NodeStatus
	err := c.call(ctx, c.client, http.MethodPost, "/v0/stop", &st)
	return st, err
}

// CheckForUpdate asks the controller to compare versions. A failed check is
// reported in the result, not as an error.
func (c *Client) CheckForUpdate(ctx context.Context) (binary.UpdateCheck, error) {
	var res binary.UpdateCheck
	resp, err := c.do(ctx, c.client, http.MethodGet, "/v0/update/check")
	if err != nil {
		return res, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return res, fmt.Errorf("decode update check: %w", err)
	}
	return res, nil
}

// Logs returns recent daemon output lines.
func (c *Client) Logs(ctx context.Context, n int) ([]string, error) {
	var out struct {
		Lines []string `json:"lines"`
	}
	err := c.call(ctx, c.client, http.MethodGet, "/v0/logs?"+url.Values{"n": {strconv.Itoa(n)}}.Encode(), &out)
	return out.Lines, err
}

// Install starts an install on the controller and relays its status stream.
func (c *Client) Install(ctx context.Context) (<-chan binary.Status, error) {
	return c.openStream(ctx, "/v0/install")
}

// Update starts an update on the controller and relays its status stream.
func (c *Client) Update(ctx context.Context) (<-chan binary.Status, error) {
	return c.openStream(ctx, "/v0/update")
}

func (c *Client) openStream(ctx context.Context, endpoint string) (<-chan binary.Status, error) {
	resp, err := c.do(ctx, c.stream, http.MethodPost, endpoint)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, decodeError(resp.StatusCode, body)
	}

	out := make(chan binary.Status, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		readEvents(resp.Body, out)
	}()
	return out, nil
}

// readEvents parses a text/event-stream body. A stream that ends without a
// terminal event yields a synthetic error event.
func readEvents(r io.Reader, out chan<- binary.Status) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)

	var data bytes.Buffer
	for sc.Scan() {
		line := sc.Text()
		if payload, ok := strings.CutPrefix(line, "data:"); ok {
			data.WriteString(strings.TrimPrefix(payload, " "))
			continue
		}
		if line != "" || data.Len() == 0 {
			continue
		}

		var st binary.Status
		if err := json.Unmarshal(data.Bytes(), &st); err != nil {
			data.Reset()
			continue
		}
		data.Reset()
		if st.Kind == binary.StatusError && st.Message != "" {
			st.Err = errors.New(st.Message)
		}
		out <- st
		if st.Terminal() {
			return
		}
	}

	err := sc.Err()
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	out <- binary.Status{Kind: binary.StatusError, Err: err, Message: "stream interrupted: " + err.Error()}
}

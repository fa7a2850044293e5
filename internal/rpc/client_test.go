package rpc

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/sevendeuce/monerodctl/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const getInfoReply = `{"jsonrpc":"2.0","id":"0","result":{"height":3100000,"target_height":3200000,"outgoing_connections_count":12,"incoming_connections_count":3,"version":"0.18.4.0","status":"OK","mainnet":true}}`

func newTestClient(t *testing.T, srvURL string, creds Credentials) *Client {
	t.Helper()
	host, port := hostPort(t, srvURL)
	return NewClient(host, port, creds, WithTimeouts(time.Second, 2*time.Second))
}

func TestClient_GetInfoWithDigest(t *testing.T) {
	srv := httptest.NewServer(digestGuard("monero", "pw", nil, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "/json_rpc", r.URL.Path)
		assert.Equal(t, "2.0", gjson.GetBytes(body, "jsonrpc").String())
		assert.Equal(t, "0", gjson.GetBytes(body, "id").String())
		assert.Equal(t, "get_info", gjson.GetBytes(body, "method").String())
		assert.False(t, gjson.GetBytes(body, "params").Exists())
		_, _ = w.Write([]byte(getInfoReply))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, Credentials{Username: "monero", Password: "pw"})
	info, err := c.GetInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(3100000), info.Height)
	assert.Equal(t, uint64(15), info.Peers())
	assert.Equal(t, "0.18.4.0", info.Version)
	assert.True(t, c.IsNodeRunning(context.Background()))
}

func TestClient_CallEncodesParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, int64(10), gjson.GetBytes(body, "params.height").Int())
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":"0","result":{"status":"OK"}}`))
	}))
	defer srv.Close()

	var out struct {
		Status string `json:"status"`
	}
	c := newTestClient(t, srv.URL, Credentials{})
	require.NoError(t, c.Call(context.Background(), "get_block_header_by_height", map[string]int{"height": 10}, &out))
	assert.Equal(t, "OK", out.Status)
}

func TestClient_FallsBackToTLS(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(getInfoReply))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, Credentials{})
	info, err := c.GetInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(3200000), info.TargetHeight)
}

func TestClient_Unreachable(t *testing.T) {
	c := NewClient("127.0.0.1", closedPort(t), Credentials{}, WithTimeouts(500*time.Millisecond, 500*time.Millisecond))
	_, err := c.GetInfo(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeRPCUnreachable), "got %v", err)
	assert.False(t, c.IsNodeRunning(context.Background()))
}

func TestClient_AuthenticationFailed(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(digestGuard("monero", "right", &hits, func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not be reached with a wrong password")
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, Credentials{Username: "monero", Password: "wrong"})
	_, err := c.GetInfo(context.Background())
	assert.True(t, apperrors.HasCode(err, apperrors.CodeAuthenticationFailed), "got %v", err)
	// one challenge plus exactly one authenticated retry over plaintext
	assert.Equal(t, int32(2), hits.Load())
}

func TestClient_RPCErrorAndMalformed(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		code  string
	}{
		{"rpc error", `{"jsonrpc":"2.0","id":"0","error":{"code":-32601,"message":"Method not found"}}`, apperrors.CodeRPCError},
		{"not json", `<html>oops</html>`, apperrors.CodeMalformedResponse},
		{"missing result", `{"jsonrpc":"2.0","id":"0"}`, apperrors.CodeMalformedResponse},
		{"wrong result type", `{"jsonrpc":"2.0","id":"0","result":{"height":"tall"}}`, apperrors.CodeMalformedResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.reply))
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv.URL, Credentials{}).GetInfo(context.Background())
			assert.Equal(t, tt.code, apperrors.CodeOf(err), "got %v", err)
		})
	}
}

func TestClient_StopDaemonFallsBackToEndpoint(t *testing.T) {
	var stopped atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("/json_rpc", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":"0","error":{"code":-32601,"message":"Method not found"}}`))
	})
	mux.HandleFunc("/stop_daemon", func(w http.ResponseWriter, r *http.Request) {
		stopped.Store(true)
		_, _ = w.Write([]byte(`{"status":"OK"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	require.NoError(t, newTestClient(t, srv.URL, Credentials{}).StopDaemon(context.Background()))
	assert.True(t, stopped.Load())
}

func TestClient_GetSyncInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":"0","result":{"height":10,"target_height":20,"peers":[{"info":{"address":"1.2.3.4:18080","incoming":true,"height":20}}],"spans":[{"nblocks":5,"start_block_height":11}],"status":"OK"}}`))
	}))
	defer srv.Close()

	info, err := newTestClient(t, srv.URL, Credentials{}).GetSyncInfo(context.Background())
	require.NoError(t, err)
	require.Len(t, info.Peers, 1)
	assert.True(t, info.Peers[0].Info.Incoming)
	assert.Equal(t, "1.2.3.4:18080", info.Peers[0].Info.Address)
	require.Len(t, info.Spans, 1)
	assert.Equal(t, uint64(11), info.Spans[0].StartBlockHeight)
}

func TestClient_SetEndpointAndCredentials(t *testing.T) {
	c := NewClient("127.0.0.1", 18081, Credentials{})
	c.SetEndpoint("10.0.0.2", 28081)
	c.SetCredentials(Credentials{Username: "u", Password: "p"})

	host, port := c.Endpoint()
	assert.Equal(t, "10.0.0.2", host)
	assert.Equal(t, 28081, port)
	assert.Equal(t, "u", c.Credentials().Username)
	assert.Equal(t, []string{"http://10.0.0.2:28081/json_rpc", "https://10.0.0.2:28081/json_rpc"}, c.urls("/json_rpc"))
}

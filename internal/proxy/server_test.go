package proxy

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sevendeuce/monerodctl/internal/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var authParam = regexp.MustCompile(`(\w+)=(?:"([^"]+)"|([^,\s]+))`)

// fakeDaemon answers like monerod with --rpc-login monero:pw.
func fakeDaemon(t *testing.T, hits *atomic.Int32, next http.HandlerFunc) *httptest.Server {
	t.Helper()
	const realm, nonce = "monero-rpc", "0011"
	h := func(s string) string { sum := md5.Sum([]byte(s)); return hex.EncodeToString(sum[:]) }

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Digest ") {
			p := map[string]string{}
			for _, m := range authParam.FindAllStringSubmatch(auth, -1) {
				p[m[1]] = m[2] + m[3]
			}
			want := h(strings.Join([]string{h("monero:" + realm + ":pw"), nonce, p["nc"], p["cnonce"], p["qop"], h(r.Method + ":" + p["uri"])}, ":"))
			if p["response"] == want {
				next(w, r)
				return
			}
		}
		w.Header().Set("WWW-Authenticate", `Digest qop="auth", realm="`+realm+`", nonce="`+nonce+`"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newProxy(t *testing.T, daemonURL string) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	u, err := url.Parse(daemonURL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, _ := strconv.Atoi(portStr)
	return New(Options{
		DaemonHost:     host,
		DaemonPort:     port,
		Credentials:    rpc.Credentials{Username: "monero", Password: "pw"},
		ConnectTimeout: time.Second,
		ReadTimeout:    2 * time.Second,
	})
}

func assertCORS(t *testing.T, h http.Header) {
	t.Helper()
	assert.Equal(t, "*", h.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST, OPTIONS", h.Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type, Authorization", h.Get("Access-Control-Allow-Headers"))
}

func TestProxy_ForwardsJSONRPCVerbatim(t *testing.T) {
	const reqBody = `{"jsonrpc":"2.0","id":"0","method":"get_info"}`
	const reply = `{"jsonrpc":"2.0","id":"0","result":{"height":42,"status":"OK"}}`
	var hits atomic.Int32
	daemon := fakeDaemon(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, reqBody, string(body))
		assert.Equal(t, "/json_rpc", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(reply))
	})

	p := newProxy(t, daemon.URL)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/json_rpc", strings.NewReader(reqBody))
	p.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, reply, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assertCORS(t, w.Header())
	assert.Equal(t, int32(2), hits.Load())
}

func TestProxy_GetKeepsQueryAndDefaultsContentType(t *testing.T) {
	var hits atomic.Int32
	daemon := fakeDaemon(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/get_height", r.URL.Path)
		assert.Equal(t, "a=1&b=2", r.URL.RawQuery)
		w.Header()["Content-Type"] = nil
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"height":7}`))
	})

	w := httptest.NewRecorder()
	newProxy(t, daemon.URL).Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/get_height?a=1&b=2", nil))

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, `{"height":7}`, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}

func TestProxy_RelaysDaemonErrorStatus(t *testing.T) {
	var hits atomic.Int32
	daemon := fakeDaemon(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("restricted"))
	})

	w := httptest.NewRecorder()
	newProxy(t, daemon.URL).Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/json_rpc", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "restricted", w.Body.String())
	assert.Equal(t, "text/plain", w.Header().Get("Content-Type"))
}

func TestProxy_OptionsPreflight(t *testing.T) {
	var hits atomic.Int32
	daemon := fakeDaemon(t, &hits, func(w http.ResponseWriter, r *http.Request) {})

	w := httptest.NewRecorder()
	newProxy(t, daemon.URL).Handler().ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/json_rpc", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assertCORS(t, w.Header())
	assert.Zero(t, hits.Load())
}

func TestProxy_RejectsOtherMethods(t *testing.T) {
	var hits atomic.Int32
	daemon := fakeDaemon(t, &hits, func(w http.ResponseWriter, r *http.Request) {})
	p := newProxy(t, daemon.URL)

	for _, method := range []string{http.MethodPut, http.MethodDelete, http.MethodPatch} {
		w := httptest.NewRecorder()
		p.Handler().ServeHTTP(w, httptest.NewRequest(method, "/json_rpc", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code, method)
		assert.Equal(t, "Method not allowed", w.Body.String())
	}
	assert.Zero(t, hits.Load())
}

func TestProxy_DaemonDownIs500(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	_ = l.Close()

	w := httptest.NewRecorder()
	newProxy(t, "http://"+addr).Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/json_rpc", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.True(t, strings.HasPrefix(w.Body.String(), "Proxy error: "), w.Body.String())
	assertCORS(t, w.Header())
}

func TestProxy_StartStop(t *testing.T) {
	var hits atomic.Int32
	daemon := fakeDaemon(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	u, _ := url.Parse(daemon.URL)
	_, portStr, _ := net.SplitHostPort(u.Host)
	daemonPort, _ := strconv.Atoi(portStr)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	listenPort := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()

	p := New(Options{
		ListenHost:  "127.0.0.1",
		ListenPort:  listenPort,
		DaemonPort:  daemonPort,
		Credentials: rpc.Credentials{Username: "monero", Password: "pw"},
	})
	require.NoError(t, p.Start())
	assert.Equal(t, "127.0.0.1:"+strconv.Itoa(listenPort), p.Addr())

	resp, err := http.Post("http://"+p.Addr()+"/json_rpc", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, `{"ok":true}`, string(body))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))

	_, err = http.Post("http://"+p.Addr()+"/json_rpc", "application/json", strings.NewReader(`{}`))
	assert.Error(t, err)
}

package rpc

import (
	"crypto/md5"
	"encoding/hex"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
)

// digestGuard emulates monerod's --rpc-login check: requests without a valid
// Digest Authorization header get a 401 challenge.
func digestGuard(user, pass string, hits *atomic.Int32, next http.HandlerFunc) http.HandlerFunc {
	const realm, nonce = "monero-rpc", "a1b2c3d4"
	hash := func(s string) string { sum := md5.Sum([]byte(s)); return hex.EncodeToString(sum[:]) }

	return func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		auth := r.Header.Get("Authorization")
		if strings.HasPrefix(auth, "Digest ") {
			p := map[string]string{}
			for _, m := range challengeParam.FindAllStringSubmatch(auth[7:], -1) {
				v := m[2]
				if v == "" {
					v = m[3]
				}
				p[m[1]] = v
			}
			ha1 := hash(user + ":" + realm + ":" + pass)
			ha2 := hash(r.Method + ":" + p["uri"])
			want := hash(strings.Join([]string{ha1, nonce, p["nc"], p["cnonce"], p["qop"], ha2}, ":"))
			if p["username"] == user && p["response"] == want && p["uri"] == r.URL.RequestURI() {
				next(w, r)
				return
			}
		}
		w.Header().Set("WWW-Authenticate", `Digest qop="auth", algorithm=MD5, realm="`+realm+`", nonce="`+nonce+`"`)
		w.WriteHeader(http.StatusUnauthorized)
	}
}

func hostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("split host: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func closedPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()
	return port
}

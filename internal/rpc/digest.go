package rpc

import (
	"bytes"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Credentials authenticate against monerod's --rpc-login.
type Credentials struct {
	Username string
	Password string
}

// Empty reports whether no login is configured.
func (c Credentials) Empty() bool {
	return c.Username == "" && c.Password == ""
}

const nonceCount = "00000001"

var challengeParam = regexp.MustCompile(`(\w+)=(?:"([^"]+)"|([^,\s]+))`)

// newCnonce is replaced in tests to obtain deterministic digests.
var newCnonce = func() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// challenge is a parsed WWW-Authenticate: Digest header.
type challenge struct {
	realm     string
	nonce     string
	qop       string
	opaque    string
	algorithm string
}

func parseChallenge(header string) (challenge, bool) {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "Digest ") {
		return challenge{}, false
	}
	params := make(map[string]string)
	for _, m := range challengeParam.FindAllStringSubmatch(header[7:], -1) {
		v := m[2]
		if v == "" {
			v = m[3]
		}
		params[strings.ToLower(m[1])] = v
	}
	c := challenge{
		realm:     params["realm"],
		nonce:     params["nonce"],
		opaque:    params["opaque"],
		algorithm: params["algorithm"],
	}
	if c.realm == "" || c.nonce == "" {
		return challenge{}, false
	}
	if qop, ok := params["qop"]; ok {
		// Only qop=auth is supported; auth-int would require hashing the body.
		for _, opt := range strings.Split(qop, ",") {
			if strings.TrimSpace(opt) == "auth" {
				c.qop = "auth"
				break
			}
		}
	}
	return c, true
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// authorization computes the Authorization header value for one request.
func (c challenge) authorization(creds Credentials, method, uri, cnonce string) string {
	ha1 := md5Hex(creds.Username + ":" + c.realm + ":" + creds.Password)
	ha2 := md5Hex(method + ":" + uri)

	var response string
	if c.qop != "" {
		response = md5Hex(strings.Join([]string{ha1, c.nonce, nonceCount, cnonce, c.qop, ha2}, ":"))
	} else {
		response = md5Hex(ha1 + ":" + c.nonce + ":" + ha2)
	}

	var b strings.Builder
	fmt.Fprintf(&b, `Digest username="%s", realm="%s", nonce="%s", uri="%s"`, creds.Username, c.realm, c.nonce, uri)
	if c.algorithm != "" {
		fmt.Fprintf(&b, ", algorithm=%s", c.algorithm)
	}
	if c.qop != "" {
		fmt.Fprintf(&b, `, qop=%s, nc=%s, cnonce="%s"`, c.qop, nonceCount, cnonce)
	}
	fmt.Fprintf(&b, `, response="%s"`, response)
	if c.opaque != "" {
		fmt.Fprintf(&b, `, opaque="%s"`, c.opaque)
	}
	return b.String()
}

// DigestTransport answers an HTTP Digest challenge by resubmitting the request
// once with an Authorization header. A second 401 is returned to the caller
// unchanged.
type DigestTransport struct {
	// Base performs the actual round trips. nil means http.DefaultTransport.
	Base http.RoundTripper

	mu    sync.RWMutex
	creds Credentials
}

// NewDigestTransport wraps base with digest authentication using creds.
func NewDigestTransport(base http.RoundTripper, creds Credentials) *DigestTransport {
	return &DigestTransport{Base: base, creds: creds}
}

// SetCredentials replaces the login. Only call between daemon restarts.
func (t *DigestTransport) SetCredentials(creds Credentials) {
	t.mu.Lock()
	t.creds = creds
	t.mu.Unlock()
}

// Credentials returns the current login.
func (t *DigestTransport) Credentials() Credentials {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.creds
}

// exchange is the outcome of a digest round trip. retried is true when the
// request was resubmitted with credentials.
type exchange struct {
	resp    *http.Response
	retried bool
}

// RoundTrip implements http.RoundTripper.
func (t *DigestTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ex, err := t.do(req)
	if err != nil {
		return nil, err
	}
	if ex.retried && ex.resp.StatusCode == http.StatusUnauthorized {
		log.WithField("url", req.URL.Redacted()).Debug("digest credentials rejected")
	}
	return ex.resp, nil
}

func (t *DigestTransport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *DigestTransport) do(req *http.Request) (exchange, error) {
	creds := t.Credentials()
	if creds.Empty() {
		resp, err := t.base().RoundTrip(req)
		return exchange{resp: resp}, err
	}

	body, err := snapshotBody(req)
	if err != nil {
		return exchange{}, err
	}

	first := req.Clone(req.Context())
	first.Body = body()
	resp, err := t.base().RoundTrip(first)
	if err != nil {
		return exchange{}, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return exchange{resp: resp}, nil
	}

	ch, ok := parseChallenge(resp.Header.Get("WWW-Authenticate"))
	if !ok {
		return exchange{resp: resp}, nil
	}
	drainAndClose(resp.Body)

	second := req.Clone(req.Context())
	second.Body = body()
	second.Header.Set("Authorization", ch.authorization(creds, req.Method, req.URL.RequestURI(), newCnonce()))
	resp, err = t.base().RoundTrip(second)
	if err != nil {
		return exchange{}, err
	}
	return exchange{resp: resp, retried: true}, nil
}

// snapshotBody buffers the request body so it can be sent twice.
func snapshotBody(req *http.Request) (func() io.ReadCloser, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return func() io.ReadCloser { return http.NoBody }, nil
	}
	if req.GetBody != nil {
		_ = req.Body.Close()
		return func() io.ReadCloser {
			rc, err := req.GetBody()
			if err != nil {
				return io.NopCloser(bytes.NewReader(nil))
			}
			return rc
		}, nil
	}
	data, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	return func() io.ReadCloser { return io.NopCloser(bytes.NewReader(data)) }, nil
}

func drainAndClose(rc io.ReadCloser) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, 64<<10))
	_ = rc.Close()
}

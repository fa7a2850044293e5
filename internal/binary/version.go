package binary

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/sevendeuce/monerodctl/internal/errors"
	log "github.com/sirupsen/logrus"
)

// checkTimeout bounds a shared update check: --version plus the HEAD request.
const checkTimeout = 45 * time.Second

var versionPattern = regexp.MustCompile(`v(\d+\.\d+\.\d+\.\d+)`)

// Version is a monerod release number such as 0.18.3.4.
type Version [4]int

// ParseVersion parses a dotted version with up to four numeric components.
// Missing trailing components are zero; a leading "v" is accepted.
func ParseVersion(s string) (Version, error) {
	var v Version
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	if s == "" {
		return v, fmt.Errorf("empty version")
	}
	parts := strings.Split(s, ".")
	if len(parts) > len(v) {
		return v, fmt.Errorf("too many version components: %q", s)
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return v, fmt.Errorf("invalid version component %q in %q", p, s)
		}
		v[i] = n
	}
	return v, nil
}

// Compare returns -1, 0 or 1 comparing v with o component-wise.
func (v Version) Compare(o Version) int {
	for i := range v {
		switch {
		case v[i] < o[i]:
			return -1
		case v[i] > o[i]:
			return 1
		}
	}
	return 0
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", v[0], v[1], v[2], v[3])
}

// IsNewer reports whether latest is strictly greater than current.
// Unparseable inputs are never newer.
func IsNewer(latest, current string) bool {
	l, err := ParseVersion(latest)
	if err != nil {
		return false
	}
	c, err := ParseVersion(current)
	if err != nil {
		return false
	}
	return l.Compare(c) > 0
}

// ExtractVersion finds the first vA.B.C.D token in s, e.g. in
// "Monero 'Fluorine Fermi' (v0.18.3.1-release)" or a release file name.
func ExtractVersion(s string) (string, bool) {
	m := versionPattern.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// BinaryVersion runs "<path> --version" and parses its output.
func BinaryVersion(ctx context.Context, path string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, path, "--version").CombinedOutput()
	if v, ok := ExtractVersion(string(out)); ok {
		return v, nil
	}
	if err != nil {
		return "", fmt.Errorf("run %s --version: %w", path, err)
	}
	return "", fmt.Errorf("no version in output of %s --version", path)
}

// Version reports the version of the executable returned by ExecutablePath.
func (m *Manager) Version(ctx context.Context) (string, error) {
	path, err := m.ExecutablePath()
	if err != nil {
		return "", err
	}
	return BinaryVersion(ctx, path)
}

// LatestVersion asks the release mirror for the newest version by reading
// the redirect target of a HEAD request.
func (m *Manager) LatestVersion(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.versionCheckURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", m.userAgent)

	client := *m.client
	client.Timeout = 30 * time.Second
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

	resp, err := client.Do(req)
	if err != nil {
		return "", apperrors.DownloadFailed(0, err)
	}
	_ = resp.Body.Close()

	location := resp.Header.Get("Location")
	if location == "" {
		location = resp.Request.URL.String()
	}
	v, ok := ExtractVersion(location)
	if !ok {
		return "", fmt.Errorf("could not determine latest version from %q", location)
	}
	return v, nil
}

// CheckForUpdate compares the installed version with the mirror's latest.
// Concurrent callers share one in-flight check, which is not tied to any
// single caller's ctx; a caller whose ctx ends gets a failed result.
func (m *Manager) CheckForUpdate(ctx context.Context) UpdateCheck {
	ch := m.checks.DoChan("check", func() (interface{}, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), checkTimeout)
		defer cancel()
		return m.checkForUpdate(shared), nil
	})
	select {
	case res := <-ch:
		return res.Val.(UpdateCheck)
	case <-ctx.Done():
		err := ctx.Err()
		return UpdateCheck{State: UpdateCheckFailed, Err: err, Message: err.Error()}
	}
}

func (m *Manager) checkForUpdate(ctx context.Context) UpdateCheck {
	fail := func(err error) UpdateCheck {
		log.WithError(err).Warn("update check failed")
		return UpdateCheck{State: UpdateCheckFailed, Err: err, Message: err.Error()}
	}

	current, err := m.Version(ctx)
	if err != nil {
		return fail(fmt.Errorf("cannot determine current version: %w", err))
	}
	latest, err := m.LatestVersion(ctx)
	if err != nil {
		return fail(err)
	}
	if IsNewer(latest, current) {
		log.WithFields(log.Fields{"current": current, "latest": latest}).Info("monerod update available")
		return UpdateCheck{State: UpdateAvailable, Current: current, Latest: latest}
	}
	return UpdateCheck{State: UpToDate, Current: current, Latest: latest}
}

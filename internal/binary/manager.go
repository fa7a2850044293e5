// Package binary locates, installs and updates the monerod executable.
package binary

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sevendeuce/monerodctl/internal/arch"
	"github.com/sevendeuce/monerodctl/internal/config"
	apperrors "github.com/sevendeuce/monerodctl/internal/errors"
	"github.com/sevendeuce/monerodctl/internal/metrics"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	// BinaryName is the executable installed into the writable bin directory.
	BinaryName = "monerod"
	// BundledName is the prebuilt daemon a host package may ship alongside us.
	BundledName = "libmonerod.so"

	backupSuffix   = ".backup"
	archiveName    = "monero.tar.bz2"
	statusBufferSz = 16
)

// Options configures a Manager. Zero values fall back to the release mirror defaults.
type Options struct {
	BinDir     string
	BundledDir string
	CacheDir   string

	// Arch overrides detection; empty means arch.Detect at install time.
	Arch arch.Architecture

	DownloadURLs    map[string]string
	DownloadBaseURL string
	VersionCheckURL string

	// HashesURL and SigningKeyFile enable release verification when both are set.
	HashesURL      string
	SigningKeyFile string

	ProxyURL  string
	UserAgent string

	// HTTPClient replaces the client built from ProxyURL.
	HTTPClient *http.Client
}

// Manager owns the on-disk monerod artifact. At most one install or
// update runs at a time; update checks are coalesced.
type Manager struct {
	opts            Options
	client          *http.Client
	versionCheckURL string
	userAgent       string

	busy   sync.Mutex
	checks singleflight.Group
}

// New validates opts and builds a Manager.
func New(opts Options) (*Manager, error) {
	if strings.TrimSpace(opts.BinDir) == "" {
		return nil, errors.New("binary: bin dir is required")
	}
	if opts.CacheDir == "" {
		opts.CacheDir = filepath.Join(filepath.Dir(opts.BinDir), "cache")
	}
	m := &Manager{
		opts:            opts,
		versionCheckURL: opts.VersionCheckURL,
		userAgent:       opts.UserAgent,
		client:          opts.HTTPClient,
	}
	if m.versionCheckURL == "" {
		m.versionCheckURL = config.DefaultVersionCheckURL
	}
	if m.userAgent == "" {
		m.userAgent = "monerodctl"
	}
	if m.client == nil {
		c, err := NewHTTPClient(opts.ProxyURL)
		if err != nil {
			return nil, err
		}
		m.client = c
	}
	return m, nil
}

// NewFromConfig builds a Manager from the application configuration.
func NewFromConfig(cfg *config.Config) (*Manager, error) {
	opts := Options{
		BinDir:          cfg.BinDir(),
		BundledDir:      cfg.Paths.BundledDir,
		CacheDir:        cfg.Paths.CacheDir,
		DownloadURLs:    cfg.Release.DownloadURLs,
		VersionCheckURL: cfg.Release.VersionCheckURL,
		ProxyURL:        cfg.Release.ProxyURL,
		UserAgent:       cfg.Release.UserAgent,
	}
	if cfg.VerificationEnabled() {
		opts.HashesURL = cfg.Release.HashesURL
		opts.SigningKeyFile = cfg.Release.SigningKeyFile
	}
	return New(opts)
}

// BinaryPath is the writable install location, whether or not it exists.
func (m *Manager) BinaryPath() string {
	return filepath.Join(m.opts.BinDir, BinaryName)
}

func (m *Manager) bundledPath() string {
	if m.opts.BundledDir == "" {
		return ""
	}
	return filepath.Join(m.opts.BundledDir, BundledName)
}

// IsInstalled reports whether an executable artifact is available, checking
// the bundled copy first and then the writable install. A writable binary
// that lost its exec bit is repaired.
func (m *Manager) IsInstalled() bool {
	if p := m.bundledPath(); p != "" && isExecutableFile(p) {
		return true
	}
	p := m.BinaryPath()
	if !isRegularFile(p) {
		return false
	}
	if isExecutableFile(p) {
		return true
	}
	if err := makeExecutable(p); err != nil {
		log.WithError(err).WithField("path", p).Warn("monerod is not executable")
		return false
	}
	return isExecutableFile(p)
}

// ExecutablePath returns the binary to launch. An updated writable install
// wins over the bundled copy.
func (m *Manager) ExecutablePath() (string, error) {
	if p := m.BinaryPath(); isExecutableFile(p) {
		return p, nil
	}
	if p := m.bundledPath(); p != "" && isExecutableFile(p) {
		return p, nil
	}
	if m.IsInstalled() && isExecutableFile(m.BinaryPath()) {
		return m.BinaryPath(), nil
	}
	return "", apperrors.ArtifactMissing(m.BinaryPath())
}

// DeleteBinary removes the writable install. The bundled copy is untouched.
func (m *Manager) DeleteBinary() error {
	if !m.busy.TryLock() {
		return apperrors.Busy("install")
	}
	defer m.busy.Unlock()

	for _, p := range []string{m.BinaryPath(), m.BinaryPath() + backupSuffix} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	log.WithField("path", m.BinaryPath()).Info("monerod binary deleted")
	return nil
}

// DownloadURL resolves the artifact URL for the detected architecture.
func (m *Manager) DownloadURL() (string, error) {
	a := m.opts.Arch
	if a == arch.Unsupported {
		var err error
		if a, err = arch.Detect(); err != nil {
			return "", err
		}
	}
	if u := m.opts.DownloadURLs[string(a)]; u != "" {
		return u, nil
	}
	if u := a.URL(m.opts.DownloadBaseURL); u != "" {
		return u, nil
	}
	return "", apperrors.UnsupportedArchitecture(string(a))
}

// Install ensures an artifact is present. The returned channel yields
// Downloading, Progress, optionally Verifying, Extracting and finally
// Installed or Error; it is closed after the terminal event. When an
// artifact already exists the stream is a single Installed event.
func (m *Manager) Install(ctx context.Context) (<-chan Status, error) {
	if !m.busy.TryLock() {
		return nil, apperrors.Busy("install")
	}

	out := make(chan Status, statusBufferSz)
	if m.IsInstalled() {
		m.busy.Unlock()
		out <- Status{Kind: StatusInstalled}
		close(out)
		return out, nil
	}

	go func() {
		defer m.busy.Unlock()
		defer close(out)

		err := m.install(ctx, out)
		if err != nil {
			log.WithError(err).Error("monerod install failed")
			metrics.RecordArtifactOperation("install", "error")
			Finish(ctx, out, errorStatus(err))
			return
		}
		metrics.RecordArtifactOperation("install", "ok")
		log.WithField("path", m.BinaryPath()).Info("monerod installed")
		Finish(ctx, out, Status{Kind: StatusInstalled})
	}()
	return out, nil
}

func (m *Manager) install(ctx context.Context, out chan<- Status) error {
	archive, err := m.fetch(ctx, out)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(archive) }()

	send(ctx, out, Status{Kind: StatusExtracting})
	return m.extractAndInstall(ctx, archive)
}

// fetch downloads and optionally verifies the release archive into the cache dir.
func (m *Manager) fetch(ctx context.Context, out chan<- Status) (string, error) {
	url, err := m.DownloadURL()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(m.opts.CacheDir, 0o755); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}
	archive := filepath.Join(m.opts.CacheDir, archiveName)

	send(ctx, out, Status{Kind: StatusDownloading})
	res, err := m.download(ctx, url, archive, func(p Status) { send(ctx, out, p) })
	if err != nil {
		return "", err
	}

	if m.opts.HashesURL != "" && m.opts.SigningKeyFile != "" {
		send(ctx, out, Status{Kind: StatusVerifying})
		if err := m.verify(ctx, archive, res.FileName); err != nil {
			_ = os.Remove(archive)
			return "", err
		}
	}
	return archive, nil
}

// send delivers s unless ctx is done. Terminal events are written directly;
// consumers must drain the channel until it is closed.
func send(ctx context.Context, out chan<- Status, s Status) {
	select {
	case out <- s:
	case <-ctx.Done():
	}
}

// Finish delivers the terminal event. Once ctx is done, queued events the
// reader has not taken are discarded until the terminal event fits, so a
// producer never blocks on an abandoned stream.
func Finish(ctx context.Context, out chan Status, s Status) {
	select {
	case out <- s:
		return
	case <-ctx.Done():
	}
	for {
		select {
		case out <- s:
			return
		case <-out:
		}
	}
}

package binary

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"

	apperrors "github.com/sevendeuce/monerodctl/internal/errors"
	"github.com/sevendeuce/monerodctl/internal/metrics"
	log "github.com/sirupsen/logrus"
)

const (
	mib = 1 << 20
	// nominalSize stands in for the archive size when the server omits it.
	nominalSize = 100 * mib
)

type downloadResult struct {
	Path     string
	Size     int64
	FileName string
}

// progressTracker turns byte counts into percentage events, emitting only
// when the whole percentage increases.
type progressTracker struct {
	total   int64
	written int64
	last    int
	emit    func(Status)
}

func newProgressTracker(total int64, emit func(Status)) *progressTracker {
	return &progressTracker{total: total, last: -1, emit: emit}
}

func (p *progressTracker) Write(b []byte) (int, error) {
	p.written += int64(len(b))
	pct := p.percent()
	if pct > p.last {
		p.last = pct
		p.emit(p.status(pct))
	}
	return len(b), nil
}

func (p *progressTracker) percent() int {
	if p.total > 0 {
		pct := int(p.written * 100 / p.total)
		if pct > 100 {
			pct = 100
		}
		return pct
	}
	pct := int(p.written * 100 / nominalSize)
	if pct > 99 {
		pct = 99
	}
	return pct
}

func (p *progressTracker) status(pct int) Status {
	total := float64(nominalSize) / mib
	if p.total > 0 {
		total = float64(p.total) / mib
	}
	return Status{
		Kind:         StatusProgress,
		Percent:      pct,
		DownloadedMB: float64(p.written) / mib,
		TotalMB:      total,
	}
}

func (p *progressTracker) finish() {
	if p.last < 100 {
		p.last = 100
		p.emit(p.status(100))
	}
}

// download streams url into dest through a temp file, reporting progress.
func (m *Manager) download(ctx context.Context, url, dest string, emit func(Status)) (*downloadResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperrors.DownloadFailed(0, err)
	}
	req.Header.Set("User-Agent", m.userAgent)

	log.WithField("url", url).Info("downloading monerod")
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, apperrors.DownloadFailed(0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var cause error
		if len(body) > 0 {
			cause = fmt.Errorf("%s", body)
		}
		return nil, apperrors.DownloadFailed(resp.StatusCode, cause)
	}

	tmp := dest + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return nil, apperrors.DownloadFailed(0, err)
	}

	tracker := newProgressTracker(resp.ContentLength, emit)
	n, err := io.Copy(io.MultiWriter(f, tracker), resp.Body)
	metrics.AddDownloadBytes(n)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return nil, apperrors.DownloadFailed(0, err)
	}
	if resp.ContentLength > 0 && n != resp.ContentLength {
		_ = os.Remove(tmp)
		return nil, apperrors.DownloadFailed(0, fmt.Errorf("short download: %d of %d bytes", n, resp.ContentLength))
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return nil, apperrors.DownloadFailed(0, err)
	}
	tracker.finish()

	log.WithFields(log.Fields{"bytes": n, "path": dest}).Info("download complete")
	return &downloadResult{
		Path:     dest,
		Size:     n,
		FileName: path.Base(resp.Request.URL.Path),
	}, nil
}

func isRegularFile(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.Mode().IsRegular()
}

func isExecutableFile(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.Mode().IsRegular() && fi.Mode().Perm()&0o111 != 0
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

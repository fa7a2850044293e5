package binary

import (
	"archive/tar"
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/sevendeuce/monerodctl/internal/arch"
	"github.com/stretchr/testify/require"
)

// fakeMonerod is a shell script answering --version like the real daemon.
func fakeMonerod(version string) string {
	return "#!/bin/sh\necho \"Monero 'Fluorine Fermi' (v" + version + "-release)\"\n"
}

func writeExecutable(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o755))
}

// buildTarball packs files (name -> content) into a tar compressed with format.
func buildTarball(t *testing.T, format archiveFormat, files map[string]string) []byte {
	t.Helper()
	var raw bytes.Buffer
	tw := tar.NewWriter(&raw)
	names := make([]string, 0, len(files))
	for n := range files {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, name := range names {
		body := files[name]
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o755,
			Size:     int64(len(body)),
			Typeflag: tar.TypeReg,
		}))
		_, err := io.WriteString(tw, body)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())

	var out bytes.Buffer
	switch format {
	case formatGzip:
		zw := gzip.NewWriter(&out)
		_, err := zw.Write(raw.Bytes())
		require.NoError(t, err)
		require.NoError(t, zw.Close())
	case formatZstd:
		zw, err := zstd.NewWriter(&out)
		require.NoError(t, err)
		_, err = zw.Write(raw.Bytes())
		require.NoError(t, err)
		require.NoError(t, zw.Close())
	default:
		t.Fatalf("unsupported test format %s", format)
	}
	return out.Bytes()
}

// releaseServer redirects /cli/linux64 to a versioned archive, like the mirror.
func releaseServer(t *testing.T, version string, archive []byte) *httptest.Server {
	t.Helper()
	fileName := "monero-linux-x64-v" + version + ".tar.bz2"
	mux := http.NewServeMux()
	mux.HandleFunc("/cli/linux64", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/dl/"+fileName, http.StatusFound)
	})
	mux.HandleFunc("/dl/"+fileName, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestManager(t *testing.T, srvURL string) *Manager {
	t.Helper()
	base := t.TempDir()
	m, err := New(Options{
		BinDir:          filepath.Join(base, "bin"),
		CacheDir:        filepath.Join(base, "cache"),
		Arch:            arch.LinuxX8664,
		DownloadBaseURL: srvURL + "/cli/",
		VersionCheckURL: srvURL + "/cli/linux64",
		HTTPClient:      http.DefaultClient,
	})
	require.NoError(t, err)
	return m
}

func collect(t *testing.T, ch <-chan Status) []Status {
	t.Helper()
	var events []Status
	for s := range ch {
		events = append(events, s)
	}
	require.NotEmpty(t, events)
	return events
}

// Package arch maps the running OS/CPU pair onto a monerod release artifact.
package arch

import (
	"runtime"
	"strings"

	apperrors "github.com/sevendeuce/monerodctl/internal/errors"
)

// Architecture identifies a downloadable monerod build.
type Architecture string

const (
	AndroidARMv7 Architecture = "androidarm7"
	AndroidARMv8 Architecture = "androidarm8"
	LinuxX8664   Architecture = "linux64"
	LinuxARMv8   Architecture = "linuxarm8"
	LinuxARMv7   Architecture = "linuxarm7"
	Unsupported  Architecture = ""
)

// DownloadBaseURL is the release mirror prefix; the artifact URL is base + arch id.
const DownloadBaseURL = "https://downloads.getmonero.org/cli/"

var names = map[Architecture]string{
	AndroidARMv7: "ARMv7 (32-bit)",
	AndroidARMv8: "ARMv8 (64-bit)",
	LinuxX8664:   "x86-64",
	LinuxARMv8:   "ARMv8 (64-bit)",
	LinuxARMv7:   "ARMv7 (32-bit)",
}

// Detect returns the architecture of the running process.
func Detect() (Architecture, error) {
	return DetectFor(runtime.GOOS, runtime.GOARCH)
}

// DetectFor maps a GOOS/GOARCH pair to an Architecture.
func DetectFor(goos, goarch string) (Architecture, error) {
	goos = strings.ToLower(goos)
	switch goos {
	case "android":
		switch goarch {
		case "arm64":
			return AndroidARMv8, nil
		case "arm":
			return AndroidARMv7, nil
		}
	case "linux":
		switch goarch {
		case "amd64":
			return LinuxX8664, nil
		case "arm64":
			return LinuxARMv8, nil
		case "arm":
			return LinuxARMv7, nil
		}
	}
	return Unsupported, apperrors.UnsupportedArchitecture(goos + "/" + goarch)
}

// IsSupported reports whether a is a known downloadable build.
func (a Architecture) IsSupported() bool {
	_, ok := names[a]
	return ok
}

// Name is a human readable label, e.g. "ARMv8 (64-bit)".
func (a Architecture) Name() string {
	if n, ok := names[a]; ok {
		return n
	}
	return "Unsupported"
}

// URL returns the artifact URL under base, or "" when unsupported.
// An empty base uses DownloadBaseURL.
func (a Architecture) URL(base string) string {
	if !a.IsSupported() {
		return ""
	}
	if base == "" {
		base = DownloadBaseURL
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + string(a)
}

func (a Architecture) String() string {
	if a == Unsupported {
		return "unsupported"
	}
	return string(a)
}

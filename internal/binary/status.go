package binary

import "fmt"

// StatusKind enumerates install and update progress events.
type StatusKind int

const (
	StatusDownloading StatusKind = iota
	StatusProgress
	StatusVerifying
	StatusExtracting
	StatusInstalled
	StatusUpdated
	StatusError
)

var statusNames = map[StatusKind]string{
	StatusDownloading: "downloading",
	StatusProgress:    "progress",
	StatusVerifying:   "verifying",
	StatusExtracting:  "extracting",
	StatusInstalled:   "installed",
	StatusUpdated:     "updated",
	StatusError:       "error",
}

func (k StatusKind) String() string {
	if s, ok := statusNames[k]; ok {
		return s
	}
	return fmt.Sprintf("status(%d)", int(k))
}

// MarshalText renders the kind by name in JSON and SSE payloads.
func (k StatusKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText.
func (k *StatusKind) UnmarshalText(text []byte) error {
	for kind, name := range statusNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown status kind %q", text)
}

// Status is one event on an install or update stream. Streams are finite,
// ordered and closed right after a terminal event.
type Status struct {
	Kind StatusKind `json:"kind"`

	// Percent, DownloadedMB and TotalMB are set on StatusProgress.
	Percent      int     `json:"percent,omitempty"`
	DownloadedMB float64 `json:"downloaded_mb,omitempty"`
	TotalMB      float64 `json:"total_mb,omitempty"`

	// Version is the installed version on StatusUpdated, when known.
	Version string `json:"version,omitempty"`

	Err error `json:"-"`
	// Message mirrors Err for serialization.
	Message string `json:"message,omitempty"`
}

// Terminal reports whether no further events follow s.
func (s Status) Terminal() bool {
	switch s.Kind {
	case StatusInstalled, StatusUpdated, StatusError:
		return true
	}
	return false
}

func errorStatus(err error) Status {
	return Status{Kind: StatusError, Err: err, Message: err.Error()}
}

// UpdateState is the outcome of an update check.
type UpdateState int

const (
	UpToDate UpdateState = iota
	UpdateAvailable
	UpdateCheckFailed
)

func (s UpdateState) String() string {
	switch s {
	case UpToDate:
		return "up_to_date"
	case UpdateAvailable:
		return "available"
	default:
		return "error"
	}
}

// MarshalText renders the state by name.
func (s UpdateState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *UpdateState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "up_to_date":
		*s = UpToDate
	case "available":
		*s = UpdateAvailable
	case "error":
		*s = UpdateCheckFailed
	default:
		return fmt.Errorf("unknown update state %q", text)
	}
	return nil
}

// UpdateCheck is the result of CheckForUpdate.
type UpdateCheck struct {
	State   UpdateState `json:"state"`
	Current string      `json:"current,omitempty"`
	Latest  string      `json:"latest,omitempty"`
	Err     error       `json:"-"`
	Message string      `json:"message,omitempty"`
}

package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/sevendeuce/monerodctl/internal/config"
	"github.com/sevendeuce/monerodctl/internal/rpc"
)

// State is the supervisor lifecycle state.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateFailed
)

var stateNames = [...]string{"stopped", "starting", "running", "stopping", "failed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// ArtifactLocator resolves the daemon executable. *binary.Manager implements it.
type ArtifactLocator interface {
	ExecutablePath() (string, error)
}

// DaemonRPC is the slice of the RPC client the supervisor drives. *rpc.Client implements it.
type DaemonRPC interface {
	SetCredentials(rpc.Credentials)
	SetEndpoint(host string, port int)
	IsNodeRunning(ctx context.Context) bool
	StopDaemon(ctx context.Context) error
}

// Options configures a Supervisor.
type Options struct {
	Artifacts ArtifactLocator
	Settings  config.SettingsProvider
	RPC       DaemonRPC

	// DaemonConfigPath is where monerod.conf is rendered before each launch.
	DaemonConfigPath string
	// DataDir resolves the blockchain directory for the storage selection.
	DataDir func(useExternal bool) string
	// StateDir holds monerod.pid.
	StateDir string
	// HomeDir and TmpDir are exported to the daemon as HOME and TMPDIR.
	HomeDir string
	TmpDir  string

	// DaemonHost is the address the RPC client dials, default 127.0.0.1.
	DaemonHost string

	WarmupDelay      time.Duration
	ReadinessTries   int
	ReadinessSpacing time.Duration

	// StopPolls, StopPollInterval, TermGrace and KillGrace shape Stop's escalation.
	StopPolls        int
	StopPollInterval time.Duration
	TermGrace        time.Duration
	KillGrace        time.Duration

	// ProcessNames are matched against running processes when the handle is lost.
	ProcessNames []string

	// OutputLines is how many daemon output lines RecentOutput retains.
	OutputLines int
}

// StartOptions are per-launch parameters.
type StartOptions struct {
	// ExtraArgs are passed after --non-interactive and before custom flags.
	ExtraArgs []string
}

// Info is a point-in-time view of the supervised daemon.
type Info struct {
	State     State     `json:"state"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

func (o *Options) applyDefaults() {
	if o.DaemonHost == "" {
		o.DaemonHost = config.DefaultDaemonHost
	}
	if o.WarmupDelay < 0 {
		o.WarmupDelay = 0
	}
	if o.ReadinessTries <= 0 {
		o.ReadinessTries = config.DefaultReadinessTries
	}
	if o.ReadinessSpacing <= 0 {
		o.ReadinessSpacing = config.DefaultReadinessSpacing
	}
	if o.StopPolls <= 0 {
		o.StopPolls = 3
	}
	if o.StopPollInterval <= 0 {
		o.StopPollInterval = time.Second
	}
	if o.TermGrace <= 0 {
		o.TermGrace = 2 * time.Second
	}
	if o.KillGrace <= 0 {
		o.KillGrace = time.Second
	}
	if len(o.ProcessNames) == 0 {
		o.ProcessNames = []string{"monerod", "libmonerod.so"}
	}
	if o.OutputLines <= 0 {
		o.OutputLines = 500
	}
}

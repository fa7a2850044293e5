// Package node ties the binary manager, the supervisor and the RPC proxy
// into one service with a polled status.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sevendeuce/monerodctl/internal/binary"
	"github.com/sevendeuce/monerodctl/internal/config"
	"github.com/sevendeuce/monerodctl/internal/metrics"
	"github.com/sevendeuce/monerodctl/internal/proxy"
	"github.com/sevendeuce/monerodctl/internal/rpc"
	"github.com/sevendeuce/monerodctl/internal/supervisor"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Artifacts is the binary manager as the service uses it.
type Artifacts interface {
	IsInstalled() bool
	Install(ctx context.Context) (<-chan binary.Status, error)
	Update(ctx context.Context) (<-chan binary.Status, error)
	Version(ctx context.Context) (string, error)
	CheckForUpdate(ctx context.Context) binary.UpdateCheck
}

// Daemon is the supervisor as the service uses it.
type Daemon interface {
	Start(ctx context.Context, opts supervisor.StartOptions) error
	Stop(ctx context.Context)
	IsRunning() bool
	Info() supervisor.Info
	RecentOutput(n int) []string
}

// NodeRPC is the RPC client as the service uses it.
type NodeRPC interface {
	GetInfo(ctx context.Context) (*rpc.GetInfoResult, error)
	Credentials() rpc.Credentials
	Endpoint() (string, int)
}

// SettingsWatcher is implemented by config.FileSettings.
type SettingsWatcher interface {
	Watch(ctx context.Context, onChange func(config.NodeSettings)) error
}

// Options configures a Service.
type Options struct {
	Artifacts Artifacts
	Daemon    Daemon
	RPC       NodeRPC
	Settings  config.SettingsProvider

	// Proxy is nil when the gateway is disabled.
	Proxy *ProxyOptions

	StatusInterval   time.Duration
	UpdateCheckDelay time.Duration
	// CheckUpdates enables a single update check after each start.
	CheckUpdates bool
}

// ProxyOptions configures the gateway started with the node.
type ProxyOptions struct {
	ListenHost string
	ListenPort int
}

// Service runs the node: Start ensures the artifact, launches monerod,
// opens the proxy and begins polling; Stop undoes it in reverse.
type Service struct {
	opts Options

	lifecycle sync.Mutex // serializes Start, Stop and Update

	mu      sync.Mutex
	status  NodeStatus
	running bool
	applied config.NodeSettings
	proxy   *proxy.Server
	cancel  context.CancelFunc
	group   *errgroup.Group

	subMu  sync.Mutex
	subs   map[int]chan NodeStatus
	nextID int
}

// New builds a Service.
func New(opts Options) (*Service, error) {
	if opts.Artifacts == nil || opts.Daemon == nil || opts.RPC == nil {
		return nil, errors.New("node: artifacts, daemon and rpc are required")
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = config.DefaultStatusInterval
	}
	if opts.UpdateCheckDelay <= 0 {
		opts.UpdateCheckDelay = 10 * time.Second
	}
	return &Service{
		opts:   opts,
		status: NodeStatus{State: supervisor.StateStopped},
		subs:   make(map[int]chan NodeStatus),
	}, nil
}

// Start brings the node up. It is a no-op when the node is already running.
func (s *Service) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.start(ctx)
}

func (s *Service) start(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running {
		if s.opts.Daemon.IsRunning() {
			return nil
		}
		log.Warn("monerod is gone, relaunching node")
		s.teardown(ctx)
	}

	if err := s.ensureArtifact(ctx); err != nil {
		s.setError(err)
		return err
	}
	if err := s.opts.Daemon.Start(ctx, supervisor.StartOptions{}); err != nil {
		s.setError(err)
		return err
	}

	var applied config.NodeSettings
	if s.opts.Settings != nil {
		applied, _ = s.opts.Settings.Load()
	}

	var px *proxy.Server
	if s.opts.Proxy != nil {
		host, port := s.opts.RPC.Endpoint()
		px = proxy.New(proxy.Options{
			ListenHost:  s.opts.Proxy.ListenHost,
			ListenPort:  s.opts.Proxy.ListenPort,
			DaemonHost:  host,
			DaemonPort:  port,
			Credentials: s.opts.RPC.Credentials(),
		})
		if err := px.Start(); err != nil {
			log.WithError(err).Error("rpc proxy failed to start, stopping node")
			s.opts.Daemon.Stop(context.WithoutCancel(ctx))
			s.setError(err)
			return err
		}
	}

	bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(bg)
	g.Go(func() error { return s.poll(gctx) })
	if s.opts.CheckUpdates {
		g.Go(func() error { return s.checkUpdates(gctx) })
	}
	if w, ok := s.opts.Settings.(SettingsWatcher); ok {
		g.Go(func() error { return s.watchSettings(gctx, w) })
	}

	s.mu.Lock()
	s.running = true
	s.applied = applied
	s.proxy = px
	s.cancel = cancel
	s.group = g
	s.mu.Unlock()

	log.Info("node started")
	return nil
}

// ensureArtifact installs monerod when no executable is present.
func (s *Service) ensureArtifact(ctx context.Context) error {
	if s.opts.Artifacts.IsInstalled() {
		return nil
	}
	log.Info("monerod not installed, installing")
	ch, err := s.opts.Artifacts.Install(ctx)
	if err != nil {
		return err
	}
	return Drain(ch, nil)
}

// Drain consumes a status stream, calling fn for each event, and returns
// the error carried by a terminal Error event.
func Drain(ch <-chan binary.Status, fn func(binary.Status)) error {
	var err error
	for st := range ch {
		if fn != nil {
			fn(st)
		}
		if st.Kind == binary.StatusError {
			err = st.Err
		}
	}
	return err
}

// Stop takes the node down: poller, proxy, then the daemon. Errors are logged.
func (s *Service) Stop(ctx context.Context) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.stop(ctx)
}

func (s *Service) stop(ctx context.Context) {
	s.teardown(ctx)
	s.opts.Daemon.Stop(ctx)

	s.mu.Lock()
	s.status = NodeStatus{State: supervisor.StateStopped, UpdatedAt: time.Now(),
		BinaryVersion: s.status.BinaryVersion, UpdateAvailable: s.status.UpdateAvailable, LatestVersion: s.status.LatestVersion}
	st := s.status
	s.mu.Unlock()
	metrics.SetNodeStatus(0, 0, 0, 0, 0)
	s.publish(st)
	log.Info("node stopped")
}

// teardown ends the current run's workers and closes its proxy. The daemon
// is left alone.
func (s *Service) teardown(ctx context.Context) {
	s.mu.Lock()
	cancel, g, px := s.cancel, s.group, s.proxy
	s.cancel, s.group, s.proxy = nil, nil, nil
	s.running = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		_ = g.Wait()
	}
	if px != nil {
		shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := px.Stop(shutdownCtx); err != nil {
			log.WithError(err).Warn("rpc proxy shutdown")
		}
		done()
	}
}

// Install runs the binary manager's install.
func (s *Service) Install(ctx context.Context) (<-chan binary.Status, error) {
	return s.opts.Artifacts.Install(ctx)
}

// Update stops a running node, applies the update and restarts the node
// afterwards whether or not the update succeeded.
func (s *Service) Update(ctx context.Context) (<-chan binary.Status, error) {
	s.lifecycle.Lock()
	s.mu.Lock()
	wasRunning := s.running
	s.mu.Unlock()
	if wasRunning {
		s.stop(ctx)
	}

	in, err := s.opts.Artifacts.Update(ctx)
	if err != nil {
		if wasRunning {
			if startErr := s.start(ctx); startErr != nil {
				log.WithError(startErr).Error("restart after rejected update failed")
			}
		}
		s.lifecycle.Unlock()
		return nil, err
	}

	out := make(chan binary.Status, cap(in)+1)
	go func() {
		defer s.lifecycle.Unlock()
		defer close(out)
		var final binary.Status
		for st := range in {
			if st.Terminal() {
				final = st
				continue
			}
			select {
			case out <- st:
			case <-ctx.Done():
			}
		}
		if final.Kind == binary.StatusUpdated {
			s.mu.Lock()
			s.status.UpdateAvailable = false
			s.status.BinaryVersion = final.Version
			s.mu.Unlock()
		}
		if wasRunning {
			if err := s.start(context.WithoutCancel(ctx)); err != nil {
				log.WithError(err).Error("restart after update failed")
			}
		}
		binary.Finish(ctx, out, final)
	}()
	return out, nil
}

// CheckForUpdate asks the binary manager and records the result in the status.
func (s *Service) CheckForUpdate(ctx context.Context) binary.UpdateCheck {
	res := s.opts.Artifacts.CheckForUpdate(ctx)
	s.mu.Lock()
	if res.State != binary.UpdateCheckFailed {
		s.status.UpdateAvailable = res.State == binary.UpdateAvailable
		s.status.LatestVersion = res.Latest
		s.status.BinaryVersion = res.Current
	}
	st := s.status
	s.mu.Unlock()
	s.publish(st)
	return res
}

// Status returns the latest published status.
func (s *Service) Status() NodeStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Logs returns recent daemon output.
func (s *Service) Logs(n int) []string {
	return s.opts.Daemon.RecentOutput(n)
}

// Subscribe receives every published status until cancel is called.
// Slow subscribers miss updates rather than block the poller.
func (s *Service) Subscribe() (<-chan NodeStatus, func()) {
	ch := make(chan NodeStatus, 4)
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subMu.Unlock()
	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

func (s *Service) publish(st NodeStatus) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- st:
		default:
		}
	}
}

func (s *Service) setError(err error) {
	s.mu.Lock()
	s.status.Error = err.Error()
	s.status.State = s.opts.Daemon.Info().State
	s.status.UpdatedAt = time.Now()
	st := s.status
	s.mu.Unlock()
	s.publish(st)
}

// refresh polls the daemon once and publishes the result.
func (s *Service) refresh(ctx context.Context) {
	info := s.opts.Daemon.Info()

	s.mu.Lock()
	next := NodeStatus{
		State:           info.State,
		PID:             info.PID,
		StartedAt:       info.StartedAt,
		Error:           info.LastError,
		BinaryVersion:   s.status.BinaryVersion,
		UpdateAvailable: s.status.UpdateAvailable,
		LatestVersion:   s.status.LatestVersion,
	}
	s.mu.Unlock()

	if next.BinaryVersion == "" {
		if v, err := s.opts.Artifacts.Version(ctx); err == nil {
			next.BinaryVersion = v
		}
	}

	if s.opts.Daemon.IsRunning() {
		callCtx, cancel := context.WithTimeout(ctx, s.opts.StatusInterval)
		gi, err := s.opts.RPC.GetInfo(callCtx)
		cancel()
		if err == nil {
			next.Running = true
			next.applyInfo(gi)
			next.Error = ""
		} else if ctx.Err() == nil {
			next.Running = info.State == supervisor.StateRunning
			next.Error = fmt.Sprintf("get_info: %v", err)
			log.WithError(err).Debug("status poll failed")
		}
	}
	next.UpdatedAt = time.Now()

	metrics.SetNodeStatus(next.Height, next.TargetHeight, next.OutPeers, next.InPeers, next.SyncProgress)

	s.mu.Lock()
	s.status = next
	s.mu.Unlock()
	s.publish(next)
}

// Package supervisor launches monerod, waits for its RPC to answer and
// shuts it down with escalating force.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/sevendeuce/monerodctl/internal/config"
	apperrors "github.com/sevendeuce/monerodctl/internal/errors"
	"github.com/sevendeuce/monerodctl/internal/logging"
	"github.com/sevendeuce/monerodctl/internal/metrics"
	"github.com/sevendeuce/monerodctl/internal/rpc"
	log "github.com/sirupsen/logrus"
)

// handle is the supervisor's exclusive reference to a spawned daemon.
type handle struct {
	cmd      *exec.Cmd
	pid      int
	started  time.Time
	done     chan struct{}
	exitCode int
	output   *logging.LineWriter
}

func (h *handle) alive() bool {
	if h == nil {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Supervisor owns at most one monerod subprocess.
type Supervisor struct {
	opts   Options
	output *logging.RingBuffer

	mu          sync.Mutex
	state       State
	handle      *handle
	startCancel context.CancelFunc
	lastErr     error

	subMu  sync.Mutex
	subs   map[int]chan State
	nextID int
}

// New validates opts and returns a stopped Supervisor.
func New(opts Options) (*Supervisor, error) {
	if opts.Artifacts == nil || opts.Settings == nil || opts.RPC == nil {
		return nil, errors.New("supervisor: artifacts, settings and rpc are required")
	}
	if opts.DaemonConfigPath == "" || opts.DataDir == nil || opts.StateDir == "" {
		return nil, errors.New("supervisor: daemon config path, data dir and state dir are required")
	}
	opts.applyDefaults()
	s := &Supervisor{
		opts:   opts,
		output: logging.NewRingBuffer(opts.OutputLines),
		subs:   make(map[int]chan State),
	}
	metrics.SetDaemonState(StateStopped.String())
	return s, nil
}

func (s *Supervisor) pidFilePath() string {
	return filepath.Join(s.opts.StateDir, PIDFileName)
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns the current state, pid and start time.
func (s *Supervisor) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{State: s.state}
	if s.handle != nil {
		info.PID = s.handle.pid
		info.StartedAt = s.handle.started
	}
	if s.lastErr != nil {
		info.LastError = s.lastErr.Error()
	}
	return info
}

// Subscribe returns a channel receiving every state change and a function
// that cancels the subscription. Slow subscribers miss intermediate states.
func (s *Supervisor) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 16)
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

// setStateLocked must be called with s.mu held.
func (s *Supervisor) setStateLocked(st State) {
	if s.state == st {
		return
	}
	log.WithFields(log.Fields{"from": s.state, "to": st}).Debug("monerod state change")
	s.state = st
	metrics.SetDaemonState(st.String())

	s.subMu.Lock()
	for _, ch := range s.subs {
		select {
		case ch <- st:
		default:
		}
	}
	s.subMu.Unlock()
}

// RecentOutput returns up to n of the latest daemon output lines, oldest first.
func (s *Supervisor) RecentOutput(n int) []string {
	entries := s.output.GetRecentBySource(logging.SourceDaemon, n)
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = e.Message
	}
	return lines
}

// IsRunning reports whether a daemon is alive: our handle, a process with a
// known daemon name, or the pid recorded in the pidfile.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h.alive() {
		return true
	}
	return len(s.orphanPIDs()) > 0
}

// orphanPIDs lists daemons we do not hold a handle for. A pidfile whose pid
// now belongs to an unrelated process is stale and is removed.
func (s *Supervisor) orphanPIDs() []int {
	pids := findProcesses(s.opts.ProcessNames)
	pid := readPIDFile(s.pidFilePath())
	if pid <= 0 || !isProcessAlive(pid) {
		return pids
	}
	if !processMatches(pid, s.daemonNames()) {
		log.WithField("pid", pid).Warn("pidfile names an unrelated process, discarding it")
		if err := removePIDFile(s.pidFilePath()); err != nil {
			log.WithError(err).Warn("failed to remove stale monerod pidfile")
		}
		return pids
	}
	return appendUnique(pids, pid)
}

// daemonNames are the process names a pidfile pid may carry: the configured
// names plus the base name of the executable we launch.
func (s *Supervisor) daemonNames() []string {
	names := append([]string(nil), s.opts.ProcessNames...)
	if exe, err := s.opts.Artifacts.ExecutablePath(); err == nil {
		names = append(names, filepath.Base(exe))
	}
	return names
}

// Start launches monerod and waits until its RPC answers, the readiness
// attempts run out while it is still alive, or it exits. Starting a running
// daemon is a no-op. Cancelling ctx ends the wait but leaves the daemon up.
func (s *Supervisor) Start(ctx context.Context, opts StartOptions) error {
	s.mu.Lock()
	switch {
	case s.state == StateStarting || s.state == StateStopping:
		st := s.state
		s.mu.Unlock()
		return apperrors.Busy("monerod " + st.String())
	case s.handle.alive():
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if pids := s.orphanPIDs(); len(pids) > 0 {
		log.WithField("pids", pids).Info("monerod already running")
		s.mu.Lock()
		if s.state == StateStopped || s.state == StateFailed {
			s.setStateLocked(StateRunning)
		}
		s.mu.Unlock()
		return nil
	}

	exe, err := s.opts.Artifacts.ExecutablePath()
	if err != nil {
		if !apperrors.HasCode(err, apperrors.CodeArtifactMissing) {
			missing := apperrors.ArtifactMissing("")
			missing.Err = err
			err = missing
		}
		metrics.RecordDaemonStart("missing")
		return err
	}

	cmd, err := s.prepare(exe, opts)
	if err != nil {
		metrics.RecordDaemonStart("error")
		return err
	}

	s.mu.Lock()
	switch {
	case s.state == StateStarting || s.state == StateStopping:
		st := s.state
		s.mu.Unlock()
		return apperrors.Busy("monerod " + st.String())
	case s.handle.alive():
		s.mu.Unlock()
		return nil
	}
	s.lastErr = nil
	s.setStateLocked(StateStarting)
	h, err := s.spawn(cmd)
	if err != nil {
		s.lastErr = err
		s.setStateLocked(StateFailed)
		s.setStateLocked(StateStopped)
		s.mu.Unlock()
		metrics.RecordDaemonStart("error")
		return fmt.Errorf("start monerod: %w", err)
	}
	s.handle = h
	rctx, cancel := context.WithCancel(ctx)
	s.startCancel = cancel
	s.mu.Unlock()
	defer cancel()

	err = s.awaitReady(rctx, h)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.startCancel = nil
	if s.state != StateStarting {
		// Stop took over.
		if err == nil {
			err = context.Canceled
		}
		return err
	}
	switch {
	case err == nil:
		s.setStateLocked(StateRunning)
		metrics.RecordDaemonStart("ok")
		log.WithField("pid", h.pid).Info("monerod is running")
		return nil
	case apperrors.HasCode(err, apperrors.CodeProcessExited):
		s.lastErr = err
		s.handle = nil
		_ = removePIDFile(s.pidFilePath())
		s.setStateLocked(StateFailed)
		s.setStateLocked(StateStopped)
		metrics.RecordDaemonStart("exited")
		log.WithError(err).Error("monerod exited during startup")
		return err
	default:
		// Caller gave up waiting; the daemon keeps running under our handle.
		s.setStateLocked(StateRunning)
		return err
	}
}

// prepare renders the daemon config, primes RPC credentials and builds the command.
func (s *Supervisor) prepare(exe string, opts StartOptions) (*exec.Cmd, error) {
	settings, err := config.EnsureCredentials(s.opts.Settings)
	if err != nil {
		return nil, fmt.Errorf("load node settings: %w", err)
	}
	dataDir := s.opts.DataDir(settings.UseExternalStorage)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := config.WriteDaemonConfig(s.opts.DaemonConfigPath, dataDir, settings); err != nil {
		return nil, fmt.Errorf("write daemon config: %w", err)
	}

	s.opts.RPC.SetCredentials(rpc.Credentials{Username: settings.RPCUsername, Password: settings.RPCPassword})
	s.opts.RPC.SetEndpoint(s.opts.DaemonHost, settings.RPCPort)

	args := []string{"--config-file", s.opts.DaemonConfigPath, "--non-interactive"}
	args = append(args, opts.ExtraArgs...)
	args = append(args, config.SplitFlags(settings.CustomFlags)...)

	cmd := exec.Command(exe, args...)
	cmd.Dir = dataDir
	cmd.Env = os.Environ()
	if s.opts.HomeDir != "" {
		cmd.Env = append(cmd.Env, "HOME="+s.opts.HomeDir)
	}
	if s.opts.TmpDir != "" {
		cmd.Env = append(cmd.Env, "TMPDIR="+s.opts.TmpDir)
	}
	setSysProcAttr(cmd)
	return cmd, nil
}

// spawn starts cmd and the goroutine that reaps it. Caller holds s.mu.
func (s *Supervisor) spawn(cmd *exec.Cmd) (*handle, error) {
	out := logging.NewLineWriter(s.output, logging.SourceDaemon, "info")
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	h := &handle{
		cmd:     cmd,
		pid:     cmd.Process.Pid,
		started: time.Now(),
		done:    make(chan struct{}),
		output:  out,
	}
	if err := writePIDFile(s.pidFilePath(), h.pid); err != nil {
		log.WithError(err).Warn("failed to write monerod pidfile")
	}
	log.WithFields(log.Fields{"pid": h.pid, "args": cmd.Args[1:]}).Info("monerod launched")

	go func() {
		err := cmd.Wait()
		out.Flush()
		h.exitCode = cmd.ProcessState.ExitCode()
		close(h.done)
		log.WithError(err).WithField("exit_code", h.exitCode).Info("monerod exited")
		s.reap(h)
	}()
	return h, nil
}

// reap clears a handle whose daemon died while running unattended.
func (s *Supervisor) reap(h *handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != h || s.state != StateRunning {
		return
	}
	s.handle = nil
	s.lastErr = apperrors.ProcessExited(h.exitCode)
	_ = removePIDFile(s.pidFilePath())
	log.WithField("exit_code", h.exitCode).Error("monerod exited unexpectedly")
	s.setStateLocked(StateFailed)
	s.setStateLocked(StateStopped)
}

// awaitReady waits out the warm-up, then polls the RPC until it answers.
func (s *Supervisor) awaitReady(ctx context.Context, h *handle) error {
	if err := sleepCtx(ctx, h, s.opts.WarmupDelay); err != nil {
		return err
	}
	for attempt := 1; attempt <= s.opts.ReadinessTries; attempt++ {
		if !h.alive() {
			return apperrors.ProcessExited(h.exitCode)
		}
		if s.opts.RPC.IsNodeRunning(ctx) {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.WithField("attempt", attempt).Debug("monerod rpc not ready")
		if attempt < s.opts.ReadinessTries {
			if err := sleepCtx(ctx, h, s.opts.ReadinessSpacing); err != nil {
				return err
			}
		}
	}
	if !h.alive() {
		return apperrors.ProcessExited(h.exitCode)
	}
	log.Warn("monerod rpc never answered, assuming it is still loading")
	return nil
}

// sleepCtx waits d, returning early with ProcessExited or the ctx error.
func sleepCtx(ctx context.Context, h *handle, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-h.done:
		return apperrors.ProcessExited(h.exitCode)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop shuts the daemon down: stop_daemon over RPC, then SIGTERM, then
// SIGKILL. Daemons found only by name or pidfile are stopped the same way.
// Failures are logged, never returned.
func (s *Supervisor) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.startCancel != nil {
		s.startCancel()
	}
	h := s.handle
	prev := s.state
	if prev != StateStopped {
		s.setStateLocked(StateStopping)
	}
	s.mu.Unlock()

	pids := s.orphanPIDs()
	if h.alive() {
		pids = appendUnique(pids, h.pid)
	}
	if len(pids) == 0 && prev == StateStopped {
		return
	}
	if prev == StateStopped {
		s.mu.Lock()
		s.setStateLocked(StateStopping)
		s.mu.Unlock()
	}

	dead := func() bool {
		for _, pid := range pids {
			if h != nil && pid == h.pid {
				if h.alive() {
					return false
				}
				continue
			}
			if isProcessAlive(pid) {
				return false
			}
		}
		return true
	}

	if len(pids) > 0 {
		log.WithFields(log.Fields{"pids": pids, "state": prev}).Info("stopping monerod")
		s.shutdown(ctx, pids, dead)
	}

	s.mu.Lock()
	s.handle = nil
	s.startCancel = nil
	if err := removePIDFile(s.pidFilePath()); err != nil {
		log.WithError(err).Warn("failed to remove monerod pidfile")
	}
	s.setStateLocked(StateStopped)
	s.mu.Unlock()
}

func (s *Supervisor) shutdown(ctx context.Context, pids []int, dead func() bool) {
	rpcCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := s.opts.RPC.StopDaemon(rpcCtx); err != nil {
		log.WithError(err).Warn("stop_daemon rpc failed")
	}
	cancel()

	for i := 0; i < s.opts.StopPolls; i++ {
		if dead() {
			log.Info("monerod stopped gracefully")
			return
		}
		if !wait(ctx, s.opts.StopPollInterval) {
			break
		}
	}

	if dead() {
		return
	}
	log.Warn("monerod still alive, sending SIGTERM")
	for _, pid := range pids {
		if err := terminate(pid); err != nil {
			log.WithError(err).WithField("pid", pid).Debug("SIGTERM failed")
		}
	}
	if waitUntil(ctx, s.opts.TermGrace, dead) {
		return
	}

	log.Warn("monerod ignored SIGTERM, sending SIGKILL")
	for _, pid := range pids {
		if err := kill(pid); err != nil {
			log.WithError(err).WithField("pid", pid).Debug("SIGKILL failed")
		}
	}
	if !waitUntil(ctx, s.opts.KillGrace, dead) {
		log.Error("monerod survived SIGKILL")
	}
}

// wait sleeps d unless ctx ends first; it reports whether the full sleep happened.
func wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// waitUntil polls cond for up to d. Escalation continues even if ctx is done.
func waitUntil(ctx context.Context, d time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(d)
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			time.Sleep(50 * time.Millisecond)
		}
	}
}

func appendUnique(pids []int, pid int) []int {
	for _, p := range pids {
		if p == pid {
			return pids
		}
	}
	return append(pids, pid)
}

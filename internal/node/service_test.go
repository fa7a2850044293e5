package node

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sevendeuce/monerodctl/internal/binary"
	apperrors "github.com/sevendeuce/monerodctl/internal/errors"
	"github.com/sevendeuce/monerodctl/internal/rpc"
	"github.com/sevendeuce/monerodctl/internal/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeArtifacts struct {
	mu         sync.Mutex
	installed  bool
	installErr error
	installs   int
	updates    int
	check      binary.UpdateCheck
	// progress, when set, makes Update stream that many Progress events
	// through an unbuffered channel before Updated.
	progress int
}

func stream(events ...binary.Status) <-chan binary.Status {
	ch := make(chan binary.Status, len(events))
	for _, e := range events {
		ch <- e
	}
	close(ch)
	return ch
}

func (f *fakeArtifacts) IsInstalled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.installed
}

func (f *fakeArtifacts) Install(context.Context) (<-chan binary.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installs++
	if f.installErr != nil {
		return stream(binary.Status{Kind: binary.StatusDownloading}, binary.Status{Kind: binary.StatusError, Err: f.installErr}), nil
	}
	f.installed = true
	return stream(binary.Status{Kind: binary.StatusDownloading}, binary.Status{Kind: binary.StatusInstalled}), nil
}

func (f *fakeArtifacts) Update(context.Context) (<-chan binary.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	if f.progress > 0 {
		ch := make(chan binary.Status)
		go func(n int) {
			defer close(ch)
			for i := 1; i <= n; i++ {
				ch <- binary.Status{Kind: binary.StatusProgress, Percent: i * 100 / n}
			}
			ch <- binary.Status{Kind: binary.StatusUpdated, Version: "0.18.4.0"}
		}(f.progress)
		return ch, nil
	}
	return stream(binary.Status{Kind: binary.StatusExtracting}, binary.Status{Kind: binary.StatusUpdated, Version: "0.18.4.0"}), nil
}

func (f *fakeArtifacts) Version(context.Context) (string, error) { return "0.18.3.1", nil }

func (f *fakeArtifacts) CheckForUpdate(context.Context) binary.UpdateCheck { return f.check }

type fakeDaemon struct {
	mu      sync.Mutex
	running bool
	starts  int
	stops   int
	err     error
}

func (d *fakeDaemon) Start(context.Context, supervisor.StartOptions) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.starts++
	if d.err != nil {
		return d.err
	}
	d.running = true
	return nil
}

func (d *fakeDaemon) Stop(context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
	d.running = false
}

func (d *fakeDaemon) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *fakeDaemon) Info() supervisor.Info {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return supervisor.Info{State: supervisor.StateRunning, PID: 4242}
	}
	return supervisor.Info{State: supervisor.StateStopped}
}

func (d *fakeDaemon) RecentOutput(n int) []string { return []string{"line"} }

// daemonRPC is a real rpc.Client pointed at an httptest monerod.
func daemonRPC(t *testing.T, hits *atomic.Int32) *rpc.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":"0","result":{"height":500,"target_height":1000,"outgoing_connections_count":4,"incoming_connections_count":1,"version":"0.18.3.1","status":"OK"}}`)
	}))
	t.Cleanup(srv.Close)
	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	port, _ := strconv.Atoi(portStr)
	return rpc.NewClient(host, port, rpc.Credentials{Username: "monero", Password: "pw"})
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestService_StartInstallsPollsAndProxies(t *testing.T) {
	var hits atomic.Int32
	art := &fakeArtifacts{}
	daemon := &fakeDaemon{}
	proxyPort := freePort(t)

	svc, err := New(Options{
		Artifacts:      art,
		Daemon:         daemon,
		RPC:            daemonRPC(t, &hits),
		Proxy:          &ProxyOptions{ListenHost: "127.0.0.1", ListenPort: proxyPort},
		StatusInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	updates, unsubscribe := svc.Subscribe()
	defer unsubscribe()

	require.NoError(t, svc.Start(context.Background()))
	assert.Equal(t, 1, art.installs)
	assert.Equal(t, 1, daemon.starts)

	select {
	case st := <-updates:
		assert.True(t, st.Running)
		assert.Equal(t, uint64(500), st.Height)
		assert.InDelta(t, 50.0, st.SyncProgress, 0.01)
		assert.False(t, st.Synced)
		assert.Equal(t, uint64(4), st.OutPeers)
		assert.Equal(t, "0.18.3.1", st.BinaryVersion)
		assert.Equal(t, 4242, st.PID)
	case <-time.After(5 * time.Second):
		t.Fatal("no status published")
	}

	resp, err := http.Post("http://127.0.0.1:"+strconv.Itoa(proxyPort)+"/json_rpc", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":"0","method":"get_info"}`))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"height":500`)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	require.NoError(t, svc.Start(context.Background()), "second start is a no-op")
	assert.Equal(t, 1, daemon.starts)

	svc.Stop(context.Background())
	assert.Equal(t, 1, daemon.stops)
	assert.False(t, svc.Status().Running)
	assert.Equal(t, supervisor.StateStopped, svc.Status().State)

	_, err = http.Get("http://127.0.0.1:" + strconv.Itoa(proxyPort) + "/")
	assert.Error(t, err, "proxy must be closed after Stop")
}

func TestService_InstallFailureDoesNotStartDaemon(t *testing.T) {
	var hits atomic.Int32
	art := &fakeArtifacts{installErr: apperrors.DownloadFailed(503, nil)}
	daemon := &fakeDaemon{}
	svc, err := New(Options{Artifacts: art, Daemon: daemon, RPC: daemonRPC(t, &hits)})
	require.NoError(t, err)

	err = svc.Start(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeDownloadFailed))
	assert.Equal(t, 0, daemon.starts)
	assert.Contains(t, svc.Status().Error, "HTTP 503")
}

func TestService_DaemonStartFailure(t *testing.T) {
	var hits atomic.Int32
	daemon := &fakeDaemon{err: apperrors.ProcessExited(1)}
	svc, err := New(Options{Artifacts: &fakeArtifacts{installed: true}, Daemon: daemon, RPC: daemonRPC(t, &hits)})
	require.NoError(t, err)

	err = svc.Start(context.Background())
	_, ok := apperrors.ExitCode(err)
	assert.True(t, ok)
	assert.False(t, svc.Status().Running)
}

func TestService_UpdateRestartsRunningNode(t *testing.T) {
	var hits atomic.Int32
	art := &fakeArtifacts{installed: true}
	daemon := &fakeDaemon{}
	svc, err := New(Options{Artifacts: art, Daemon: daemon, RPC: daemonRPC(t, &hits), StatusInterval: time.Hour})
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))

	ch, err := svc.Update(context.Background())
	require.NoError(t, err)
	var kinds []binary.StatusKind
	require.NoError(t, Drain(ch, func(s binary.Status) { kinds = append(kinds, s.Kind) }))
	assert.Equal(t, []binary.StatusKind{binary.StatusExtracting, binary.StatusUpdated}, kinds)

	assert.Equal(t, 1, daemon.stops)
	assert.Equal(t, 2, daemon.starts)
	assert.True(t, daemon.IsRunning())
	assert.Equal(t, "0.18.4.0", svc.Status().BinaryVersion)
	svc.Stop(context.Background())
}

func TestService_StartAfterDaemonDiedRelaunches(t *testing.T) {
	var hits atomic.Int32
	daemon := &fakeDaemon{}
	proxyPort := freePort(t)
	svc, err := New(Options{
		Artifacts:      &fakeArtifacts{installed: true},
		Daemon:         daemon,
		RPC:            daemonRPC(t, &hits),
		Proxy:          &ProxyOptions{ListenHost: "127.0.0.1", ListenPort: proxyPort},
		StatusInterval: time.Hour,
	})
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))

	daemon.mu.Lock()
	daemon.running = false
	daemon.mu.Unlock()

	require.NoError(t, svc.Start(context.Background()), "proxy port must be free for the relaunch")
	assert.Equal(t, 2, daemon.starts)
	assert.True(t, daemon.IsRunning())

	resp, err := http.Post("http://127.0.0.1:"+strconv.Itoa(proxyPort)+"/json_rpc", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":"0","method":"get_info"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	svc.Stop(context.Background())
	_, err = http.Get("http://127.0.0.1:" + strconv.Itoa(proxyPort) + "/")
	assert.Error(t, err)
}

func TestService_AbandonedUpdateStreamReleasesLifecycle(t *testing.T) {
	var hits atomic.Int32
	art := &fakeArtifacts{installed: true, progress: 50}
	daemon := &fakeDaemon{}
	svc, err := New(Options{Artifacts: art, Daemon: daemon, RPC: daemonRPC(t, &hits), StatusInterval: time.Hour})
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := svc.Update(ctx)
	require.NoError(t, err)
	cancel()

	stopped := make(chan struct{})
	go func() {
		svc.Stop(context.Background())
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop blocked behind an abandoned update stream")
	}

	var last binary.Status
	require.NoError(t, Drain(ch, func(s binary.Status) { last = s }))
	assert.Equal(t, binary.StatusUpdated, last.Kind)
	assert.Equal(t, 2, daemon.starts, "node restarted after the update")
	assert.Equal(t, 2, daemon.stops)
	assert.False(t, daemon.IsRunning())
}

func TestService_CheckForUpdateRecordsResult(t *testing.T) {
	var hits atomic.Int32
	art := &fakeArtifacts{installed: true, check: binary.UpdateCheck{State: binary.UpdateAvailable, Current: "0.18.3.1", Latest: "0.18.4.0"}}
	svc, err := New(Options{Artifacts: art, Daemon: &fakeDaemon{}, RPC: daemonRPC(t, &hits)})
	require.NoError(t, err)

	res := svc.CheckForUpdate(context.Background())
	assert.Equal(t, binary.UpdateAvailable, res.State)
	st := svc.Status()
	assert.True(t, st.UpdateAvailable)
	assert.Equal(t, "0.18.4.0", st.LatestVersion)

	art.check = binary.UpdateCheck{State: binary.UpdateCheckFailed, Err: errors.New("offline")}
	svc.CheckForUpdate(context.Background())
	assert.True(t, svc.Status().UpdateAvailable, "a failed check keeps the previous answer")
}

func TestDrain(t *testing.T) {
	boom := errors.New("boom")
	var n int
	err := Drain(stream(binary.Status{Kind: binary.StatusProgress}, binary.Status{Kind: binary.StatusError, Err: boom}), func(binary.Status) { n++ })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, n)

	assert.NoError(t, Drain(stream(binary.Status{Kind: binary.StatusInstalled}), nil))
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

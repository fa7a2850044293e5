package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func configKeys(body string) []string {
	var keys []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keys = append(keys, line)
	}
	return keys
}

func TestRenderDaemonConfig_DefaultsInOrder(t *testing.T) {
	s := DefaultNodeSettings()
	s.RPCPassword = "pw"

	got := configKeys(RenderDaemonConfig("/data/blockchain", s))
	want := []string{
		"data-dir=/data/blockchain",
		"log-file=/dev/null",
		"max-log-file-size=0",
		"prune-blockchain=1",
		"p2p-bind-ip=0.0.0.0",
		"p2p-bind-port=18080",
		"rpc-restricted-bind-ip=0.0.0.0",
		"rpc-restricted-bind-port=18089",
		"rpc-bind-ip=0.0.0.0",
		"rpc-bind-port=18081",
		"confirm-external-bind=1",
		"rpc-login=monero:pw",
		"rpc-ssl=autodetect",
		"no-zmq=1",
		"no-igd=1",
		"db-sync-mode=fast:async:1000000",
		"disable-dns-checkpoints=1",
		"enable-dns-blocklist=1",
		"out-peers=32",
		"in-peers=32",
		"limit-rate-up=1048576",
		"limit-rate-down=1048576",
	}
	assert.Equal(t, want, got)
}

func TestRenderDaemonConfig_FullNode(t *testing.T) {
	s := DefaultNodeSettings()
	s.PruneBlockchain = false
	s.NoIGD = false

	body := RenderDaemonConfig("/d", s)
	assert.Contains(t, body, "prune-blockchain=0\n")
	assert.Contains(t, body, "no-igd=0\n")
}

func TestWriteDaemonConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config", "monerod.conf")
	s := DefaultNodeSettings()
	s.RPCPassword = "secret"

	require.NoError(t, WriteDaemonConfig(path, "/d", s))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "rpc-login=monero:secret")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestSplitFlags(t *testing.T) {
	assert.Empty(t, SplitFlags("   "))
	assert.Equal(t, []string{"--log-level", "1", "--max-concurrency=2"}, SplitFlags(" --log-level  1\t--max-concurrency=2 "))
}

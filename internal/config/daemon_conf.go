package config

import (
	"fmt"
	"strings"
)

// RenderDaemonConfig produces the monerod.conf body for dataDir and s.
// Keys appear in a fixed order so the file is stable across renders.
func RenderDaemonConfig(dataDir string, s NodeSettings) string {
	var b strings.Builder
	section := func(title string) {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("# " + title + "\n")
	}
	kv := func(key string, value interface{}) {
		fmt.Fprintf(&b, "%s=%v\n", key, value)
	}

	b.WriteString("# monerod configuration written by monerodctl; edits are overwritten on start\n")
	section("Storage")
	kv("data-dir", dataDir)
	kv("log-file", "/dev/null")
	kv("max-log-file-size", 0)
	kv("prune-blockchain", flag(s.PruneBlockchain))

	section("P2P")
	kv("p2p-bind-ip", "0.0.0.0")
	kv("p2p-bind-port", s.P2PPort)

	section("RPC")
	kv("rpc-restricted-bind-ip", "0.0.0.0")
	kv("rpc-restricted-bind-port", s.RestrictedRPCPort)
	kv("rpc-bind-ip", "0.0.0.0")
	kv("rpc-bind-port", s.RPCPort)
	kv("confirm-external-bind", 1)
	kv("rpc-login", s.RPCUsername+":"+s.RPCPassword)
	kv("rpc-ssl", "autodetect")

	section("Services")
	kv("no-zmq", flag(s.NoZMQ))
	kv("no-igd", flag(s.NoIGD))
	kv("db-sync-mode", s.DBSyncMode)
	kv("disable-dns-checkpoints", flag(s.DisableDNSCheckpoints))
	kv("enable-dns-blocklist", flag(s.EnableDNSBlocklist))

	section("Peers and bandwidth")
	kv("out-peers", s.OutPeers)
	kv("in-peers", s.InPeers)
	kv("limit-rate-up", s.LimitRateUp)
	kv("limit-rate-down", s.LimitRateDown)
	return b.String()
}

// WriteDaemonConfig renders and atomically writes the daemon config to path.
// The file holds the RPC password, so it is created 0600.
func WriteDaemonConfig(path, dataDir string, s NodeSettings) error {
	return writeFileAtomic(path, []byte(RenderDaemonConfig(dataDir, s)), 0o600)
}

// SplitFlags splits the user's custom flag string on whitespace.
func SplitFlags(custom string) []string {
	return strings.Fields(custom)
}

func flag(v bool) int {
	if v {
		return 1
	}
	return 0
}

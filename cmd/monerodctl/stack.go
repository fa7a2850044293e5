package main

import (
	"fmt"
	"net"
	"strconv"

	"github.com/sevendeuce/monerodctl/internal/binary"
	"github.com/sevendeuce/monerodctl/internal/config"
	"github.com/sevendeuce/monerodctl/internal/node"
	"github.com/sevendeuce/monerodctl/internal/rpc"
	"github.com/sevendeuce/monerodctl/internal/supervisor"
	"github.com/sevendeuce/monerodctl/internal/tui"
)

// stack is the in-process node: binary manager, supervisor, RPC client and
// the service that ties them together.
type stack struct {
	manager  *binary.Manager
	settings *config.FileSettings
	rpc      *rpc.Client
	sup      *supervisor.Supervisor
	node     *node.Service
}

func newStack(cfg *config.Config) (*stack, error) {
	manager, err := binary.NewFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("binary manager: %w", err)
	}

	settings := config.NewFileSettings(cfg.SettingsPath())
	ns, err := config.EnsureCredentials(settings)
	if err != nil {
		return nil, fmt.Errorf("node settings: %w", err)
	}
	client := rpc.NewClient(cfg.Proxy.DaemonHost, ns.RPCPort, rpc.Credentials{Username: ns.RPCUsername, Password: ns.RPCPassword})

	sup, err := supervisor.New(supervisor.Options{
		Artifacts:        manager,
		Settings:         settings,
		RPC:              client,
		DaemonConfigPath: cfg.DaemonConfigPath(),
		DataDir:          cfg.DataDir,
		StateDir:         cfg.Paths.StateDir,
		DaemonHost:       cfg.Proxy.DaemonHost,
		WarmupDelay:      cfg.Timing.WarmupDelay,
		ReadinessTries:   cfg.Timing.ReadinessTries,
		ReadinessSpacing: cfg.Timing.ReadinessSpacing,
	})
	if err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}

	var proxyOpts *node.ProxyOptions
	if cfg.Proxy.Enabled {
		proxyOpts = &node.ProxyOptions{ListenHost: cfg.Proxy.Host, ListenPort: cfg.Proxy.Port}
	}
	svc, err := node.New(node.Options{
		Artifacts:      manager,
		Daemon:         sup,
		RPC:            client,
		Settings:       settings,
		Proxy:          proxyOpts,
		StatusInterval: cfg.Timing.StatusInterval,
		CheckUpdates:   true,
	})
	if err != nil {
		return nil, err
	}

	return &stack{manager: manager, settings: settings, rpc: client, sup: sup, node: svc}, nil
}

// apiClient targets --api, or the configured control API address.
func apiClient(cfg *config.Config, flags *globalFlags) *tui.Client {
	if flags.apiURL != "" {
		return tui.NewClient(flags.apiURL)
	}
	host := cfg.API.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return tui.NewClient("http://" + net.JoinHostPort(host, strconv.Itoa(cfg.API.Port)))
}

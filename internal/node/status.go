package node

import (
	"time"

	"github.com/sevendeuce/monerodctl/internal/rpc"
	"github.com/sevendeuce/monerodctl/internal/supervisor"
)

// NodeStatus is the published view of the node.
type NodeStatus struct {
	State   supervisor.State `json:"state"`
	Running bool             `json:"running"`

	Height         uint64  `json:"height"`
	TargetHeight   uint64  `json:"target_height"`
	OutPeers       uint64  `json:"out_peers"`
	InPeers        uint64  `json:"in_peers"`
	RPCConnections uint64  `json:"rpc_connections"`
	SyncProgress   float64 `json:"sync_progress"`
	Synced         bool    `json:"synced"`
	DatabaseSize   uint64  `json:"database_size,omitempty"`

	// DaemonVersion is reported by get_info; BinaryVersion by --version.
	DaemonVersion   string `json:"daemon_version,omitempty"`
	BinaryVersion   string `json:"binary_version,omitempty"`
	UpdateAvailable bool   `json:"update_available"`
	LatestVersion   string `json:"latest_version,omitempty"`

	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	Error     string    `json:"error,omitempty"`
}

// applyInfo copies get_info fields into s.
func (s *NodeStatus) applyInfo(info *rpc.GetInfoResult) {
	s.Height = info.Height
	s.TargetHeight = info.TargetHeight
	s.OutPeers = info.OutgoingConnectionsCount
	s.InPeers = info.IncomingConnectionsCount
	s.RPCConnections = info.RPCConnectionsCount
	s.DatabaseSize = info.DatabaseSize
	s.DaemonVersion = info.Version
	s.SyncProgress = rpc.SyncProgress(*info)
	s.Synced = rpc.IsSynced(*info)
}

package rpc

import "encoding/json"

// Request is the JSON-RPC 2.0 envelope monerod expects on /json_rpc.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Response is the JSON-RPC reply envelope. Result is decoded lazily.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// GetInfoResult is the result of get_info.
type GetInfoResult struct {
	Height                   uint64 `json:"height"`
	TargetHeight             uint64 `json:"target_height"`
	Difficulty               uint64 `json:"difficulty"`
	TxCount                  uint64 `json:"tx_count"`
	TxPoolSize               uint64 `json:"tx_pool_size"`
	AltBlocksCount           uint64 `json:"alt_blocks_count"`
	OutgoingConnectionsCount uint64 `json:"outgoing_connections_count"`
	IncomingConnectionsCount uint64 `json:"incoming_connections_count"`
	RPCConnectionsCount      uint64 `json:"rpc_connections_count"`
	WhitePeerlistSize        uint64 `json:"white_peerlist_size"`
	GreyPeerlistSize         uint64 `json:"grey_peerlist_size"`
	Mainnet                  bool   `json:"mainnet"`
	Testnet                  bool   `json:"testnet"`
	Stagenet                 bool   `json:"stagenet"`
	TopBlockHash             string `json:"top_block_hash"`
	CumulativeDifficulty     uint64 `json:"cumulative_difficulty"`
	BlockSizeLimit           uint64 `json:"block_size_limit"`
	BlockWeightLimit         uint64 `json:"block_weight_limit"`
	BlockSizeMedian          uint64 `json:"block_size_median"`
	BlockWeightMedian        uint64 `json:"block_weight_median"`
	StartTime                int64  `json:"start_time"`
	FreeSpace                uint64 `json:"free_space"`
	Offline                  bool   `json:"offline"`
	Untrusted                bool   `json:"untrusted"`
	BootstrapDaemonAddress   string `json:"bootstrap_daemon_address"`
	HeightWithoutBootstrap   uint64 `json:"height_without_bootstrap"`
	WasBootstrapEverUsed     bool   `json:"was_bootstrap_ever_used"`
	DatabaseSize             uint64 `json:"database_size"`
	UpdateAvailable          bool   `json:"update_available"`
	Version                  string `json:"version"`
	Status                   string `json:"status"`
}

// Peers is the total number of inbound and outbound P2P connections.
func (r GetInfoResult) Peers() uint64 {
	return r.OutgoingConnectionsCount + r.IncomingConnectionsCount
}

// SyncInfoResult is the result of sync_info.
type SyncInfoResult struct {
	Height                uint64     `json:"height"`
	TargetHeight          uint64     `json:"target_height"`
	NextNeededPruningSeed uint32     `json:"next_needed_pruning_seed"`
	Peers                 []PeerInfo `json:"peers"`
	Spans                 []SpanInfo `json:"spans"`
	Status                string     `json:"status"`
	Untrusted             bool       `json:"untrusted"`
}

// PeerInfo wraps a single connection entry in sync_info.
type PeerInfo struct {
	Info ConnectionInfo `json:"info"`
}

// ConnectionInfo describes one P2P connection.
type ConnectionInfo struct {
	Address         string `json:"address"`
	AvgDownload     uint64 `json:"avg_download"`
	AvgUpload       uint64 `json:"avg_upload"`
	ConnectionID    string `json:"connection_id"`
	CurrentDownload uint64 `json:"current_download"`
	CurrentUpload   uint64 `json:"current_upload"`
	Height          uint64 `json:"height"`
	Host            string `json:"host"`
	Incoming        bool   `json:"incoming"`
	IP              string `json:"ip"`
	LiveTime        uint64 `json:"live_time"`
	LocalIP         bool   `json:"local_ip"`
	Localhost       bool   `json:"localhost"`
	PeerID          string `json:"peer_id"`
	Port            string `json:"port"`
	RecvCount       uint64 `json:"recv_count"`
	RecvIdleTime    uint64 `json:"recv_idle_time"`
	SendCount       uint64 `json:"send_count"`
	SendIdleTime    uint64 `json:"send_idle_time"`
	State           string `json:"state"`
	SupportFlags    uint32 `json:"support_flags"`
}

// SpanInfo describes a block span being downloaded.
type SpanInfo struct {
	ConnectionID     string `json:"connection_id"`
	NBlocks          uint64 `json:"nblocks"`
	Rate             uint64 `json:"rate"`
	RemoteAddress    string `json:"remote_address"`
	Size             uint64 `json:"size"`
	Speed            uint64 `json:"speed"`
	StartBlockHeight uint64 `json:"start_block_height"`
}

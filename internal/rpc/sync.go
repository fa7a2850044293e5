package rpc

// SyncedThreshold is the percentage at which the node is treated as synced.
const SyncedThreshold = 99.9

// likelySyncedHeight is the height above which a node with peers but no
// target is assumed to be at the tip.
const likelySyncedHeight = 1000

// SyncProgress estimates chain sync completion in percent from get_info.
//
// monerod reports target_height=0 once it believes it is synced, so a
// tall chain with peers and no target is reported as 100. That case is a
// heuristic and may be wrong right after start, before peers report heights.
func SyncProgress(info GetInfoResult) float64 {
	height, target := info.Height, info.TargetHeight
	switch {
	case target > height:
		p := float64(height) / float64(target) * 100
		if p > SyncedThreshold {
			return SyncedThreshold
		}
		return p
	case target > 0 && height >= target:
		return 100
	case height > likelySyncedHeight && target == 0 && info.Peers() > 0:
		return 100
	default:
		return 0
	}
}

// IsSynced reports whether SyncProgress has reached the synced threshold.
func IsSynced(info GetInfoResult) bool {
	return info.Height > 0 && SyncProgress(info) >= SyncedThreshold
}

// Package tui is the terminal side of monerodctl: a client for the control
// API and the views that render node status and install progress.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/sevendeuce/monerodctl/internal/binary"
	"github.com/sevendeuce/monerodctl/internal/node"
	"github.com/sevendeuce/monerodctl/internal/supervisor"
)

// RenderStatus formats a node status for the terminal.
func RenderStatus(st node.NodeStatus) string {
	var b strings.Builder
	row := func(label, value string) {
		b.WriteString(labelStyle.Render(label) + value + "\n")
	}

	b.WriteString(titleStyle.Render("monerod") + "\n")
	b.WriteString(dividerStyle.Render(strings.Repeat("─", 32)) + "\n")

	state := st.State.String()
	switch st.State {
	case supervisor.StateRunning:
		row("State:", valueStyle.Render(state))
	case supervisor.StateFailed:
		row("State:", errorStyle.Render(state))
	default:
		row("State:", warnStyle.Render(state))
	}
	if st.PID > 0 {
		row("PID:", fmt.Sprint(st.PID))
	}
	if !st.StartedAt.IsZero() {
		row("Uptime:", time.Since(st.StartedAt).Truncate(time.Second).String())
	}

	if st.Running {
		sync := fmt.Sprintf("%d / %d (%.1f%%)", st.Height, st.TargetHeight, st.SyncProgress)
		if st.Synced {
			row("Height:", valueStyle.Render(sync+" synced"))
		} else {
			row("Height:", warnStyle.Render(sync))
		}
		row("Peers:", fmt.Sprintf("%d out, %d in", st.OutPeers, st.InPeers))
		row("RPC conns:", fmt.Sprint(st.RPCConnections))
		if st.DatabaseSize > 0 {
			row("Database:", fmt.Sprintf("%.1f GB", float64(st.DatabaseSize)/(1<<30)))
		}
	}

	version := st.BinaryVersion
	if version == "" {
		version = st.DaemonVersion
	}
	if version != "" {
		row("Version:", version)
	}
	if st.UpdateAvailable {
		row("Update:", warnStyle.Render(st.LatestVersion+" available"))
	}
	if st.Error != "" {
		row("Error:", errorStyle.Render(st.Error))
	}
	return b.String()
}

// RenderUpdateCheck formats an update check result as one line.
func RenderUpdateCheck(res binary.UpdateCheck) string {
	switch res.State {
	case binary.UpdateAvailable:
		return warnStyle.Render(fmt.Sprintf("update available: %s -> %s", res.Current, res.Latest))
	case binary.UpToDate:
		return valueStyle.Render("up to date (" + res.Current + ")")
	default:
		return errorStyle.Render("update check failed: " + res.Message)
	}
}

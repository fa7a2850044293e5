//go:build !linux

package supervisor

import (
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

func findProcesses(names []string) []int {
	var pids []int
	for _, n := range names {
		out, err := exec.Command("pgrep", "-x", n).Output()
		if err != nil {
			continue
		}
		for _, f := range strings.Fields(string(out)) {
			if pid, err := strconv.Atoi(f); err == nil {
				pids = append(pids, pid)
			}
		}
	}
	return pids
}

func processMatches(pid int, names []string) bool {
	out, err := exec.Command("ps", "-p", strconv.Itoa(pid), "-o", "comm=").Output()
	if err != nil {
		return false
	}
	comm := filepath.Base(strings.TrimSpace(string(out)))
	for _, n := range names {
		if comm == n {
			return true
		}
	}
	return false
}

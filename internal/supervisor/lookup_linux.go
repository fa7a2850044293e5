//go:build linux

package supervisor

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// findProcesses lists live pids whose comm or argv[0] base matches one of names.
func findProcesses(names []string) []int {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}
	want := make(map[string]struct{}, len(names))
	for _, n := range names {
		want[n] = struct{}{}
	}
	self := os.Getpid()

	var pids []int
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid == self {
			continue
		}
		dir := filepath.Join("/proc", e.Name())
		if zombie(dir) {
			continue
		}
		if matches(dir, want) {
			pids = append(pids, pid)
		}
	}
	return pids
}

// processMatches reports whether pid's comm or argv[0] base is one of names.
func processMatches(pid int, names []string) bool {
	want := make(map[string]struct{}, len(names))
	for _, n := range names {
		want[n] = struct{}{}
	}
	return matches(filepath.Join("/proc", strconv.Itoa(pid)), want)
}

func matches(dir string, want map[string]struct{}) bool {
	if comm, err := os.ReadFile(filepath.Join(dir, "comm")); err == nil {
		if _, ok := want[strings.TrimSpace(string(comm))]; ok {
			return true
		}
	}
	cmdline, err := os.ReadFile(filepath.Join(dir, "cmdline"))
	if err != nil || len(cmdline) == 0 {
		return false
	}
	argv0 := string(cmdline)
	if i := strings.IndexByte(argv0, 0); i >= 0 {
		argv0 = argv0[:i]
	}
	_, ok := want[filepath.Base(argv0)]
	return ok
}

func zombie(dir string) bool {
	stat, err := os.ReadFile(filepath.Join(dir, "stat"))
	if err != nil {
		return true
	}
	// Fields after the parenthesised comm: state is the first.
	s := string(stat)
	i := strings.LastIndexByte(s, ')')
	if i < 0 || i+2 >= len(s) {
		return false
	}
	return s[i+2] == 'Z'
}

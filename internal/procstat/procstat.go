// Package procstat samples this process's own CPU time and resident set
// size for the Ops::Status response (spec §3, §4.8 supplement). It reads
// /proc/self/stat and /proc/self/status directly: there is no third-party
// library in the example corpus for this (the pack's only /proc touch point
// is a one-line os.Readlink on /proc/<pid>/exe), so this is plain stdlib by
// necessity rather than by default — see DESIGN.md.
package procstat

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

var clockTicksPerSecond = int64(100) // getconf CLK_TCK is 100 on virtually every Linux target

// Sample is a point-in-time reading of this process's resource usage.
type Sample struct {
	CPUMicros uint64
	RSSBytes  uint64
}

// Read samples /proc/self/stat (utime+stime, fields 14/15) and
// /proc/self/status (VmRSS) for the calling process. On non-Linux platforms,
// or if /proc is unavailable, it returns a zero Sample rather than an error:
// Status reporting degrades gracefully instead of failing the ops request.
func Read() Sample {
	var s Sample
	if cpu, ok := readCPUMicros(); ok {
		s.CPUMicros = cpu
	}
	if rss, ok := readRSSBytes(); ok {
		s.RSSBytes = rss
	}
	return s
}

func readCPUMicros() (uint64, bool) {
	data, err := os.ReadFile("/proc/self/stat")
	if err != nil {
		return 0, false
	}
	// Fields after the process name (which may itself contain spaces and is
	// parenthesized) are space separated; utime is field 14, stime field 15
	// counting from 1.
	close := strings.LastIndexByte(string(data), ')')
	if close < 0 || close+2 > len(data) {
		return 0, false
	}
	fields := strings.Fields(string(data[close+2:]))
	const utimeIdx = 13 - 2 // fields[] is 0-indexed starting at field 3 (state)
	const stimeIdx = 14 - 2
	if len(fields) <= stimeIdx {
		return 0, false
	}
	utime, err1 := strconv.ParseInt(fields[utimeIdx], 10, 64)
	stime, err2 := strconv.ParseInt(fields[stimeIdx], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, false
	}
	ticks := utime + stime
	micros := ticks * 1_000_000 / clockTicksPerSecond
	return uint64(micros), true
}

func readRSSBytes() (uint64, bool) {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return 0, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		var kb uint64
		if _, err := fmt.Sscanf(line, "VmRSS: %d kB", &kb); err != nil {
			return 0, false
		}
		return kb * 1024, true
	}
	return 0, false
}

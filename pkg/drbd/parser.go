// Package drbd parses the DRBD proc interface and drbdsetup output
// into per-minor status records. It feeds the LU layer's disk-health
// decisions and nothing else — it never talks to the kernel or shells
// out itself; callers supply the raw text.
package drbd

import (
	"bufio"
	"regexp"
	"strconv"
	"strings"
)

// MinorStatus is the per-minor snapshot produced by ParseProc.
type MinorStatus struct {
	Minor         int
	Connected     bool
	Primary       bool
	PeerRole      string
	DiskUpToDate  bool
	Diskless      bool
	Standalone    bool
	IsInResync    bool
	SyncPercent   float64
	HasSyncPercent bool
}

var minorHeaderRe = regexp.MustCompile(`^\s*(\d+):\s*cs:(\S+)\s+(?:ro|st):(\S+)/(\S+)\s+ds:(\S+)/(\S+)`)
var syncRe = regexp.MustCompile(`sync'ed:\s*([\d.]+)%`)

// ParseProc parses the contents of /proc/drbd into one MinorStatus per
// minor line. Lines that don't match the minor-header pattern (including
// the version banner and per-minor sync-progress continuation lines) are
// either skipped or folded into the preceding minor, matching the
// kernel's line-oriented format.
func ParseProc(data string) []MinorStatus {
	var (
		out     []MinorStatus
		current *MinorStatus
	)
	scanner := bufio.NewScanner(strings.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if m := minorHeaderRe.FindStringSubmatch(line); m != nil {
			if current != nil {
				out = append(out, *current)
			}
			minor, _ := strconv.Atoi(m[1])
			cs := m[2]
			localRole, peerRole := m[3], m[4]
			localDisk, peerDisk := m[5], m[6]
			current = &MinorStatus{
				Minor:        minor,
				Connected:    cs == "Connected",
				Standalone:   cs == "StandAlone",
				Primary:      localRole == "Primary",
				PeerRole:     peerRole,
				DiskUpToDate: localDisk == "UpToDate",
				Diskless:     localDisk == "Diskless",
			}
			current.IsInResync = strings.HasPrefix(cs, "SyncSource") || strings.HasPrefix(cs, "SyncTarget")
			_ = peerDisk
			continue
		}
		if current != nil {
			if m := syncRe.FindStringSubmatch(line); m != nil {
				pct, err := strconv.ParseFloat(m[1], 64)
				if err == nil {
					current.SyncPercent = pct
					current.HasSyncPercent = true
				}
			}
		}
	}
	if current != nil {
		out = append(out, *current)
	}
	return out
}

// Version is a parsed DRBD driver version triple plus the api/proto
// numbers, used by ComputeDiskBarrierArgs to decide which barrier flags
// the running driver accepts.
type Version struct {
	Major, Minor, Rev int
	API, Proto        int
}

var versionRe = regexp.MustCompile(`version:\s*(\d+)\.(\d+)\.(\d+)\s*\(api:(\d+)/proto:(\d+)`)

// ParseVersion extracts the version banner line from /proc/drbd, e.g.
// "version: 8.3.11 (api:88/proto:86-96)".
func ParseVersion(data string) (Version, bool) {
	m := versionRe.FindStringSubmatch(data)
	if m == nil {
		return Version{}, false
	}
	atoi := func(s string) int { v, _ := strconv.Atoi(s); return v }
	return Version{
		Major: atoi(m[1]), Minor: atoi(m[2]), Rev: atoi(m[3]),
		API: atoi(m[4]), Proto: atoi(m[5]),
	}, true
}

// Less reports whether v is strictly older than (maj, min, rev).
func (v Version) Less(maj, min, rev int) bool {
	if v.Major != maj {
		return v.Major < maj
	}
	if v.Minor != min {
		return v.Minor < min
	}
	return v.Rev < rev
}

// AtLeast reports whether v is equal to or newer than (maj, min, rev).
func (v Version) AtLeast(maj, min, rev int) bool { return !v.Less(maj, min, rev) }

package drbd

import (
	"sort"
	"strings"

	gerrors "github.com/ganeti-go/ganeti/pkg/errors"
)

// Barrier flags accepted in the disable-flags argument to
// ComputeDiskBarrierArgs.
const (
	FlagDiskBarrier = 'b'
	FlagDiskFlushes = 'f'
	FlagDiskDrain   = 'd'
	FlagMDFlushes   = 'n'
)

// ComputeDiskBarrierArgs validates the requested disable-flags against
// the barrier-support table and returns the exact subset of flags the
// running driver version accepts, or a BlockDeviceError if a requested
// flag is unsupported by that version.
//
//	version < 8.0.12:   no barrier control at all
//	version == 8.0.12:  'n' (md-flush) only
//	8.2.7 .. 8.2.x:     disk-flushes, disk-drain
//	8.3.x:              full set
//
// Versions in the gaps (8.0.13 through 8.2.6, 8.1.x) and drivers this
// table was never validated against (8.4+, 9.x) are rejected outright
// rather than guessed at. Pre-8 drivers fall under the first row: only
// an empty request is accepted.
func ComputeDiskBarrierArgs(v Version, requested string) (string, error) {
	var allowed string
	switch {
	case v.Major == 8 && v.Minor == 3:
		allowed = "bfdn"
	case v.Major == 8 && v.Minor == 2 && v.Rev >= 7:
		allowed = "fd"
	case v.Major == 8 && v.Minor == 0 && v.Rev == 12:
		allowed = "n"
	case v.Less(8, 0, 12):
		allowed = ""
	default:
		return "", gerrors.NewBlockDeviceError(
			"barrier control is not supported on DRBD %d.%d.%d", v.Major, v.Minor, v.Rev)
	}

	var accepted []byte
	for _, c := range requested {
		if !strings.ContainsRune(allowed, c) {
			return "", gerrors.NewBlockDeviceError(
				"disk barrier flag %q is not supported by DRBD %d.%d.%d", string(c), v.Major, v.Minor, v.Rev)
		}
		accepted = append(accepted, byte(c))
	}
	sort.Slice(accepted, func(i, j int) bool { return accepted[i] < accepted[j] })
	return string(accepted), nil
}

// /internal/host/disk_other.go

//go:build !linux && !darwin && !windows

package host

import "errors"

// ErrUnsupported is returned where free space cannot be queried.
var ErrUnsupported = errors.New("free disk space query not supported on this platform")

func freeDiskSpace(string) (uint64, error) {
	return 0, ErrUnsupported
}

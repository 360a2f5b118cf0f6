// /internal/host/host.go
package host

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/pbnjay/memory"
)

// Facts describe the machine the game will run on.
type Facts struct {
	MemoryBytes uint64 `json:"memory_bytes"`
	Cores       int    `json:"cores"`
	OS          string `json:"os"`
	Arch        string `json:"arch"`
}

const GiB = 1 << 30

// Detect reads the current host.
func Detect() Facts {
	return Facts{
		MemoryBytes: memory.TotalMemory(),
		Cores:       runtime.NumCPU(),
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
	}
}

// Platform is the "os/arch" pair catalogs filter artifacts by.
func (f Facts) Platform() string {
	return f.OS + "/" + f.Arch
}

// FreeDiskSpace reports bytes available to the current user on the volume
// holding path. A path that does not exist yet is resolved to its nearest
// existing parent.
func FreeDiskSpace(path string) (uint64, error) {
	p := path
	for {
		if _, err := os.Stat(p); err == nil {
			break
		}
		parent := filepath.Dir(p)
		if parent == p {
			break
		}
		p = parent
	}
	return freeDiskSpace(p)
}

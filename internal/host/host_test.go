package host

import (
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetect(t *testing.T) {
	f := Detect()
	assert.Equal(t, runtime.GOOS, f.OS)
	assert.Positive(t, f.Cores)
	assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, f.Platform())
}

func TestFreeDiskSpaceResolvesMissingPath(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" && runtime.GOOS != "windows" {
		t.Skip("free space unsupported")
	}
	free, err := FreeDiskSpace(filepath.Join(t.TempDir(), "not", "yet", "created"))
	require.NoError(t, err)
	assert.Positive(t, free)
}

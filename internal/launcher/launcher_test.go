package launcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hrs-launcher/internal/apperr"
	"hrs-launcher/internal/profile"
)

// TestHelperProcess is not a real test: it is the fake game started by the
// supervisor tests.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	switch os.Getenv("HELPER_MODE") {
	case "clean":
		fmt.Println("hello from stdout")
		fmt.Fprintln(os.Stderr, "hello from stderr")
		os.Exit(0)
	case "fail":
		fmt.Fprintln(os.Stderr, "fatal: missing asset")
		os.Exit(3)
	case "spam":
		for i := 0; i < 50; i++ {
			fmt.Printf("line %d\n", i)
		}
		os.Exit(0)
	case "crash":
		p, _ := os.FindProcess(os.Getpid())
		_ = p.Kill()
		time.Sleep(time.Minute)
	case "crashfile":
		_ = os.WriteFile(filepath.Join(os.Getenv("CRASH_DIR"), "hs_err_pid.log"), []byte("SIGSEGV"), 0o644)
		os.Exit(1)
	case "sleep":
		fmt.Println("running")
		time.Sleep(time.Minute)
		os.Exit(0)
	}
	os.Exit(2)
}

func helperProfile(t *testing.T, mode string) profile.LaunchProfile {
	dir := t.TempDir()
	crash := filepath.Join(dir, "crashes")
	return profile.LaunchProfile{
		VersionID:  "1.0.0",
		Executable: os.Args[0],
		Args:       []string{"-test.run=TestHelperProcess", "--"},
		WorkDir:    dir,
		UserDir:    filepath.Join(dir, "UserData"),
		CrashDir:   crash,
		Env: append(os.Environ(),
			"GO_WANT_HELPER_PROCESS=1",
			"HELPER_MODE="+mode,
			"CRASH_DIR="+crash,
		),
	}
}

func waitReport(t *testing.T, h *Handle) DiagnosticsReport {
	select {
	case <-h.Done():
	case <-time.After(30 * time.Second):
		t.Fatal("process did not exit")
	}
	return h.Wait()
}

func TestCleanExitCapturesBothStreams(t *testing.T) {
	s := NewSupervisor(Options{TailLines: 10})
	h, err := s.Launch(context.Background(), helperProfile(t, "clean"))
	require.NoError(t, err)
	assert.Positive(t, h.PID())

	r := waitReport(t, h)
	assert.Equal(t, OutcomeClean, r.Outcome)
	assert.Equal(t, 0, r.ExitCode)
	assert.NotEmpty(t, r.AttemptID)
	assert.Contains(t, texts(r.Output), "hello from stdout")
	assert.Contains(t, r.Summary(), "[stderr] hello from stderr")
	assert.Nil(t, s.Active())
}

func texts(lines []Line) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		out = append(out, l.Text)
	}
	return out
}

func TestNonZeroExit(t *testing.T) {
	s := NewSupervisor(Options{})
	h, err := s.Launch(context.Background(), helperProfile(t, "fail"))
	require.NoError(t, err)

	r := waitReport(t, h)
	assert.Equal(t, OutcomeExitedWithError, r.Outcome)
	assert.Equal(t, 3, r.ExitCode)
}

func TestKilledBySignalIsCrash(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("signals are unix only")
	}
	s := NewSupervisor(Options{})
	h, err := s.Launch(context.Background(), helperProfile(t, "crash"))
	require.NoError(t, err)

	r := waitReport(t, h)
	assert.Equal(t, OutcomeCrashed, r.Outcome)
	assert.Equal(t, "killed", r.Signal)
	assert.False(t, r.Terminated)
}

func TestOutputTailIsBounded(t *testing.T) {
	s := NewSupervisor(Options{TailLines: 5})
	h, err := s.Launch(context.Background(), helperProfile(t, "spam"))
	require.NoError(t, err)

	r := waitReport(t, h)
	require.Len(t, r.Output, 5)
	assert.Equal(t, "line 45", r.Output[0].Text)
	assert.Equal(t, "line 49", r.Output[4].Text)
	assert.Equal(t, 45, r.Dropped)
}

func TestSecondLaunchConflicts(t *testing.T) {
	s := NewSupervisor(Options{GracePeriod: 2 * time.Second})
	h, err := s.Launch(context.Background(), helperProfile(t, "sleep"))
	require.NoError(t, err)

	_, err = s.Launch(context.Background(), helperProfile(t, "clean"))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.New(apperr.CodeLaunchConflict, ""))
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	h.Terminate()
	h.Terminate()
	r := waitReport(t, h)
	assert.True(t, r.Terminated)
	assert.NotEqual(t, OutcomeClean, r.Outcome)
	assert.Nil(t, s.Active())
}

func TestContextCancelTerminates(t *testing.T) {
	s := NewSupervisor(Options{GracePeriod: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	h, err := s.Launch(ctx, helperProfile(t, "sleep"))
	require.NoError(t, err)

	cancel()
	r := waitReport(t, h)
	assert.True(t, r.Terminated)
}

func TestCrashFilesAreCollected(t *testing.T) {
	s := NewSupervisor(Options{})
	p := helperProfile(t, "crashfile")
	h, err := s.Launch(context.Background(), p)
	require.NoError(t, err)

	r := waitReport(t, h)
	assert.Equal(t, OutcomeExitedWithError, r.Outcome)
	assert.Equal(t, []string{filepath.Join(p.CrashDir, "hs_err_pid.log")}, r.CrashFiles)
}

func TestMissingExecutableFailsToStart(t *testing.T) {
	s := NewSupervisor(Options{})
	p := helperProfile(t, "clean")
	p.Executable = filepath.Join(t.TempDir(), "nope")

	_, err := s.Launch(context.Background(), p)
	require.Error(t, err)
	assert.Equal(t, apperr.KindFatalProcess, apperr.KindOf(err))
	assert.Nil(t, s.Active())
}

func TestRingBufferEvictsOldest(t *testing.T) {
	r := newRing(3)
	for i := 0; i < 5; i++ {
		r.add(Line{Text: fmt.Sprint(i)})
	}
	lines, dropped := r.snapshot()
	assert.Equal(t, []string{"2", "3", "4"}, texts(lines))
	assert.Equal(t, 2, dropped)
}

func TestReportRoundTripsThroughDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "last-launch.json")
	in := DiagnosticsReport{AttemptID: "a", VersionID: "1.0.0", Outcome: OutcomeCrashed, Signal: "segmentation fault"}
	require.NoError(t, SaveReport(path, in))

	out, err := LoadReport(path)
	require.NoError(t, err)
	assert.Equal(t, in.AttemptID, out.AttemptID)
	assert.True(t, strings.Contains(out.Summary(), "signal segmentation fault"))
}

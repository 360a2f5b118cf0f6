// /internal/launcher/launcher.go
package launcher

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"hrs-launcher/internal/apperr"
	"hrs-launcher/internal/log"
	"hrs-launcher/internal/profile"
)

// Outcome classifies how a game process ended.
type Outcome string

const (
	OutcomeClean           Outcome = "clean"
	OutcomeExitedWithError Outcome = "exited_with_error"
	OutcomeCrashed         Outcome = "crashed"
)

const maxLineBytes = 4096

// DiagnosticsReport describes one launch attempt.
type DiagnosticsReport struct {
	AttemptID  string                `json:"attempt_id"`
	VersionID  string                `json:"version_id"`
	PID        int                   `json:"pid"`
	Outcome    Outcome               `json:"outcome"`
	ExitCode   int                   `json:"exit_code"`
	Signal     string                `json:"signal,omitempty"`
	Terminated bool                  `json:"terminated"`
	Output     []Line                `json:"output"`
	Dropped    int                   `json:"dropped_lines"`
	CrashFiles []string              `json:"crash_files,omitempty"`
	StartedAt  time.Time             `json:"started_at"`
	EndedAt    time.Time             `json:"ended_at"`
	Profile    profile.LaunchProfile `json:"profile"`
}

// Options tune a Supervisor.
type Options struct {
	TailLines   int
	GracePeriod time.Duration
}

// Supervisor starts game processes, one at a time.
type Supervisor struct {
	opts Options

	mu     sync.Mutex
	active *Handle
}

func NewSupervisor(opts Options) *Supervisor {
	if opts.TailLines <= 0 {
		opts.TailLines = 500
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 10 * time.Second
	}
	return &Supervisor{opts: opts}
}

// Active returns the running handle, or nil.
func (s *Supervisor) Active() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Launch starts the process described by p. Cancelling ctx terminates it.
func (s *Supervisor) Launch(ctx context.Context, p profile.LaunchProfile) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return nil, apperr.Newf(apperr.CodeLaunchConflict, "version %s is already running (pid %d)", s.active.report.VersionID, s.active.PID())
	}

	for _, dir := range []string{p.UserDir, p.CrashDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, apperr.Wrap(apperr.CodeIO, "create game directory", err).With(apperr.MetaPath, dir)
		}
	}

	cmd := exec.Command(p.Executable, p.Args...)
	cmd.Dir = p.WorkDir
	cmd.Env = p.Env
	setProcAttrs(cmd)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeIO, "attach stdout", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeIO, "attach stderr", err)
	}

	h := &Handle{
		cmd:   cmd,
		ring:  newRing(s.opts.TailLines),
		done:  make(chan struct{}),
		grace: s.opts.GracePeriod,
		report: DiagnosticsReport{
			AttemptID: uuid.NewString(),
			VersionID: p.VersionID,
			Profile:   p,
		},
	}
	watchCtx, stopWatch := context.WithCancel(context.Background())
	h.crashes = startCrashWatcher(watchCtx, p.CrashDir)

	h.report.StartedAt = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		stopWatch()
		return nil, apperr.Wrap(apperr.CodeProcessFailed, "failed to start game process", err).With(apperr.MetaPath, p.Executable)
	}
	h.report.PID = cmd.Process.Pid
	s.active = h
	log.Log.Info("🚀 Game launched. Version %s, process ID %d. Monitoring...", p.VersionID, h.report.PID)

	var readers sync.WaitGroup
	readers.Add(2)
	go h.capture(&readers, stdout, StreamStdout)
	go h.capture(&readers, stderr, StreamStderr)

	go func() {
		readers.Wait()
		waitErr := cmd.Wait()
		stopWatch()
		h.finish(waitErr)

		s.mu.Lock()
		if s.active == h {
			s.active = nil
		}
		s.mu.Unlock()
		close(h.done)
	}()

	go func() {
		select {
		case <-ctx.Done():
			log.Log.Warn("Launch context cancelled. Terminating game process...")
			h.Terminate()
		case <-h.done:
		}
	}()

	return h, nil
}

// Handle is a running game process.
type Handle struct {
	cmd        *exec.Cmd
	ring       *ringBuffer
	crashes    *crashWatcher
	done       chan struct{}
	grace      time.Duration
	terminated atomic.Bool
	termOnce   sync.Once
	report     DiagnosticsReport
}

func (h *Handle) PID() int {
	return h.report.PID
}

func (h *Handle) AttemptID() string {
	return h.report.AttemptID
}

func (h *Handle) VersionID() string {
	return h.report.VersionID
}

// Done is closed once the process has exited and the report is final.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until exit and returns the report.
func (h *Handle) Wait() DiagnosticsReport {
	<-h.done
	return h.report
}

// Tail returns the currently buffered output.
func (h *Handle) Tail() []Line {
	lines, _ := h.ring.snapshot()
	return lines
}

// Terminate asks the process to stop and kills it after the grace period.
// Calling it more than once, or after exit, is harmless.
func (h *Handle) Terminate() {
	h.termOnce.Do(func() {
		h.terminated.Store(true)
		select {
		case <-h.done:
			return
		default:
		}
		log.Log.Info("Stopping game process %d", h.PID())
		if err := interrupt(h.cmd); err != nil {
			log.Log.Debug("Interrupt failed, killing: %v", err)
			_ = kill(h.cmd)
			return
		}
		go func() {
			timer := time.NewTimer(h.grace)
			defer timer.Stop()
			select {
			case <-h.done:
			case <-timer.C:
				log.Log.Warn("Game process %d ignored the stop request for %s, killing it", h.PID(), h.grace)
				_ = kill(h.cmd)
			}
		}()
	})
}

func (h *Handle) capture(wg *sync.WaitGroup, r io.Reader, stream Stream) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		text := scanner.Text()
		if len(text) > maxLineBytes {
			text = text[:maxLineBytes]
		}
		h.ring.add(Line{Stream: stream, Text: text, At: time.Now().UTC()})
	}
	if err := scanner.Err(); err != nil {
		log.Log.Debug("Stopped reading %s: %v", stream, err)
		_, _ = io.Copy(io.Discard, r)
	}
}

func (h *Handle) finish(waitErr error) {
	r := &h.report
	r.EndedAt = time.Now().UTC()
	r.Outcome, r.ExitCode, r.Signal = classify(waitErr)
	r.Terminated = h.terminated.Load()
	r.Output, r.Dropped = h.ring.snapshot()
	r.CrashFiles = h.crashes.collect(r.StartedAt)
	log.Log.Info("✅ Game process has terminated. Outcome %s, exit code %d", r.Outcome, r.ExitCode)
}

func classify(err error) (Outcome, int, string) {
	if err == nil {
		return OutcomeClean, 0, ""
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if sig, ok := signaled(exitErr.ProcessState); ok {
			return OutcomeCrashed, -1, sig
		}
		return OutcomeExitedWithError, exitErr.ExitCode(), ""
	}
	return OutcomeExitedWithError, -1, ""
}

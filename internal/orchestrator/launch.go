// /internal/orchestrator/launch.go
package orchestrator

import (
	"context"
	"time"

	"hrs-launcher/internal/apperr"
	"hrs-launcher/internal/launcher"
	"hrs-launcher/internal/log"
)

// LaunchRequest selects what to start. Empty fields fall back to the active
// version and the stored overrides.
type LaunchRequest struct {
	VersionID  string `json:"version_id"`
	PlayerName string `json:"player_name,omitempty"`
	AuthMode   string `json:"auth_mode,omitempty"`
}

// RequestLaunch starts the game and returns the attempt id. The process is
// supervised in the background; its end is published as a snapshot.
func (o *Orchestrator) RequestLaunch(ctx context.Context, req LaunchRequest) (string, error) {
	var attemptID string
	err := o.do(ctx, func() error {
		var err error
		attemptID, err = o.startLaunch(req)
		return err
	})
	return attemptID, err
}

// RequestTerminate asks the running game to stop.
func (o *Orchestrator) RequestTerminate(ctx context.Context) error {
	return o.do(ctx, func() error {
		if o.launch == nil {
			log.Log.Debug("Terminate requested with no game running")
			return nil
		}
		o.launch.handle.Terminate()
		return nil
	})
}

func (o *Orchestrator) startLaunch(req LaunchRequest) (string, error) {
	if o.launch != nil {
		running := o.launch.handle.VersionID()
		return "", apperr.Newf(apperr.CodeLaunchConflict, "version %s is already running", running).
			With(apperr.MetaVersion, running)
	}
	id := req.VersionID
	if id == "" {
		v, ok := o.deps.Store.GetActive()
		if !ok {
			return "", apperr.New(apperr.CodeNotInstalled, "no version is installed")
		}
		id = v.ID
	}
	if o.install != nil && o.install.versionID == id {
		return "", notReady(id)
	}
	v, err := o.deps.Store.Get(id)
	if err != nil {
		return "", err
	}
	if err := o.deps.Store.Acquire(id); err != nil {
		return "", err
	}

	o.state.Launch = LaunchStatus{Phase: LaunchLaunching, VersionID: id}
	o.publish()

	if o.opts.ModsDir != "" {
		if _, err := o.deps.Mods.Apply(id, o.opts.ModsDir); err != nil {
			log.Log.Warn("Could not apply mods, launching without them: %v", err)
		}
	}

	ov := o.deps.Store.Overrides()
	if req.PlayerName != "" {
		ov.PlayerName = req.PlayerName
	}
	if req.AuthMode != "" {
		ov.AuthMode = req.AuthMode
	}
	p, err := o.deps.Builder.Build(v, o.deps.Facts(), ov)
	if err != nil {
		return "", o.launchFailed(id, err)
	}
	log.Log.Debug("Launch profile for %s: heap %dMB, collector %s", id, p.HeapMB, p.Collector)

	h, err := o.deps.Supervisor.Launch(o.runCtx, p)
	if err != nil {
		return "", o.launchFailed(id, err)
	}
	o.launch = &launchTask{handle: h}
	o.state.Launch = LaunchStatus{
		Phase:     LaunchRunning,
		VersionID: id,
		AttemptID: h.AttemptID(),
		PID:       h.PID(),
		StartedAt: time.Now().UTC(),
	}
	o.publish()

	o.tasks.Add(1)
	go func() {
		defer o.tasks.Done()
		r := h.Wait()
		o.post(func() { o.finishLaunch(h, r) })
	}()
	return h.AttemptID(), nil
}

// LaunchOutput returns the buffered output of the running game, or the
// output kept in the last launch report when nothing is running.
func (o *Orchestrator) LaunchOutput(ctx context.Context) ([]launcher.Line, error) {
	var lines []launcher.Line
	err := o.do(ctx, func() error {
		switch {
		case o.launch != nil:
			lines = o.launch.handle.Tail()
		case o.state.LastReport != nil:
			lines = append([]launcher.Line(nil), o.state.LastReport.Output...)
		}
		return nil
	})
	return lines, err
}

func (o *Orchestrator) launchFailed(versionID string, err error) error {
	o.deps.Store.Release(versionID)
	o.state.Launch = LaunchStatus{Phase: LaunchFailed, VersionID: versionID, Error: errorInfo(err)}
	o.publish()
	log.Log.Error("Could not launch %s: %v", versionID, err)
	return err
}

func (o *Orchestrator) finishLaunch(h *launcher.Handle, r launcher.DiagnosticsReport) {
	if o.launch == nil || o.launch.handle != h {
		return
	}
	o.deps.Store.Release(h.VersionID())
	o.launch = nil

	phase := LaunchExited
	if r.Outcome == launcher.OutcomeCrashed && !r.Terminated {
		phase = LaunchCrashed
	}
	o.state.Launch.Phase = phase
	o.state.LastReport = &r
	if o.opts.ReportPath != "" {
		if err := launcher.SaveReport(o.opts.ReportPath, r); err != nil {
			log.Log.Warn("Could not save launch report: %v", err)
		}
	}
	if phase == LaunchCrashed {
		log.Log.Error("Game crashed (%s). Report saved to %s", r.Signal, o.opts.ReportPath)
	}
	o.publish()
}

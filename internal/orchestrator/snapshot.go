// /internal/orchestrator/snapshot.go
package orchestrator

import (
	"time"

	"hrs-launcher/internal/apperr"
	"hrs-launcher/internal/launcher"
	"hrs-launcher/internal/store"
)

type InstallPhase string

const (
	InstallIdle       InstallPhase = "idle"
	InstallFetching   InstallPhase = "fetching"
	InstallInstalling InstallPhase = "installing"
	InstallInstalled  InstallPhase = "installed"
	InstallFailed     InstallPhase = "failed"
)

type LaunchPhase string

const (
	LaunchIdle      LaunchPhase = "idle"
	LaunchLaunching LaunchPhase = "launching"
	LaunchRunning   LaunchPhase = "running"
	LaunchExited    LaunchPhase = "exited"
	LaunchCrashed   LaunchPhase = "crashed"
	LaunchFailed    LaunchPhase = "failed"
)

// Finished reports whether the launch reached a terminal phase.
func (p LaunchPhase) Finished() bool {
	return p == LaunchExited || p == LaunchCrashed || p == LaunchFailed
}

// ErrorInfo is the serializable form of an error shown to the user.
type ErrorInfo struct {
	Code     apperr.Code       `json:"code"`
	Kind     apperr.Kind       `json:"kind"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func errorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	info := &ErrorInfo{Code: apperr.CodeOf(err), Kind: apperr.KindOf(err), Message: err.Error()}
	if e, ok := apperr.As(err); ok && len(e.Metadata) > 0 {
		info.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			info.Metadata[k] = v
		}
	}
	return info
}

type InstallStatus struct {
	Phase      InstallPhase `json:"phase"`
	VersionID  string       `json:"version_id,omitempty"`
	ArtifactID string       `json:"artifact_id,omitempty"`
	Artifact   int          `json:"artifact"`
	Artifacts  int          `json:"artifacts"`
	Fetched    int64        `json:"fetched"`
	Total      int64        `json:"total"`
	Percent    float64      `json:"percent"`
	Attempt    int          `json:"attempt"`
	Error      *ErrorInfo   `json:"error,omitempty"`
}

type LaunchStatus struct {
	Phase     LaunchPhase `json:"phase"`
	VersionID string      `json:"version_id,omitempty"`
	AttemptID string      `json:"attempt_id,omitempty"`
	PID       int         `json:"pid,omitempty"`
	StartedAt time.Time   `json:"started_at,omitzero"`
	Error     *ErrorInfo  `json:"error,omitempty"`
}

// Snapshot is an immutable view of the launcher published after every change.
type Snapshot struct {
	Seq        uint64                      `json:"seq"`
	Install    InstallStatus               `json:"install"`
	Launch     LaunchStatus                `json:"launch"`
	Active     string                      `json:"active,omitempty"`
	Overrides  store.Overrides             `json:"overrides"`
	Versions   []store.InstalledVersion    `json:"versions"`
	LastReport *launcher.DiagnosticsReport `json:"last_report,omitempty"`
	Warnings   []string                    `json:"warnings,omitempty"`
	Invariants []string                    `json:"invariants,omitempty"`
}

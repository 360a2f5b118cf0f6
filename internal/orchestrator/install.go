// /internal/orchestrator/install.go
package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"

	"hrs-launcher/internal/apperr"
	"hrs-launcher/internal/catalog"
	"hrs-launcher/internal/fetcher"
	"hrs-launcher/internal/installer"
	"hrs-launcher/internal/log"
	"hrs-launcher/internal/store"
)

// RequestInstall starts installing versionID ("" or "latest" for the newest
// catalog version) in the background. Conflicts are rejected immediately
// and leave the state untouched.
func (o *Orchestrator) RequestInstall(ctx context.Context, versionID string) error {
	if versionID == "latest" {
		versionID = ""
	}
	return o.do(ctx, func() error {
		if o.install != nil {
			return apperr.Newf(apperr.CodeInstallConflict, "an install of %s is already in progress", label(o.install.versionID)).
				With(apperr.MetaVersion, o.install.versionID)
		}
		if versionID != "" && o.deps.Store.InUse(versionID) {
			return inUse(versionID)
		}
		if versionID != "" && o.modInstalls[versionID] > 0 {
			return modBusy(versionID)
		}

		taskCtx, cancel := context.WithCancel(o.runCtx)
		t := &installTask{requested: versionID, versionID: versionID, cancel: cancel}
		o.install = t
		o.state.Install = InstallStatus{Phase: InstallFetching, VersionID: versionID, Attempt: 1}
		o.publish()
		log.Log.Info("⬇️ Installing %s...", label(versionID))

		o.tasks.Add(1)
		go func() {
			defer o.tasks.Done()
			defer cancel()
			v, err := o.runInstall(taskCtx, t)
			o.post(func() { o.finishInstall(t, v, err) })
		}()
		return nil
	})
}

// RequestCancel stops the active install. Downloaded data is kept and the
// next install of the same version resumes from it.
func (o *Orchestrator) RequestCancel(ctx context.Context) error {
	return o.do(ctx, func() error {
		if o.install == nil {
			log.Log.Debug("Cancel requested with no install in progress")
			return nil
		}
		log.Log.Info("Cancelling install of %s", label(o.install.versionID))
		o.install.cancel()
		return nil
	})
}

func (o *Orchestrator) runInstall(ctx context.Context, t *installTask) (store.InstalledVersion, error) {
	platform := o.deps.Facts().Platform()
	var resolved catalog.Version
	err := o.retry(ctx, t, func() error {
		var err error
		resolved, err = o.deps.Catalog.Resolve(ctx, t.requested, platform)
		return err
	})
	if err != nil {
		return store.InstalledVersion{}, err
	}

	err = o.do(ctx, func() error {
		if o.deps.Store.InUse(resolved.ID) {
			return inUse(resolved.ID)
		}
		if o.modInstalls[resolved.ID] > 0 {
			return modBusy(resolved.ID)
		}
		t.versionID = resolved.ID
		o.state.Install.VersionID = resolved.ID
		o.state.Install.Artifacts = len(resolved.Artifacts)
		o.publish()
		return nil
	})
	if err != nil {
		return store.InstalledVersion{}, err
	}

	fetched := make([]installer.Fetched, 0, len(resolved.Artifacts))
	for i, ref := range resolved.Artifacts {
		path, err := o.fetchArtifact(ctx, t, resolved.ID, i, ref)
		if err != nil {
			return store.InstalledVersion{}, err
		}
		fetched = append(fetched, installer.Fetched{Ref: ref, Path: path})
	}

	err = o.do(ctx, func() error {
		if o.deps.Store.InUse(resolved.ID) {
			return inUse(resolved.ID)
		}
		if o.modInstalls[resolved.ID] > 0 {
			return modBusy(resolved.ID)
		}
		o.state.Install.Phase = InstallInstalling
		o.publish()
		return nil
	})
	if err != nil {
		return store.InstalledVersion{}, err
	}

	v, err := o.deps.Installer.Install(ctx, resolved.ID, fetched)
	if err != nil {
		return store.InstalledVersion{}, err
	}
	if err := o.deps.Store.Add(v); err != nil {
		return store.InstalledVersion{}, err
	}
	if err := o.ensureRuntime(ctx, t, v, platform); err != nil {
		return store.InstalledVersion{}, err
	}
	if err := os.RemoveAll(filepath.Join(o.opts.CacheDir, resolved.ID)); err != nil {
		log.Log.Debug("Could not clear download cache of %s: %v", resolved.ID, err)
	}
	return v, nil
}

// fetchArtifact downloads one artifact, retrying transient failures and
// checkpointing the resume offset as bytes arrive.
func (o *Orchestrator) fetchArtifact(ctx context.Context, t *installTask, versionID string, index int, ref fetcher.ArtifactRef) (string, error) {
	dest := filepath.Join(o.opts.CacheDir, versionID, ref.FileName())
	var checkpoint int64
	sink := func(st fetcher.DownloadState) {
		if st.Fetched < checkpoint {
			checkpoint = st.Fetched
		}
		if st.Status == fetcher.StatusInProgress && st.Fetched-checkpoint >= o.opts.CheckpointBytes {
			if err := o.deps.Store.SaveOffset(ref.ID, st.Fetched); err != nil {
				log.Log.Warn("Could not record download progress of %s: %v", ref.ID, err)
			} else {
				checkpoint = st.Fetched
			}
		}
		o.post(func() {
			if o.install != t {
				return
			}
			s := &o.state.Install
			s.ArtifactID = st.ArtifactID
			s.Artifact = index + 1
			s.Fetched = st.Fetched
			s.Total = st.Total
			s.Percent = st.Percent()
			o.publish()
		})
	}

	var path string
	err := o.retry(ctx, t, func() error {
		var err error
		path, err = o.deps.Fetcher.Fetch(ctx, ref, dest, sink)
		if err != nil {
			// The next attempt only trusts partial data up to the recorded offset.
			o.recordOffset(ref.ID, err)
		}
		return err
	})
	if err != nil {
		return "", err
	}
	if err := o.deps.Store.ClearOffset(ref.ID); err != nil {
		log.Log.Warn("Could not clear download progress of %s: %v", ref.ID, err)
	}
	return path, nil
}

func (o *Orchestrator) recordOffset(artifactID string, err error) {
	offset, ok := apperr.Offset(err)
	if !ok {
		return
	}
	var serr error
	if offset > 0 {
		serr = o.deps.Store.SaveOffset(artifactID, offset)
	} else {
		serr = o.deps.Store.ClearOffset(artifactID)
	}
	if serr != nil {
		log.Log.Warn("Could not record download progress of %s: %v", artifactID, serr)
	}
}

// retry runs op until it succeeds, fails permanently or runs out of
// attempts. Only transient errors are retried.
func (o *Orchestrator) retry(ctx context.Context, t *installTask, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.opts.RetryInitial
	b.MaxInterval = o.opts.RetryMax

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := op()
		if err != nil && !apperr.IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(o.opts.Retries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Log.Warn("Attempt %d failed: %v. Retrying in %s", attempt, err, next.Round(time.Millisecond))
			n := attempt + 1
			o.post(func() {
				if o.install == t {
					o.state.Install.Attempt = n
					o.publish()
				}
			})
		}),
	)
	if err != nil && ctx.Err() != nil && apperr.KindOf(err) != apperr.KindCancelled {
		err = apperr.Wrap(apperr.CodeCancelled, "install cancelled", err)
	}
	return err
}

func (o *Orchestrator) finishInstall(t *installTask, v store.InstalledVersion, err error) {
	if o.install != t {
		return
	}
	o.install = nil
	s := &o.state.Install
	switch {
	case err == nil:
		*s = InstallStatus{Phase: InstallInstalled, VersionID: v.ID, Artifact: s.Artifacts, Artifacts: s.Artifacts, Fetched: s.Fetched, Total: s.Total, Percent: 100, Attempt: s.Attempt}
		log.Log.Info("✅ Version %s installed", v.ID)
	case apperr.KindOf(err) == apperr.KindCancelled:
		*s = InstallStatus{Phase: InstallIdle, VersionID: t.versionID}
		log.Log.Info("Install of %s cancelled; downloaded data is kept", label(t.versionID))
	default:
		s.Phase = InstallFailed
		s.Error = errorInfo(err)
		log.Log.Error("Install of %s failed: %v", label(t.versionID), err)
	}
	o.publish()
}

func inUse(versionID string) *apperr.Error {
	return apperr.Newf(apperr.CodeInUse, "version %s is running; stop it first", versionID).With(apperr.MetaVersion, versionID)
}

func label(versionID string) string {
	if versionID == "" {
		return "the latest version"
	}
	return versionID
}

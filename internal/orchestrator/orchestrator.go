// /internal/orchestrator/orchestrator.go
package orchestrator

import (
	"context"
	"errors"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"hrs-launcher/internal/apperr"
	"hrs-launcher/internal/catalog"
	"hrs-launcher/internal/fetcher"
	"hrs-launcher/internal/host"
	"hrs-launcher/internal/installer"
	"hrs-launcher/internal/launcher"
	"hrs-launcher/internal/log"
	"hrs-launcher/internal/mods"
	"hrs-launcher/internal/profile"
	"hrs-launcher/internal/store"
	"hrs-launcher/internal/util"
)

// Catalog resolves version ids to downloadable artifacts.
type Catalog interface {
	Resolve(ctx context.Context, versionID, platform string) (catalog.Version, error)
	ResolveMod(ctx context.Context, versionID, modID string) (fetcher.ArtifactRef, error)
	AvailableMods(ctx context.Context, versionID, platform string) ([]fetcher.ArtifactRef, error)
	ResolveRuntime(ctx context.Context, platform string) ([]fetcher.ArtifactRef, error)
}

type Installer interface {
	Install(ctx context.Context, versionID string, artifacts []installer.Fetched) (store.InstalledVersion, error)
}

// Deps are the components the orchestrator coordinates.
type Deps struct {
	Store      *store.Store
	Catalog    Catalog
	Fetcher    mods.Fetcher
	Installer  Installer
	Runtime    Installer // shared Java runtime; nil disables it
	Mods       *mods.Manager
	Builder    *profile.Builder
	Supervisor *launcher.Supervisor
	Facts      func() host.Facts
}

type Options struct {
	CacheDir   string
	ModsDir    string
	ReportPath string
	RuntimeDir string

	Retries         int
	RetryInitial    time.Duration
	RetryMax        time.Duration
	CheckpointBytes int64
}

const checkpointEvery = 4 << 20

var errStopped = errors.New("orchestrator is not running")

// Orchestrator is the single-threaded state machine behind every user
// intent. Intents and task events run as closures on the Run goroutine, in
// arrival order; observers read immutable Snapshots.
type Orchestrator struct {
	deps Deps
	opts Options

	events  chan func()
	stopped chan struct{}
	started atomic.Bool
	snap    atomic.Pointer[Snapshot]

	subMu  sync.Mutex
	subs   map[int]chan Snapshot
	nextID int

	// Owned by the Run goroutine.
	runCtx  context.Context
	state   Snapshot
	install *installTask
	launch  *launchTask
	tasks   sync.WaitGroup

	// Mod installs in flight, per version id.
	modInstalls map[string]int
}

type installTask struct {
	requested string
	versionID string
	cancel    context.CancelFunc
}

type launchTask struct {
	handle *launcher.Handle
}

func New(deps Deps, opts Options) *Orchestrator {
	if deps.Facts == nil {
		deps.Facts = host.Detect
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = time.Second
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 30 * time.Second
	}
	if opts.CheckpointBytes <= 0 {
		opts.CheckpointBytes = checkpointEvery
	}

	o := &Orchestrator{
		deps:    deps,
		opts:    opts,
		events:  make(chan func(), 64),
		stopped: make(chan struct{}),
		subs:    map[int]chan Snapshot{},
		runCtx:  context.Background(),

		modInstalls: map[string]int{},
	}
	o.state.Install.Phase = InstallIdle
	o.state.Launch.Phase = LaunchIdle
	if err := deps.Store.Recovered(); err != nil {
		o.state.Warnings = append(o.state.Warnings, err.Error())
	}
	o.state.Invariants = deps.Store.Violations()
	if opts.ReportPath != "" && util.PathExists(opts.ReportPath) {
		if r, err := launcher.LoadReport(opts.ReportPath); err == nil {
			o.state.LastReport = &r
		} else {
			log.Log.Warn("Ignoring unreadable launch report %s: %v", opts.ReportPath, err)
		}
	}
	o.publish()
	return o
}

// Run processes intents until ctx is cancelled. On shutdown the active
// install is cancelled and the running game is asked to stop.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.started.CompareAndSwap(false, true) {
		return errors.New("orchestrator is already running")
	}
	defer close(o.stopped)
	o.runCtx = ctx

	for {
		select {
		case fn := <-o.events:
			fn()
		case <-ctx.Done():
			o.shutdown()
			return nil
		}
	}
}

func (o *Orchestrator) shutdown() {
	log.Log.Debug("Orchestrator shutting down")
	if o.install != nil {
		o.install.cancel()
	}
	if o.launch != nil {
		o.launch.handle.Terminate()
	}
	idle := make(chan struct{})
	go func() {
		o.tasks.Wait()
		close(idle)
	}()
	for {
		select {
		case fn := <-o.events:
			fn()
		case <-idle:
			return
		}
	}
}

// post queues fn on the loop without waiting for it.
func (o *Orchestrator) post(fn func()) {
	select {
	case o.events <- fn:
	case <-o.stopped:
	}
}

// do runs fn on the loop and returns its result.
func (o *Orchestrator) do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	select {
	case o.events <- func() { result <- fn() }:
	case <-o.stopped:
		return errStopped
	case <-ctx.Done():
		return apperr.Wrap(apperr.CodeCancelled, "request cancelled", ctx.Err())
	}
	select {
	case err := <-result:
		return err
	case <-o.stopped:
		return errStopped
	}
}

// publish stamps a new snapshot and hands it to subscribers. Only the loop
// calls it, so subscriber channels have a single producer.
func (o *Orchestrator) publish() {
	o.state.Seq++
	o.state.Versions = o.deps.Store.List()
	o.state.Active = ""
	if v, ok := o.deps.Store.GetActive(); ok {
		o.state.Active = v.ID
	}
	o.state.Overrides = o.deps.Store.Overrides()
	s := o.state
	s.Warnings = slices.Clone(s.Warnings)
	s.Invariants = slices.Clone(s.Invariants)
	o.snap.Store(&s)

	o.subMu.Lock()
	defer o.subMu.Unlock()
	for _, ch := range o.subs {
		offer(ch, s)
	}
}

// offer replaces whatever the subscriber has not read yet with s.
func offer(ch chan Snapshot, s Snapshot) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}

// Snapshot returns the latest published state.
func (o *Orchestrator) Snapshot() Snapshot {
	return *o.snap.Load()
}

// Subscribe returns a channel that always holds the most recent snapshot
// not yet received. Slow readers skip intermediate states.
func (o *Orchestrator) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	o.subMu.Lock()
	id := o.nextID
	o.nextID++
	o.subs[id] = ch
	offer(ch, *o.snap.Load())
	o.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.subMu.Lock()
			delete(o.subs, id)
			close(ch)
			o.subMu.Unlock()
		})
	}
}

// ListVersions returns installed versions, newest first.
func (o *Orchestrator) ListVersions() []store.InstalledVersion {
	return o.deps.Store.List()
}

func (o *Orchestrator) SetActive(ctx context.Context, versionID string) error {
	return o.do(ctx, func() error {
		if err := o.deps.Store.SetActive(versionID); err != nil {
			return err
		}
		log.Log.Info("Active version is now %s", versionID)
		o.publish()
		return nil
	})
}

// RemoveVersion deletes an installed version and its mods.
func (o *Orchestrator) RemoveVersion(ctx context.Context, versionID string) error {
	return o.do(ctx, func() error {
		if o.install != nil && o.install.versionID == versionID {
			return notReady(versionID)
		}
		if o.launch != nil && o.launch.handle.VersionID() == versionID {
			return inUse(versionID)
		}
		if o.modInstalls[versionID] > 0 {
			return modBusy(versionID)
		}
		if err := o.deps.Store.Remove(versionID); err != nil {
			return err
		}
		o.publish()
		return nil
	})
}

// ClearDiagnostics forgets the last launch report.
func (o *Orchestrator) ClearDiagnostics(ctx context.Context) error {
	return o.do(ctx, func() error {
		o.state.LastReport = nil
		if o.opts.ReportPath != "" {
			if err := os.Remove(o.opts.ReportPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				return apperr.Wrap(apperr.CodeIO, "delete launch report", err).With(apperr.MetaPath, o.opts.ReportPath)
			}
		}
		o.publish()
		return nil
	})
}

func (o *Orchestrator) Overrides() store.Overrides {
	return o.deps.Store.Overrides()
}

func (o *Orchestrator) SetOverrides(ctx context.Context, ov store.Overrides) error {
	if ov.HeapMB < 0 {
		return apperr.Newf(apperr.CodeInvalid, "heap override must not be negative, got %d", ov.HeapMB)
	}
	return o.do(ctx, func() error {
		if err := o.deps.Store.SetOverrides(ov); err != nil {
			return err
		}
		o.publish()
		return nil
	})
}

func (o *Orchestrator) ListMods(versionID string) ([]store.Mod, error) {
	return o.deps.Mods.ListMods(versionID)
}

// InstallMod installs ref for versionID. A ref carrying only an id is
// looked up in the catalog.
func (o *Orchestrator) InstallMod(ctx context.Context, versionID string, ref fetcher.ArtifactRef) (store.Mod, error) {
	err := o.do(ctx, func() error {
		if versionID == "" {
			v, ok := o.deps.Store.GetActive()
			if !ok {
				return apperr.New(apperr.CodeNotInstalled, "no version is installed")
			}
			versionID = v.ID
		}
		if o.install != nil && o.install.versionID == versionID {
			return notReady(versionID)
		}
		o.modInstalls[versionID]++
		return nil
	})
	if err != nil {
		return store.Mod{}, err
	}
	defer o.post(func() {
		if o.modInstalls[versionID]--; o.modInstalls[versionID] <= 0 {
			delete(o.modInstalls, versionID)
		}
	})
	if ref.URL == "" {
		if ref, err = o.deps.Catalog.ResolveMod(ctx, versionID, ref.ID); err != nil {
			return store.Mod{}, err
		}
	}
	return o.deps.Mods.InstallMod(ctx, versionID, ref, nil)
}

func (o *Orchestrator) RemoveMod(ctx context.Context, id string) error {
	return o.do(ctx, func() error {
		return o.deps.Mods.RemoveMod(id)
	})
}

func (o *Orchestrator) SetModEnabled(ctx context.Context, id string, enabled bool) error {
	return o.do(ctx, func() error {
		return o.deps.Mods.SetEnabled(id, enabled)
	})
}

func notReady(versionID string) *apperr.Error {
	return apperr.Newf(apperr.CodeNotReady, "version %s is being installed", versionID).With(apperr.MetaVersion, versionID)
}

func modBusy(versionID string) *apperr.Error {
	return apperr.Newf(apperr.CodeNotReady, "a mod is being installed into version %s", versionID).With(apperr.MetaVersion, versionID)
}

// /internal/profile/profile.go
package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"

	"hrs-launcher/internal/apperr"
	"hrs-launcher/internal/host"
	"hrs-launcher/internal/store"
)

// offlineNamespace derives stable player UUIDs from player names.
var offlineNamespace = uuid.MustParse("00000000-1337-1337-1337-000000000000")

// LaunchProfile is everything needed to start one game process.
// It is recomputed for every launch and never persisted.
type LaunchProfile struct {
	VersionID  string    `json:"version_id"`
	JavaPath   string    `json:"java_path"`
	Executable string    `json:"executable"`
	WorkDir    string    `json:"work_dir"`
	GameDir    string    `json:"game_dir"`
	UserDir    string    `json:"user_dir"`
	ModsDir    string    `json:"mods_dir"`
	CrashDir   string    `json:"crash_dir"`
	Collector  Collector `json:"collector"`
	HeapMB     int       `json:"heap_mb"`
	JVMFlags   []string  `json:"jvm_flags"`
	Args       []string  `json:"args"`
	Env        []string  `json:"-"`
	PlayerName string    `json:"player_name"`
	AuthMode   string    `json:"auth_mode"`
	PlayerID   string    `json:"player_id"`
}

// Settings are the fixed inputs of a Builder.
type Settings struct {
	MinHeapMB  int
	MaxHeapMB  int
	JavaPath   string
	RuntimeDir string
	WorkDir    string
	UserDir    string
	ModsDir    string
	CrashDir   string
	PlayerName string
	AuthMode   string
}

// Builder derives LaunchProfiles. It performs no I/O other than Stat.
type Builder struct {
	settings Settings
	environ  []string
	stat     func(string) error
}

type Option func(*Builder)

// WithEnviron sets the base environment of launched processes.
func WithEnviron(env []string) Option {
	return func(b *Builder) { b.environ = slices.Clone(env) }
}

// WithStat replaces the existence check used for executables.
func WithStat(fn func(string) error) Option {
	return func(b *Builder) { b.stat = fn }
}

func NewBuilder(s Settings, opts ...Option) *Builder {
	if s.PlayerName == "" {
		s.PlayerName = "Player"
	}
	if s.AuthMode == "" {
		s.AuthMode = "offline"
	}
	b := &Builder{
		settings: s,
		environ:  os.Environ(),
		stat: func(p string) error {
			_, err := os.Stat(p)
			return err
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build computes the profile for version on a host described by facts.
// Equal inputs always yield equal profiles.
func (b *Builder) Build(v store.InstalledVersion, facts host.Facts, o store.Overrides) (LaunchProfile, error) {
	s := b.settings
	client := ClientPath(v.Root, facts.OS)
	if err := b.stat(client); err != nil {
		return LaunchProfile{}, missing("game client", client, err)
	}
	java, err := b.java(v, facts.OS)
	if err != nil {
		return LaunchProfile{}, err
	}

	t := lookup(facts)
	heap := heapMB(facts.MemoryBytes, t, s)
	if o.HeapMB > 0 {
		heap = o.HeapMB
	}
	computed := []string{
		fmt.Sprintf("-Xms%dm", initialHeapMB(heap)),
		fmt.Sprintf("-Xmx%dm", heap),
	}
	computed = append(computed, collectorFlags(t.collector, facts.Cores)...)
	computed = append(computed,
		"-XX:+UseStringDeduplication",
		fmt.Sprintf("-XX:ActiveProcessorCount=%d", max(facts.Cores, 1)),
	)
	existing := strings.TrimSpace(strings.Join([]string{lookupEnv(b.environ, "JDK_JAVA_OPTIONS"), o.JavaOptions}, " "))
	flags := MergeJavaOptions(existing, computed)
	flags = append(flags, o.ExtraJVMArgs...)

	name := firstNonEmpty(o.PlayerName, s.PlayerName)
	auth := firstNonEmpty(o.AuthMode, s.AuthMode)
	playerID := PlayerUUID(name, o.UserID)

	env := withEnv(b.environ, "JDK_JAVA_OPTIONS", strings.Join(flags, " "))
	if facts.OS == "linux" {
		clientDir := filepath.Join(v.Root, "Client")
		ld := clientDir
		if cur := lookupEnv(b.environ, "LD_LIBRARY_PATH"); cur != "" {
			ld = clientDir + string(os.PathListSeparator) + cur
		}
		env = withEnv(env, "LD_LIBRARY_PATH", ld)
	}
	slices.Sort(env)

	return LaunchProfile{
		VersionID:  v.ID,
		JavaPath:   java,
		Executable: client,
		WorkDir:    s.WorkDir,
		GameDir:    v.Root,
		UserDir:    s.UserDir,
		ModsDir:    s.ModsDir,
		CrashDir:   s.CrashDir,
		Collector:  t.collector,
		HeapMB:     heap,
		JVMFlags:   flags,
		Args: []string{
			"--app-dir", v.Root,
			"--user-dir", s.UserDir,
			"--java-exec", java,
			"--auth-mode", auth,
			"--uuid", playerID,
			"--name", name,
		},
		Env:        env,
		PlayerName: name,
		AuthMode:   auth,
		PlayerID:   playerID,
	}, nil
}

// java picks the configured runtime, then the one bundled with the version,
// then the shared managed runtime.
func (b *Builder) java(v store.InstalledVersion, goos string) (string, error) {
	if b.settings.JavaPath != "" {
		if err := b.stat(b.settings.JavaPath); err != nil {
			return "", missing("Java runtime", b.settings.JavaPath, err)
		}
		return b.settings.JavaPath, nil
	}
	bundled := JavaPath(v.Root, goos)
	err := b.stat(bundled)
	if err == nil {
		return bundled, nil
	}
	if b.settings.RuntimeDir != "" {
		shared := RuntimeJava(b.settings.RuntimeDir, goos)
		if b.stat(shared) == nil {
			return shared, nil
		}
	}
	return "", missing("Java runtime", bundled, err)
}

func heapMB(memoryBytes uint64, t tuning, s Settings) int {
	ceiling := min(t.heapCapMB, s.MaxHeapMB)
	raw := int(float64(memoryBytes>>20) * t.heapFraction)
	return max(min(raw, ceiling), s.MinHeapMB)
}

func initialHeapMB(heap int) int {
	return max(heap*6/10, min(512, heap))
}

// ClientPath locates the client binary inside a version root.
func ClientPath(root, goos string) string {
	switch goos {
	case "windows":
		return filepath.Join(root, "Client", "HytaleClient.exe")
	case "darwin":
		return filepath.Join(root, "Client", "Hytale.app", "Contents", "MacOS", "HytaleClient")
	default:
		return filepath.Join(root, "Client", "HytaleClient")
	}
}

// JavaPath locates the bundled Java runtime inside a version root.
func JavaPath(root, goos string) string {
	if goos == "windows" {
		return filepath.Join(root, "jre", "bin", "java.exe")
	}
	return filepath.Join(root, "jre", "bin", "java")
}

// PlayerUUID returns userID when it is a valid UUID, or a UUID derived from name.
func PlayerUUID(name, userID string) string {
	if id, err := uuid.Parse(userID); err == nil {
		return id.String()
	}
	return uuid.NewSHA1(offlineNamespace, []byte(strings.ToLower(name))).String()
}

// MergeJavaOptions keeps every user-supplied option and adds computed ones
// only for settings the user has not already chosen.
func MergeJavaOptions(existing string, computed []string) []string {
	merged := strings.Fields(existing)
	has := func(s string) bool { return strings.Contains(existing, s) }
	userGC := has("Use") && has("GC")

	for _, opt := range computed {
		var skip bool
		switch {
		case strings.HasPrefix(opt, "-Xmx"):
			skip = has("-Xmx") || has("MaxRAMPercentage")
		case strings.HasPrefix(opt, "-Xms"):
			skip = has("-Xms") || has("InitialRAMPercentage")
		case strings.Contains(opt, "UseStringDeduplication"):
			skip = has("UseStringDeduplication")
		case strings.Contains(opt, "Use") && strings.Contains(opt, "GC"):
			skip = userGC
		case strings.Contains(opt, "GCThreads"), strings.Contains(opt, "MaxGCPauseMillis"):
			skip = userGC || has(optionName(opt))
		case strings.Contains(opt, "ActiveProcessorCount"):
			skip = has("ActiveProcessorCount")
		}
		if !skip {
			merged = append(merged, opt)
		}
	}
	return merged
}

func optionName(opt string) string {
	name, _, _ := strings.Cut(opt, "=")
	return strings.TrimPrefix(name, "-XX:")
}

func missing(what, path string, cause error) *apperr.Error {
	return apperr.Wrap(apperr.CodeMissingComponent, what+" not found at "+path, cause).
		With(apperr.MetaPath, path).
		With("component", what)
}

func lookupEnv(env []string, key string) string {
	prefix := key + "="
	for i := len(env) - 1; i >= 0; i-- {
		if strings.HasPrefix(env[i], prefix) {
			return env[i][len(prefix):]
		}
	}
	return ""
}

func withEnv(env []string, key, value string) []string {
	prefix := key + "="
	out := make([]string, 0, len(env)+1)
	for _, e := range env {
		if !strings.HasPrefix(e, prefix) {
			out = append(out, e)
		}
	}
	return append(out, prefix+value)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

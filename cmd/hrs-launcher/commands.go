// /cmd/hrs-launcher/commands.go
package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"hrs-launcher/internal/api"
	"hrs-launcher/internal/apperr"
	"hrs-launcher/internal/backup"
	"hrs-launcher/internal/config"
	"hrs-launcher/internal/diagnostics"
	"hrs-launcher/internal/fetcher"
	"hrs-launcher/internal/log"
	"hrs-launcher/internal/orchestrator"
	"hrs-launcher/internal/util"
)

// withApp wires the launcher, runs the orchestrator for the duration of fn
// and shuts it down afterwards.
func withApp(cmd *cobra.Command, cfg *config.Config, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	stop := a.start(cmd.Context())
	defer stop()
	return fn(cmd.Context(), a)
}

func newInstallCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "install [version]",
		Short: "Download and install a game version (the latest by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			versionID := ""
			if len(args) == 1 {
				versionID = args[0]
			}
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				if err := a.orch.RequestInstall(ctx, versionID); err != nil {
					return err
				}
				return waitInstall(ctx, cmd.OutOrStdout(), a.orch)
			})
		},
	}
}

// waitInstall renders install progress until the install settles.
func waitInstall(ctx context.Context, out io.Writer, o *orchestrator.Orchestrator) error {
	ch, unsubscribe := o.Subscribe()
	defer unsubscribe()

	var bar *progressbar.ProgressBar
	current := ""
	for {
		select {
		case s := <-ch:
			st := s.Install
			if st.Phase == orchestrator.InstallFetching && st.ArtifactID != "" {
				if st.ArtifactID != current {
					if bar != nil {
						_ = bar.Finish()
					}
					current = st.ArtifactID
					bar = progressbar.DefaultBytes(st.Total, fmt.Sprintf("[%d/%d] %s", st.Artifact, st.Artifacts, st.ArtifactID))
				}
				_ = bar.Set64(st.Fetched)
			}
			switch st.Phase {
			case orchestrator.InstallInstalling:
				if bar != nil {
					_ = bar.Finish()
					bar = nil
				}
			case orchestrator.InstallInstalled:
				fmt.Fprintf(out, "✅ Version %s installed\n", st.VersionID)
				return nil
			case orchestrator.InstallFailed:
				return infoError(st.Error)
			case orchestrator.InstallIdle:
				return apperr.New(apperr.CodeCancelled, "install cancelled; run install again to resume")
			}
		case <-ctx.Done():
			return apperr.Wrap(apperr.CodeCancelled, "install interrupted; run install again to resume", ctx.Err())
		}
	}
}

func newLaunchCmd(cfg *config.Config) *cobra.Command {
	var skipBackup bool
	cmd := &cobra.Command{
		Use:   "launch [version]",
		Short: "Start the game and wait for it to exit",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := orchestrator.LaunchRequest{}
			if len(args) == 1 {
				req.VersionID = args[0]
			}
			if f := cmd.Flag("name"); f != nil && f.Changed {
				req.PlayerName = cfg.PlayerName
			}
			if f := cmd.Flag("auth-mode"); f != nil && f.Changed {
				req.AuthMode = cfg.AuthMode
			}
			if !skipBackup {
				if _, _, err := newBackups(cfg).Take(); err != nil {
					log.Log.Warn("Could not back up user data before launch: %v", err)
				}
			}
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				ch, unsubscribe := a.orch.Subscribe()
				defer unsubscribe()

				attemptID, err := a.orch.RequestLaunch(ctx, req)
				if err != nil {
					return err
				}
				log.Log.Info("Launch attempt %s started", attemptID)
				return waitLaunch(ctx, cmd.OutOrStdout(), ch, attemptID)
			})
		},
	}
	cmd.Flags().BoolVar(&skipBackup, "no-backup", false, "Do not back up user data before launching.")
	return cmd
}

func waitLaunch(ctx context.Context, out io.Writer, ch <-chan orchestrator.Snapshot, attemptID string) error {
	for {
		select {
		case s := <-ch:
			st := s.Launch
			if st.AttemptID != attemptID || !st.Phase.Finished() {
				continue
			}
			if st.Phase == orchestrator.LaunchFailed {
				return infoError(st.Error)
			}
			if s.LastReport != nil {
				fmt.Fprint(out, s.LastReport.Summary())
			}
			if st.Phase == orchestrator.LaunchCrashed {
				return apperr.New(apperr.CodeProcessFailed, "the game crashed; see the report above")
			}
			return nil
		case <-ctx.Done():
			return apperr.Wrap(apperr.CodeCancelled, "launch interrupted; the game has been stopped", ctx.Err())
		}
	}
}

func newVersionsCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:     "versions",
		Aliases: []string{"ls"},
		Short:   "List installed versions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			versions := a.orch.ListVersions()
			if len(versions) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No versions installed. Use 'hrs-launcher install' to install the latest one.")
				return nil
			}
			active := a.orch.Snapshot().Active

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "VERSION\tACTIVE\tSIZE\tINSTALLED")
			for _, v := range versions {
				mark := ""
				if v.ID == active {
					mark = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", v.ID, mark, util.FormatSize(v.Size), v.InstalledAt.Local().Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
}

func newUseCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "use <version>",
		Short: "Make an installed version the active one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				return a.orch.SetActive(ctx, args[0])
			})
		},
	}
}

func newRemoveCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <version>",
		Aliases: []string{"rm"},
		Short:   "Delete an installed version and its mods",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				if err := a.orch.RemoveVersion(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed version %s\n", args[0])
				return nil
			})
		},
	}
}

func newModsCmd(cfg *config.Config) *cobra.Command {
	var versionID string
	mods := &cobra.Command{
		Use:   "mods",
		Short: "Manage mods of an installed version",
	}
	mods.PersistentFlags().StringVar(&versionID, "for", "", "Version the mods belong to. Defaults to the active version.")

	list := &cobra.Command{
		Use:   "list",
		Short: "List installed mods",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			id := versionID
			if id == "" {
				id = a.orch.Snapshot().Active
			}
			if id == "" {
				return apperr.New(apperr.CodeNotInstalled, "no version is installed")
			}
			installed, err := a.orch.ListMods(id)
			if err != nil {
				return err
			}
			if len(installed) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No mods installed for version %s.\n", id)
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tVERSION\tAUTHOR\tENABLED")
			for _, m := range installed {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", m.ID, m.Name, dash(m.Version), dash(m.Author), m.Enabled)
			}
			return w.Flush()
		},
	}

	available := &cobra.Command{
		Use:   "available",
		Short: "List mods published in the catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				refs, err := a.orch.AvailableMods(ctx, versionID)
				if err != nil {
					return err
				}
				if len(refs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "The catalog publishes no mods for this version.")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tVERSION\tINSTALLED")
				for _, m := range refs {
					fmt.Fprintf(w, "%s\t%s\t%t\n", m.ID, dash(m.Version), m.Installed)
				}
				return w.Flush()
			})
		},
	}

	var url, sha256 string
	install := &cobra.Command{
		Use:   "install <mod-id>",
		Short: "Install a mod from the catalog, or from --url",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := fetcher.ArtifactRef{ID: args[0]}
			if url != "" {
				if sha256 == "" {
					return apperr.New(apperr.CodeInvalid, "--sha256 is required with --url")
				}
				ref.URL = url
				ref.Checksum = fetcher.Checksum{Algorithm: "sha256", Digest: strings.ToLower(sha256)}
			}
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				m, err := a.orch.InstallMod(ctx, versionID, ref)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Installed mod %s (%s)\n", m.Name, m.ID)
				return nil
			})
		},
	}
	install.Flags().StringVar(&url, "url", "", "Download the mod from this URL instead of the catalog.")
	install.Flags().StringVar(&sha256, "sha256", "", "Expected SHA-256 of the file given with --url.")

	remove := &cobra.Command{
		Use:   "remove <mod-id>",
		Short: "Delete an installed mod",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				return a.orch.RemoveMod(ctx, args[0])
			})
		},
	}

	toggle := func(use string, enabled bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <mod-id>",
			Short: strings.ToUpper(use[:1]) + use[1:] + " an installed mod",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
					return a.orch.SetModEnabled(ctx, args[0], enabled)
				})
			},
		}
	}

	mods.AddCommand(list, available, install, remove, toggle("enable", true), toggle("disable", false))
	return mods
}

func newDoctorCmd(cfg *config.Config) *cobra.Command {
	var save bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check connectivity, installed files and dependencies",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			checker := diagnostics.New(a.store, a.catalog, diagnostics.Options{
				LauncherVersion: version,
				Endpoints:       []string{a.catalog.URL()},
				Timeout:         cfg.ConnectTimeout,
				JavaPath:        cfg.JavaPath,
				RuntimeDir:      cfg.RuntimeDir(),
				DataDir:         cfg.DataDir,
				UserDir:         cfg.UserDir(),
			})
			report := checker.Run(cmd.Context())
			fmt.Fprint(cmd.OutOrStdout(), diagnostics.Format(report))
			if !save {
				return nil
			}
			path, err := diagnostics.Save(report, cfg.LogsDir())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nReport saved to %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&save, "save", true, "Write the report to the logs directory.")
	return cmd
}

func newBackups(cfg *config.Config) *backup.Manager {
	return backup.New(cfg.UserDir(), cfg.BackupsDir(), cfg.BackupKeep)
}

func newBackupCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up the game's user data (saves and settings)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			snap, created, err := newBackups(cfg).Take()
			if err != nil {
				return err
			}
			switch {
			case created:
				fmt.Fprintf(cmd.OutOrStdout(), "Backed up user data to %s\n", snap.Path)
			case snap.Name != "":
				fmt.Fprintf(cmd.OutOrStdout(), "User data unchanged since backup %s\n", snap.Name)
			default:
				fmt.Fprintln(cmd.OutOrStdout(), "No user data to back up.")
			}
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List user data backups",
		RunE: func(cmd *cobra.Command, _ []string) error {
			snaps, err := newBackups(cfg).List()
			if err != nil {
				return err
			}
			if len(snaps) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No backups yet.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTAKEN\tSIZE")
			for _, s := range snaps {
				fmt.Fprintf(w, "%s\t%s\t%s\n", s.Name, s.Taken.Local().Format("2006-01-02 15:04:05"), util.FormatSize(s.Size))
			}
			return w.Flush()
		},
	}

	restore := &cobra.Command{
		Use:   "restore <name>",
		Short: "Replace user data with a backup. The current data is backed up first.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newBackups(cfg).Restore(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored user data from %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, restore)
	return cmd
}

func newServeCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose the launcher over a local HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				log.Log.Prompt("🚀 API listening on http://%s", cfg.APIAddr)
				return api.NewAPI(a.orch, cfg.APIAddr, version).Serve(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&cfg.APIAddr, "addr", cfg.APIAddr, "Address the API listens on.")
	return cmd
}

// infoError turns a published ErrorInfo back into a typed error.
func infoError(info *orchestrator.ErrorInfo) error {
	if info == nil {
		return apperr.New(apperr.CodeUnknown, "operation failed")
	}
	return apperr.WithMetadata(info.Code, info.Message, info.Metadata)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

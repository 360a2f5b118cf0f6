// /cmd/hrs-launcher/main.go
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"hrs-launcher/internal/config"
	"hrs-launcher/internal/log"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// 1. Create a context that is cancelled on an interrupt signal.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// 2. Parse the command line and route to the selected command.
	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		log.Log.Fatal("%v", err)
	}
	log.Log.Sync()
}

func newRootCmd(out io.Writer) *cobra.Command {
	// Environment values become flag defaults. A broken environment is only
	// reported once a command actually needs the configuration.
	cfg, loadErr := config.Load()
	if cfg == nil {
		cfg = &config.Config{}
	}
	var versionOnly bool

	root := &cobra.Command{
		Use:           "hrs-launcher",
		Short:         "Install, update and launch the game",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if versionOnly {
				return nil
			}
			if loadErr != nil {
				return fmt.Errorf("failed to load configuration: %w", loadErr)
			}
			if err := cfg.Finalize(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			log.Init(cfg.LogLevel)
			return cfg.EnsureDirs()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if versionOnly {
				fmt.Fprintf(out, "hrs-launcher %s\n", version)
				return nil
			}
			return cmd.Help()
		},
	}
	root.SetOut(out)
	root.Flags().BoolVar(&versionOnly, "version-only", false, "Print the launcher version and exit.")
	cfg.BindFlags(root.PersistentFlags())

	root.AddCommand(
		newInstallCmd(cfg),
		newLaunchCmd(cfg),
		newVersionsCmd(cfg),
		newUseCmd(cfg),
		newRemoveCmd(cfg),
		newModsCmd(cfg),
		newDoctorCmd(cfg),
		newBackupCmd(cfg),
		newServeCmd(cfg),
	)
	return root
}

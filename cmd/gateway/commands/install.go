package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var installServer string

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install and activate the manifest's cache generation",
	Long: `install fetches every asset listed in the manifest into a new cache
generation and activates it, deleting all other generations. The install
is all-or-nothing: if any asset cannot be fetched the previous generation
stays active.

With --server the install is performed by a running gateway instead.`,
	RunE: runInstall,
}

func init() {
	installCmd.Flags().StringVar(&installServer, "server", "", "URL of a running gateway (e.g. http://127.0.0.1:10080)")
}

func runInstall(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()

	if installServer != "" {
		result, err := postControl(ctx, installServer, cfg.Server.ControlPrefix, "/install")
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "installed generation %v\n", result["generation"])
		return nil
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.versions.Restore(ctx); err != nil {
		return err
	}

	m := a.manifest.Current()
	if err := a.installCurrent(ctx); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "installed generation %s (%d assets)\n", m.Generation, len(m.Assets))
	return nil
}

package commands

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"gateway/internal/usecase"
)

var purgeYes bool

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect or clear the retry queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued chat submissions in replay order",
	RunE:  runQueueList,
}

var queuePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete every queued submission without replaying it",
	RunE:  runQueuePurge,
}

func init() {
	queuePurgeCmd.Flags().BoolVarP(&purgeYes, "yes", "y", false, "confirm deletion")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queuePurgeCmd)
}

func runQueueList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	a, err := newQueueApp(cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	mutations, err := a.queue.List(context.Background())
	if err != nil {
		return err
	}
	if len(mutations) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "queue is empty")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tQUEUED\tAGE\tATTEMPTS\tLAST ERROR\tMESSAGE")
	for _, m := range mutations {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			m.ID,
			m.EnqueuedAt.Format(time.RFC3339),
			time.Since(m.EnqueuedAt).Truncate(time.Second),
			m.Attempts,
			m.LastError,
			usecase.Preview(m.FormValue("message"), 40),
		)
	}
	return w.Flush()
}

func runQueuePurge(cmd *cobra.Command, args []string) error {
	if !purgeYes {
		return errors.New("refusing to purge without --yes")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	a, err := newQueueApp(cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.queue.Purge(context.Background())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "purged %d queued submissions\n", n)
	return nil
}

package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/filedrop/files"
)

var (
	sweepGrace  time.Duration
	sweepDryRun bool
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete stored files whose metadata was never written",
	Long: `An upload writes the file first and its .key metadata second. If the
second write fails the file is unreachable. sweep lists such files older
than --grace and deletes them.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := newLogger(cfg, cmd.ErrOrStderr())

		store, closeStore, err := openStore(cfg, logger)
		if err != nil {
			return err
		}
		defer closeStore()

		svc := files.NewService(store, files.WithLogger(logger))
		orphans, err := svc.Sweep(cmd.Context(), sweepGrace, sweepDryRun)
		out := cmd.OutOrStdout()
		for _, key := range orphans {
			fmt.Fprintln(out, key)
		}
		if err != nil {
			return err
		}

		verb := "deleted"
		if sweepDryRun {
			verb = "would delete"
		}
		fmt.Fprintf(out, "%s %d orphaned file(s)\n", verb, len(orphans))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
	sweepCmd.Flags().DurationVar(&sweepGrace, "grace", time.Hour, "Ignore files modified more recently than this")
	sweepCmd.Flags().BoolVar(&sweepDryRun, "dry-run", false, "List orphaned files without deleting them")
}

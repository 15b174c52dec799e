package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewRehydrateCommand creates the rehydrate command.
func NewRehydrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rehydrate",
		Short: "Rebuild the cache from the durable store once",
		Long: `Flush the cache and reload it from the durable store. With the redis backend
this repairs the shared cache of a running server; the threshold migration
check runs afterwards as usual.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.engine.Rehydrate(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "active=%d noticed=%d archived=%d types=%d migrated=%t\n",
				report.Active, report.Noticed, report.Archived, report.Types, report.Migrated)
			return nil
		},
	}
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Move noticed entries to the archive tier now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.engine.Migrate(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "moved=%d active=%d archived=%d\n",
				report.Moved, report.ActiveAfter, report.ArchivedAfter)
			return nil
		},
	}
}

// NewDumpCommand creates the dump command.
func NewDumpCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Print the cache contents after a rehydration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.engine.Rehydrate(cmd.Context()); err != nil {
				return err
			}
			lines, err := a.engine.DebugSnapshot(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, line := range lines {
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Bring the conversation store up to the current schema",
	Long: `Opens the conversation store, which applies any pending schema
migrations, and reports what was done. Every command migrates on open; this
one only makes it visible.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		res := st.LastMigration()
		out := cmd.OutOrStdout()
		for _, w := range res.Warnings {
			fmt.Fprintln(out, warnStyle.Render("warning: "+w))
		}
		if res.MigrationsRun == 0 {
			fmt.Fprintf(out, "%s is up to date (schema v%d)\n", st.Path(), res.ToVersion)
			return nil
		}
		fmt.Fprintf(out, "%s migrated from v%d to v%d (%d migrations, %d statements)\n",
			st.Path(), res.FromVersion, res.ToVersion, res.MigrationsRun, res.Statements)
		return nil
	},
}

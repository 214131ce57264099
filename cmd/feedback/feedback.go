// Package feedback provides feedback maintenance commands
package feedback

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/leafwatch/leafwatch/internal/app"
	"github.com/leafwatch/leafwatch/internal/buildinfo"
	"github.com/leafwatch/leafwatch/internal/conf"
)

// Command creates the feedback command group
func Command(settings *conf.Settings, info *buildinfo.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feedback",
		Short: "Feedback maintenance",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "process-pending",
		Short: "Retry promotion of confirmed feedback",
		Long:  "Promote every correct feedback that has not produced a curated image yet. Safe to run repeatedly.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cmd.Context(), settings, info)
			if err != nil {
				return err
			}
			defer a.Close()

			summary, err := a.Curator.ProcessPending(cmd.Context())
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(summary)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print feedback statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cmd.Context(), settings, info)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.Curator.Statistics(cmd.Context())
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(stats)
		},
	})

	return cmd
}

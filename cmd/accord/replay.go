package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newReplayCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "replay SESSION_ID",
		Short: "Reconstruct a collaboration session from the event log and print it as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var pointInTime *time.Time
			if at != "" {
				t, err := time.Parse(time.RFC3339Nano, at)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				pointInTime = &t
			}

			a, done, err := openApp()
			if err != nil {
				return err
			}
			defer done()

			session, err := a.rec.Reconstruct(cmd.Context(), args[0], pointInTime)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(session)
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "RFC 3339 point in time; omit for the latest state")
	return cmd
}

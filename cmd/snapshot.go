package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var snapshotBuilding string

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Refresh a single building and print its snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		var found bool
		for _, tb := range env.Buildings {
			if tb.Building.ID == snapshotBuilding {
				found = true
				if err := env.Engine.RefreshBuilding(ctx, tb.Building); err != nil {
					return err
				}
				break
			}
		}
		if !found {
			return eris.Errorf("building %q is not in the roster", snapshotBuilding)
		}

		snap, err := env.Engine.Store().GetSnapshot(ctx, snapshotBuilding)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	},
}

func init() {
	snapshotCmd.Flags().StringVar(&snapshotBuilding, "building", "", "building id to refresh (required)")
	_ = snapshotCmd.MarkFlagRequired("building")
	rootCmd.AddCommand(snapshotCmd)
}

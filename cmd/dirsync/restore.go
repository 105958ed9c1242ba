package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dverbeek/dirsync/pkg/plog"
	"github.com/dverbeek/dirsync/pkg/snapstore"
)

func newRestoreCmd() *cobra.Command {
	var (
		latest       bool
		atStr        string
		description  string
		snapshotPath string
		files        []string
		yes          bool
	)

	cmd := &cobra.Command{
		Use:   "restore <dir>",
		Short: "Restore a tracked directory's index from a rotated snapshot",
		Long: `Restore replaces the live identity index of a tracked directory with the
contents of a rotated snapshot. The current index is snapshotted first, so a
restore is always reversible. With --file, only the listed paths take the
snapshot's state and everything else is preserved.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sel := snapstore.Selector{
				MostRecent:  latest,
				Description: description,
				Path:        snapshotPath,
				Files:       files,
			}
			if atStr != "" {
				at, err := parseTimeFlag(atStr)
				if err != nil {
					return err
				}
				sel.Nearest = at
			}
			if !latest && atStr == "" && description == "" && snapshotPath == "" {
				return fmt.Errorf("select a snapshot with --latest, --at, --description or --snapshot")
			}

			if !yes && !promptYesNo(fmt.Sprintf("Restore the index of %s?", args[0]), nil) {
				plog.Info("Restore cancelled")
				return nil
			}

			store, err := snapstore.Open(args[0], snapstore.Options{})
			if err != nil {
				return err
			}
			if err := store.Restore(cmd.Context(), sel); err != nil {
				return err
			}
			plog.Info("Index restored", "dir", args[0], "files", store.Len())
			return nil
		},
	}

	cmd.Flags().BoolVar(&latest, "latest", false, "restore the most recent snapshot")
	cmd.Flags().StringVar(&atStr, "at", "", "restore the snapshot closest to this time")
	cmd.Flags().StringVarP(&description, "description", "d", "", "restore the newest snapshot whose description contains this")
	cmd.Flags().StringVar(&snapshotPath, "snapshot", "", "restore this exact snapshot file")
	cmd.Flags().StringArrayVar(&files, "file", nil, "restore only this path (repeatable)")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

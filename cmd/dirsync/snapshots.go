package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dverbeek/dirsync/pkg/snapstore"
)

func newSnapshotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "Inspect the rotated index snapshots of a tracked directory",
	}
	cmd.AddCommand(newSnapshotsListCmd(), newSnapshotsFindCmd())
	return cmd
}

func printSnapshots(infos []snapstore.SnapshotInfo) {
	if len(infos) == 0 {
		fmt.Println("No snapshots found.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CREATED\tFILES\tDESCRIPTION\tPATH")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
			info.Meta.CreatedAt.Local().Format(time.DateTime),
			info.Meta.FileCount,
			info.Meta.Description,
			info.Path)
	}
	w.Flush()
}

func newSnapshotsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <dir>",
		Short: "List all snapshots of a tracked directory, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := snapstore.Open(args[0], snapstore.Options{})
			if err != nil {
				return err
			}
			infos, err := store.List()
			if err != nil {
				return err
			}
			printSnapshots(infos)
			return nil
		},
	}
}

func newSnapshotsFindCmd() *cobra.Command {
	var (
		fromStr     string
		toStr       string
		description string
		minFiles    int
		maxFiles    int
	)

	cmd := &cobra.Command{
		Use:   "find <dir>",
		Short: "Find snapshots by time window, description or file count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			criteria := snapstore.FindCriteria{
				DescriptionContains: description,
				MinFiles:            minFiles,
				MaxFiles:            maxFiles,
			}
			var err error
			if fromStr != "" {
				if criteria.From, err = parseTimeFlag(fromStr); err != nil {
					return err
				}
			}
			if toStr != "" {
				if criteria.To, err = parseTimeFlag(toStr); err != nil {
					return err
				}
			}

			store, err := snapstore.Open(args[0], snapstore.Options{})
			if err != nil {
				return err
			}
			infos, err := store.Find(criteria)
			if err != nil {
				return err
			}
			printSnapshots(infos)
			return nil
		},
	}

	cmd.Flags().StringVar(&fromStr, "from", "", "earliest creation time (2006-01-02 or 2006-01-02 15:04:05)")
	cmd.Flags().StringVar(&toStr, "to", "", "latest creation time")
	cmd.Flags().StringVarP(&description, "description", "d", "", "substring match on the snapshot description")
	cmd.Flags().IntVar(&minFiles, "min-files", 0, "minimum indexed file count")
	cmd.Flags().IntVar(&maxFiles, "max-files", 0, "maximum indexed file count (0 means no limit)")
	return cmd
}

func parseTimeFlag(s string) (time.Time, error) {
	for _, layout := range []string{time.DateTime, time.DateOnly, time.RFC3339} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q, use 2006-01-02 or 2006-01-02 15:04:05", s)
}

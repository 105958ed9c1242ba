package main

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dverbeek/dirsync/pkg/config"
	"github.com/dverbeek/dirsync/pkg/manager"
	"github.com/dverbeek/dirsync/pkg/pathsync"
	"github.com/dverbeek/dirsync/pkg/plog"
	"github.com/dverbeek/dirsync/pkg/util"
)

func configPath() string {
	if flagConfig != "" {
		return flagConfig
	}
	return config.ConfigFileName
}

func newRunCmd() *cobra.Command {
	var (
		test           bool
		overwrite      bool
		warnDuplicates bool
		yes            bool
		parallel       int
		failuresOut    string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync mappings from the job file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath())
			if err != nil {
				return err
			}
			mappings, err := cfg.BuildMappings()
			if err != nil {
				return err
			}

			if parallel == 0 {
				parallel = cfg.Settings.Parallel
			}
			opts := manager.Options{
				Test:           test,
				Overwrite:      overwrite,
				WarnDuplicates: warnDuplicates,
				SkipConfirm:    yes,
				Parallel:       parallel,
			}

			mgr := manager.New(mappings, opts, manager.ConfirmerFunc(promptYesNo))
			plog.Info("Starting sync run", "config", configPath(), "run", mgr.Summary())
			runErr := mgr.Run(cmd.Context())

			if failuresOut != "" {
				if err := writeFailures(failuresOut, mgr.Failures()); err != nil {
					plog.Error("Could not write failure report", "path", failuresOut, "error", err)
				}
			}
			return runErr
		},
	}

	cmd.Flags().BoolVarP(&test, "test", "t", false, "compute and log the plan without changing anything")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "ignore stored identities and rehash every source file")
	cmd.Flags().BoolVar(&warnDuplicates, "warn-duplicates", false, "log source files with identical content")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "answer all prompts with yes (unattended mode)")
	cmd.Flags().IntVarP(&parallel, "parallel", "p", 0, "number of mappings to sync concurrently (default from config)")
	cmd.Flags().StringVar(&failuresOut, "failures-out", "", "write accumulated failures as JSON to this file")
	return cmd
}

// writeFailures dumps the run's accumulated failures as one JSON document,
// for machine consumption after unattended runs.
func writeFailures(path string, report map[string][]pathsync.Failure) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, util.UserWritableFilePerms)
}

func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a skeleton job file to the current directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(configPath())
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil && !force {
				plog.Warn("Job file already exists, use --force to overwrite", "path", path)
				return nil
			}
			return config.Generate(config.NewDefault(), path)
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing job file")
	return cmd
}

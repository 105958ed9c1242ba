package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dverbeek/dirsync/pkg/buildinfo"
	"github.com/dverbeek/dirsync/pkg/plog"
)

var (
	flagConfig   string
	flagLogLevel string
	flagQuiet    bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           buildinfo.Name,
		Short:         "Directory sync and backup tool with identity-tracked state",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			plog.SetLevel(plog.LevelFromString(flagLogLevel))
			plog.SetQuiet(flagQuiet)
		},
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to the job file (default ./dirsync.config.json)")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level: debug, info, warn, error")
	root.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	root.AddCommand(
		newRunCmd(),
		newInitCmd(),
		newSnapshotsCmd(),
		newRestoreCmd(),
		newVersionCmd(),
	)
	return root
}

// promptYesNo asks on the terminal and accepts y/yes. Anything else,
// including a closed stdin, is a no.
func promptYesNo(prompt string, paths []string) bool {
	for _, p := range paths {
		fmt.Fprintf(os.Stderr, "  %s\n", p)
	}
	fmt.Fprintf(os.Stderr, "%s [y/N]: ", prompt)

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		plog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

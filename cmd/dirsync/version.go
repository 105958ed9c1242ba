package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/dverbeek/dirsync/pkg/buildinfo"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s (%s, %s/%s)\n",
				buildinfo.Name, buildinfo.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/buildstream-go/bst/internal/bsterrors"
)

const defaultProjectConf = `name: %s
format-version: %d
element-path: elements
`

func newInitCmd(a *app) *cobra.Command {
	var formatVersion int
	cmd := &cobra.Command{
		Use:   "init [name]",
		Short: "Initialize a new project directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := filepath.Base(a.directory)
			if len(args) == 1 {
				name = args[0]
			}
			if err := os.MkdirAll(filepath.Join(a.directory, "elements"), 0o755); err != nil {
				return bsterrors.Wrap(err, bsterrors.DomainApp, bsterrors.ReasonIO, "creating element path")
			}
			confPath := filepath.Join(a.directory, "project.conf")
			if _, err := os.Stat(confPath); err == nil {
				return bsterrors.New(bsterrors.DomainApp, bsterrors.ReasonUserAssertion, "project.conf already exists at "+confPath)
			}
			if err := os.WriteFile(confPath, []byte(fmt.Sprintf(defaultProjectConf, name, formatVersion)), 0o644); err != nil {
				return bsterrors.Wrap(err, bsterrors.DomainApp, bsterrors.ReasonIO, "writing project.conf")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized project %q in %s\n", name, a.directory)
			return nil
		},
	}
	cmd.Flags().IntVar(&formatVersion, "format-version", 1, "project format version")
	return cmd
}

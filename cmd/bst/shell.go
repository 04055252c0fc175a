package main

import (
	"github.com/spf13/cobra"

	"github.com/buildstream-go/bst/internal/bsterrors"
)

func newShellCmd(a *app) *cobra.Command {
	var buildDeps bool
	cmd := &cobra.Command{
		Use:   "shell [element]",
		Short: "Launch an interactive shell in an element's sandbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadElements(a); err != nil {
				return err
			}
			return bsterrors.New(bsterrors.DomainSandbox, bsterrors.ReasonMissing,
				"no interactive command runner is wired into this build: shell requires a concrete sandbox executor")
		},
	}
	cmd.Flags().BoolVar(&buildDeps, "build", false, "stage build dependencies instead of runtime dependencies")
	return cmd
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/buildstream-go/bst/internal/bsterrors"
	bstcontext "github.com/buildstream-go/bst/internal/context"
)

func (a *app) openWorkspaceIndex() (*bstcontext.WorkspaceIndex, error) {
	if a.layout == nil {
		if _, err := a.openCache(); err != nil {
			return nil, err
		}
	}
	return bstcontext.OpenWorkspaceIndex(a.layout.Root)
}

func newWorkspaceCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workspace",
		Short: "Manage open workspaces",
	}
	cmd.AddCommand(
		newWorkspaceOpenCmd(a),
		newWorkspaceCloseCmd(a),
		newWorkspaceResetCmd(a),
		newWorkspaceListCmd(a),
	)
	return cmd
}

func newWorkspaceOpenCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "open [element] [path]",
		Short: "Open a workspace for an element at a host directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := a.openWorkspaceIndex()
			if err != nil {
				return err
			}
			if err := idx.Open(args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "opened workspace for %s at %s\n", args[0], args[1])
			return nil
		},
	}
}

func newWorkspaceCloseCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "close [element]",
		Short: "Close an element's open workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := a.openWorkspaceIndex()
			if err != nil {
				return err
			}
			return idx.Close(args[0])
		},
	}
}

func newWorkspaceResetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reset [element]",
		Short: "Close and reopen an element's workspace at the same path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := a.openWorkspaceIndex()
			if err != nil {
				return err
			}
			rec, ok := idx.Get(args[0])
			if !ok {
				return bsterrors.New(bsterrors.DomainApp, bsterrors.ReasonMissing, "no open workspace for "+args[0])
			}
			if err := idx.Close(args[0]); err != nil {
				return err
			}
			return idx.Open(args[0], rec.Path)
		},
	}
}

func newWorkspaceListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every open workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := a.openWorkspaceIndex()
			if err != nil {
				return err
			}
			for _, rec := range idx.List() {
				fmt.Fprintf(cmd.OutOrStdout(), "%-24s %s\n", rec.Element, rec.Path)
			}
			return nil
		},
	}
}

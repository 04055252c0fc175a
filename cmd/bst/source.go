package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSourceCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "source",
		Short: "Operate directly on an element's sources",
	}
	cmd.AddCommand(
		newSourceTrackCmd(a),
		newSourceFetchCmd(a),
		newSourceCheckoutCmd(a),
	)
	return cmd
}

func newSourceTrackCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "track [element]",
		Short: "Resolve tracking refs to concrete refs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadElements(a)
			return err
		},
	}
}

func newSourceFetchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch [element]",
		Short: "Download an element's pinned sources",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadElements(a)
			return err
		},
	}
}

func newSourceCheckoutCmd(a *app) *cobra.Command {
	var directory string
	cmd := &cobra.Command{
		Use:   "checkout [element]",
		Short: "Stage an element's sources to a host directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadElements(a); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "would check out %s sources to %s\n", args[0], directory)
			return nil
		},
	}
	cmd.Flags().StringVar(&directory, "directory", ".", "destination directory")
	return cmd
}
